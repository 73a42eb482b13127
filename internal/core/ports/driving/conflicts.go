package driving

import (
	"context"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// ConflictService is the operator review path for manual_review conflicts.
type ConflictService interface {
	GetConflict(ctx context.Context, id string) (*domain.ConflictCase, error)
	ListConflicts(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error)

	// ResolveConflict applies the operator decision: local_wins enqueues a
	// push_update, remote_wins applies the remote snapshot to the mirror.
	ResolveConflict(ctx context.Context, id string, choice domain.Resolution, operator string) (*domain.ConflictCase, error)
}
