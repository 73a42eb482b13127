package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// ConflictStore persists manual_review conflict cases (PostgreSQL).
type ConflictStore interface {
	// Save creates or updates a case. A case without ID is assigned one.
	Save(ctx context.Context, c *domain.ConflictCase) error

	Get(ctx context.Context, id string) (*domain.ConflictCase, error)

	// GetOpenByListing returns the unresolved case for a listing, or domain.ErrNotFound.
	GetOpenByListing(ctx context.Context, listingID string) (*domain.ConflictCase, error)

	List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error)

	// MarkResolved records the operator decision on an open case.
	MarkResolved(ctx context.Context, id string, choice domain.Resolution, by string, at time.Time) error
}
