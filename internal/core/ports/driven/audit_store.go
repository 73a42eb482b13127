package driven

import (
	"context"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// AuditStore records tool invocations (PostgreSQL).
type AuditStore interface {
	Record(ctx context.Context, inv *domain.ToolInvocation) error

	// ListRecent returns the newest invocations, optionally for one tool.
	ListRecent(ctx context.Context, tool domain.ToolName, limit int) ([]*domain.ToolInvocation, error)
}
