package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// QuotaStore tracks per-category call budgets in fixed windows.
// Implementations use Redis (preferred) or Postgres (fallback).
type QuotaStore interface {
	// TryAcquire atomically takes n tokens from the current window of the
	// policy's category. When fewer than n remain nothing is taken and
	// acquired is false. The returned window reflects the state after the call.
	TryAcquire(ctx context.Context, policy domain.QuotaPolicy, n int) (window domain.QuotaWindow, acquired bool, err error)

	// Window returns the current window without consuming tokens.
	Window(ctx context.Context, policy domain.QuotaPolicy) (domain.QuotaWindow, error)

	// Exhaust empties the category window until resetAt.
	// Used when the marketplace reports the quota spent before the local counter.
	Exhaust(ctx context.Context, policy domain.QuotaPolicy, resetAt time.Time) error
}
