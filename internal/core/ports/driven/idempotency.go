package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// IdempotencyLedger is the durable system of record for operation fingerprints.
// Claims are atomic: two callers never both claim the same live fingerprint.
type IdempotencyLedger interface {
	// Begin claims rec.Fingerprint when no live record exists (absent, expired,
	// or in_progress with a lapsed lease) and returns claimed=true.
	// Otherwise it returns the live record and claimed=false.
	Begin(ctx context.Context, rec *domain.IdempotencyRecord) (existing *domain.IdempotencyRecord, claimed bool, err error)

	// Extend pushes the lease of an in_progress claim held by owner to leaseUntil.
	// Returns domain.ErrClaimLost if owner no longer holds the claim.
	Extend(ctx context.Context, fingerprint, owner string, leaseUntil time.Time) error

	// Complete stores the settled outcome of a claimed record.
	// Returns domain.ErrClaimLost unless rec.Owner still holds the claim.
	Complete(ctx context.Context, rec *domain.IdempotencyRecord) error

	// Release drops an in_progress claim held by owner so a retry re-attempts the call.
	// Returns domain.ErrClaimLost if owner no longer holds the claim.
	Release(ctx context.Context, fingerprint, owner string) error

	// Get retrieves a record by fingerprint.
	Get(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error)

	// PurgeExpired deletes records that expired before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// IdempotencyCache holds settled records for fast replay (Redis).
// It is never the system of record.
type IdempotencyCache interface {
	// Get returns domain.ErrNotFound on a miss.
	Get(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error)

	// Put caches a settled record for ttl.
	Put(ctx context.Context, rec *domain.IdempotencyRecord, ttl time.Duration) error
}
