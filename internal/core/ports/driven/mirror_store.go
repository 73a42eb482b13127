package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MirrorStore owns persistence of mirrored listings (PostgreSQL).
// Every write goes through Upsert, which is the only place local_version changes.
type MirrorStore interface {
	// Get retrieves the latest committed listing.
	Get(ctx context.Context, id string) (*domain.Listing, error)

	// Upsert writes the listing if the stored local_version equals expectedVersion
	// (0 for a listing not yet mirrored) and returns the stored row with
	// local_version incremented by exactly one. A mismatch returns
	// domain.ErrVersionConflict and leaves the row untouched.
	Upsert(ctx context.Context, listing *domain.Listing, expectedVersion int64, origin domain.WriteOrigin) (*domain.Listing, error)

	// List retrieves listings matching the filter, ordered by id.
	List(ctx context.Context, filter domain.ListingFilter) ([]*domain.Listing, error)

	// Count returns the number of listings matching the filter, ignoring paging.
	Count(ctx context.Context, filter domain.ListingFilter) (int, error)

	// TrackSeen records listing ids observed remotely during a reconciliation run.
	TrackSeen(ctx context.Context, runID string, ids []string) error

	// ListAbsent returns listings not ended that were not seen during the run
	// and were last synced before it started. Listings mirrored after
	// runStart may have been created behind the run's page cursor.
	ListAbsent(ctx context.Context, runID string, runStart time.Time) ([]*domain.Listing, error)

	// ClearSeen removes the run's observation set.
	ClearSeen(ctx context.Context, runID string) error
}

// OrderStore mirrors marketplace orders (PostgreSQL).
type OrderStore interface {
	// Upsert creates or replaces an order
	Upsert(ctx context.Context, order *domain.Order) error

	Get(ctx context.Context, id string) (*domain.Order, error)

	// ListByListing returns the orders placed against a listing
	ListByListing(ctx context.Context, listingID string) ([]*domain.Order, error)

	// ListSince returns orders created at or after since
	ListSince(ctx context.Context, since time.Time) ([]*domain.Order, error)
}
