package driven

import (
	"context"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MarketplaceClient calls the remote marketplace REST API.
// Failed responses are returned as *domain.UpstreamError. Only the gateway calls it.
type MarketplaceClient interface {
	GetListing(ctx context.Context, accessToken, itemID string) (*domain.RemoteListing, error)

	// ListListings returns one page of the seller's listings.
	// An empty pageToken starts from the beginning.
	ListListings(ctx context.Context, accessToken, pageToken string, pageSize int) (*domain.ListingPage, error)

	// UpdateListing applies changes; idempotencyKey is forwarded to the marketplace.
	UpdateListing(ctx context.Context, accessToken, itemID string, changes domain.ListingChanges, idempotencyKey string) (*domain.RemoteListing, error)

	CreateListing(ctx context.Context, accessToken string, draft domain.ListingDraft, idempotencyKey string) (*domain.RemoteListing, error)

	EndListing(ctx context.Context, accessToken, itemID, reason, idempotencyKey string) (*domain.RemoteListing, error)

	GetOrder(ctx context.Context, accessToken, orderID string) (*domain.Order, error)
}

// CredentialProvider supplies marketplace access tokens.
type CredentialProvider interface {
	// AccessToken returns a cached token, refreshing it if it has expired.
	AccessToken(ctx context.Context) (string, error)

	// Refresh forces a token refresh and returns the new access token.
	Refresh(ctx context.Context) (string, error)
}

// TokenStore persists the marketplace token pair (PostgreSQL, encrypted).
type TokenStore interface {
	// Get returns domain.ErrNotFound when no token has been stored.
	Get(ctx context.Context) (*domain.MarketplaceToken, error)
	Save(ctx context.Context, token *domain.MarketplaceToken) error
}
