package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, AppID: "app-1", DevID: "dev-1", PageSize: 25})
}

func TestClient_GetListing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/sell/v1/listings/item-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "app-1", r.Header.Get("X-Marketplace-App-Id"))
		assert.Equal(t, "dev-1", r.Header.Get("X-Marketplace-Dev-Id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"item_id":"item-1","title":"Lamp","price":"19.99","quantity":3,"status":"active","revision":"r7"}`)
	})

	l, err := client.GetListing(context.Background(), "tok", "item-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", l.ItemID)
	assert.Equal(t, "r7", l.Revision)
	assert.True(t, l.Price.Equal(decimal.RequireFromString("19.99")))
}

func TestClient_ListListings_Paging(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "p2", r.URL.Query().Get("page_token"))
		_, _ = io.WriteString(w, `{"listings":[{"item_id":"a"},{"item_id":"b"}],"next_page_token":"p3"}`)
	})

	page, err := client.ListListings(context.Background(), "tok", "p2", 0)
	require.NoError(t, err)
	assert.Len(t, page.Listings, 2)
	assert.Equal(t, "p3", page.NextPageToken)
}

func TestClient_UpdateListing_SendsIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "fp-123", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "15", body["price"])
		assert.NotContains(t, body, "title")

		_, _ = io.WriteString(w, `{"item_id":"item-1","price":"15.00","revision":"r8"}`)
	})

	price := decimal.NewFromInt(15)
	l, err := client.UpdateListing(context.Background(), "tok", "item-1", domain.ListingChanges{Price: &price}, "fp-123")
	require.NoError(t, err)
	assert.Equal(t, "r8", l.Revision)
}

func TestClient_EndListing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sell/v1/listings/item-1/end", r.URL.Path)
		var body struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sold_elsewhere", body.Reason)
		_, _ = io.WriteString(w, `{"item_id":"item-1","status":"ended"}`)
	})

	l, err := client.EndListing(context.Background(), "tok", "item-1", "sold_elsewhere", "fp-9")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingStatusEnded, l.Status)
}

func TestClient_GetOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sell/v1/orders/o-1", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"o-1","listing_id":"item-1","status":"paid","quantity":1,"total":"12.00"}`)
	})

	o, err := client.GetOrder(context.Background(), "tok", "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, o.Status)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		wantErr    error
		wantMsg    string
		wantAfter  time.Duration
	}{
		{"expired token", http.StatusUnauthorized, `{"error":"invalid_token"}`, "", domain.ErrAuthExpired, "invalid_token", 0},
		{"missing item", http.StatusNotFound, `{"error":{"message":"item not found"}}`, "", domain.ErrNotFound, "item not found", 0},
		{"bad request", http.StatusBadRequest, `{"message":"price too low"}`, "", domain.ErrInvalidInput, "price too low", 0},
		{"rate limited", http.StatusTooManyRequests, `slow down`, "30", domain.ErrUpstreamUnavailable, "slow down", 30 * time.Second},
		{"server error", http.StatusBadGateway, ``, "", domain.ErrUpstreamUnavailable, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := client.GetListing(context.Background(), "tok", "item-1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var upstream *domain.UpstreamError
			require.True(t, errors.As(err, &upstream))
			assert.Equal(t, tt.status, upstream.StatusCode)
			assert.Equal(t, tt.wantMsg, upstream.Message)
			assert.Equal(t, tt.wantAfter, upstream.RetryAfter)
		})
	}
}

func TestClient_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.GetListing(context.Background(), "tok", "item-1")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
