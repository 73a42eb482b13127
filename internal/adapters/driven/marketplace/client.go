package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Ensure Client implements the interface.
var _ driven.MarketplaceClient = (*Client)(nil)

const (
	defaultBaseURL  = "https://api.marketplace.example.com"
	defaultPageSize = 100
	maxErrorBody    = 4096
)

// Config holds marketplace API settings.
type Config struct {
	BaseURL  string
	AppID    string
	DevID    string
	PageSize int
	Timeout  time.Duration
}

// Client calls the marketplace REST API.
// It makes exactly one HTTP request per call; retries, quota and token
// refresh belong to the gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appID      string
	devID      string
	pageSize   int
}

// NewClient creates a new marketplace API client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		appID:      cfg.AppID,
		devID:      cfg.DevID,
		pageSize:   cfg.PageSize,
	}
}

// GetListing fetches one listing.
func (c *Client) GetListing(ctx context.Context, accessToken, itemID string) (*domain.RemoteListing, error) {
	var listing domain.RemoteListing
	err := c.do(ctx, http.MethodGet, "/sell/v1/listings/"+url.PathEscape(itemID), accessToken, "", nil, &listing)
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// ListListings returns one page of the seller's listings.
func (c *Client) ListListings(ctx context.Context, accessToken, pageToken string, pageSize int) (*domain.ListingPage, error) {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	params := url.Values{"limit": {strconv.Itoa(pageSize)}}
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}

	var page domain.ListingPage
	if err := c.do(ctx, http.MethodGet, "/sell/v1/listings?"+params.Encode(), accessToken, "", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// UpdateListing revises the given fields of a listing.
func (c *Client) UpdateListing(ctx context.Context, accessToken, itemID string, changes domain.ListingChanges, idempotencyKey string) (*domain.RemoteListing, error) {
	var listing domain.RemoteListing
	err := c.do(ctx, http.MethodPatch, "/sell/v1/listings/"+url.PathEscape(itemID), accessToken, idempotencyKey, changes, &listing)
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// CreateListing publishes a new fixed-price listing.
func (c *Client) CreateListing(ctx context.Context, accessToken string, draft domain.ListingDraft, idempotencyKey string) (*domain.RemoteListing, error) {
	var listing domain.RemoteListing
	if err := c.do(ctx, http.MethodPost, "/sell/v1/listings", accessToken, idempotencyKey, draft, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// EndListing ends a listing early.
func (c *Client) EndListing(ctx context.Context, accessToken, itemID, reason, idempotencyKey string) (*domain.RemoteListing, error) {
	body := struct {
		Reason string `json:"reason"`
	}{Reason: reason}

	var listing domain.RemoteListing
	err := c.do(ctx, http.MethodPost, "/sell/v1/listings/"+url.PathEscape(itemID)+"/end", accessToken, idempotencyKey, body, &listing)
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, accessToken, orderID string) (*domain.Order, error) {
	var order domain.Order
	if err := c.do(ctx, http.MethodGet, "/sell/v1/orders/"+url.PathEscape(orderID), accessToken, "", nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// do performs one authenticated JSON request.
// Non-2xx responses are returned as *domain.UpstreamError.
func (c *Client) do(ctx context.Context, method, path, accessToken, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.appID != "" {
		req.Header.Set("X-Marketplace-App-Id", c.appID)
	}
	if c.devID != "" {
		req.Header.Set("X-Marketplace-Dev-Id", c.devID)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// connection failures are transient
		return fmt.Errorf("%w: %s %s: %v", domain.ErrUpstreamUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return upstreamError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// upstreamError converts a failed response, reading the Retry-After hint.
func upstreamError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return &domain.UpstreamError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Message:    errorMessage(data),
	}
}

// errorMessage extracts the message of a JSON error body, or returns the raw text.
func errorMessage(data []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if payload.Message != "" {
		return payload.Message
	}

	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
		return nested.Message
	}
	var flat string
	if json.Unmarshal(payload.Error, &flat) == nil {
		return flat
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

