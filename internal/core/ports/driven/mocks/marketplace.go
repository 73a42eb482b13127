package mocks

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// MockMarketplaceClient simulates the remote marketplace in memory.
// Every mutation bumps the listing revision.
type MockMarketplaceClient struct {
	mu       sync.Mutex
	listings map[string]*domain.RemoteListing
	orders   map[string]*domain.Order
	nextID   int
	revision int

	// Calls counts invocations per method name
	Calls map[string]int

	// ExpectedToken, when set, rejects other access tokens with 401
	ExpectedToken string

	// Custom behavior hooks (optional)
	GetListingFn    func(itemID string) (*domain.RemoteListing, error)
	ListListingsFn  func(pageToken string, pageSize int) (*domain.ListingPage, error)
	UpdateListingFn func(itemID string, changes domain.ListingChanges) (*domain.RemoteListing, error)
	CreateListingFn func(draft domain.ListingDraft) (*domain.RemoteListing, error)
	EndListingFn    func(itemID string) (*domain.RemoteListing, error)
	GetOrderFn      func(orderID string) (*domain.Order, error)
}

// NewMockMarketplaceClient creates a new MockMarketplaceClient
func NewMockMarketplaceClient() *MockMarketplaceClient {
	return &MockMarketplaceClient{
		listings: make(map[string]*domain.RemoteListing),
		orders:   make(map[string]*domain.Order),
		Calls:    make(map[string]int),
	}
}

// PutListing stores a remote listing as-is (test setup).
func (m *MockMarketplaceClient) PutListing(l *domain.RemoteListing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.listings[l.ItemID] = &c
}

// RemoveListing deletes a remote listing (test setup).
func (m *MockMarketplaceClient) RemoveListing(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listings, itemID)
}

// PutOrder stores a remote order (test setup).
func (m *MockMarketplaceClient) PutOrder(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *o
	m.orders[o.ID] = &c
}

// CallCount returns the number of calls to a method.
func (m *MockMarketplaceClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[method]
}

func (m *MockMarketplaceClient) record(method, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[method]++
	if m.ExpectedToken != "" && token != m.ExpectedToken {
		return &domain.UpstreamError{StatusCode: http.StatusUnauthorized, Message: "invalid access token"}
	}
	return nil
}

func (m *MockMarketplaceClient) bump(l *domain.RemoteListing) {
	m.revision++
	l.Revision = "rev-" + strconv.Itoa(m.revision)
	l.UpdatedAt = time.Now().UTC()
}

func (m *MockMarketplaceClient) GetListing(ctx context.Context, accessToken, itemID string) (*domain.RemoteListing, error) {
	if err := m.record("GetListing", accessToken); err != nil {
		return nil, err
	}
	if m.GetListingFn != nil {
		return m.GetListingFn(itemID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[itemID]
	if !ok {
		return nil, &domain.UpstreamError{StatusCode: http.StatusNotFound, Message: "item not found"}
	}
	c := *l
	return &c, nil
}

func (m *MockMarketplaceClient) ListListings(ctx context.Context, accessToken, pageToken string, pageSize int) (*domain.ListingPage, error) {
	if err := m.record("ListListings", accessToken); err != nil {
		return nil, err
	}
	if m.ListListingsFn != nil {
		return m.ListListingsFn(pageToken, pageSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.listings))
	for id := range m.listings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, &domain.UpstreamError{StatusCode: http.StatusBadRequest, Message: "bad page token"}
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	page := &domain.ListingPage{}
	end := offset + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	for _, id := range ids[min(offset, len(ids)):end] {
		page.Listings = append(page.Listings, *m.listings[id])
	}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *MockMarketplaceClient) UpdateListing(ctx context.Context, accessToken, itemID string, changes domain.ListingChanges, idempotencyKey string) (*domain.RemoteListing, error) {
	if err := m.record("UpdateListing", accessToken); err != nil {
		return nil, err
	}
	if m.UpdateListingFn != nil {
		return m.UpdateListingFn(itemID, changes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[itemID]
	if !ok {
		return nil, &domain.UpstreamError{StatusCode: http.StatusNotFound, Message: "item not found"}
	}
	if changes.Title != nil {
		l.Title = *changes.Title
	}
	if changes.Price != nil {
		l.Price = *changes.Price
	}
	if changes.Quantity != nil {
		l.Quantity = *changes.Quantity
	}
	m.bump(l)
	c := *l
	return &c, nil
}

func (m *MockMarketplaceClient) CreateListing(ctx context.Context, accessToken string, draft domain.ListingDraft, idempotencyKey string) (*domain.RemoteListing, error) {
	if err := m.record("CreateListing", accessToken); err != nil {
		return nil, err
	}
	if m.CreateListingFn != nil {
		return m.CreateListingFn(draft)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l := &domain.RemoteListing{
		ItemID:      fmt.Sprintf("item-%d", 1000+m.nextID),
		SKU:         draft.SKU,
		Title:       draft.Title,
		Description: draft.Description,
		CategoryID:  draft.CategoryID,
		Condition:   draft.Condition,
		Price:       draft.Price,
		Currency:    draft.Currency,
		Quantity:    draft.Quantity,
		Status:      domain.ListingStatusActive,
	}
	m.bump(l)
	m.listings[l.ItemID] = l
	c := *l
	return &c, nil
}

func (m *MockMarketplaceClient) EndListing(ctx context.Context, accessToken, itemID, reason, idempotencyKey string) (*domain.RemoteListing, error) {
	if err := m.record("EndListing", accessToken); err != nil {
		return nil, err
	}
	if m.EndListingFn != nil {
		return m.EndListingFn(itemID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[itemID]
	if !ok {
		return nil, &domain.UpstreamError{StatusCode: http.StatusNotFound, Message: "item not found"}
	}
	l.Status = domain.ListingStatusEnded
	m.bump(l)
	c := *l
	return &c, nil
}

func (m *MockMarketplaceClient) GetOrder(ctx context.Context, accessToken, orderID string) (*domain.Order, error) {
	if err := m.record("GetOrder", accessToken); err != nil {
		return nil, err
	}
	if m.GetOrderFn != nil {
		return m.GetOrderFn(orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, &domain.UpstreamError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	c := *o
	return &c, nil
}

// MockCredentialProvider hands out a fixed token and counts refreshes.
type MockCredentialProvider struct {
	mu        sync.Mutex
	Token     string
	Refreshed string
	Refreshes int

	RefreshFn func() (string, error)
}

// NewMockCredentialProvider creates a provider that returns token until refreshed.
func NewMockCredentialProvider(token string) *MockCredentialProvider {
	return &MockCredentialProvider{Token: token, Refreshed: token}
}

func (m *MockCredentialProvider) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Token, nil
}

func (m *MockCredentialProvider) Refresh(ctx context.Context) (string, error) {
	if m.RefreshFn != nil {
		return m.RefreshFn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Refreshes++
	m.Token = m.Refreshed
	return m.Token, nil
}

// MockTokenStore is a mock implementation of TokenStore for testing
type MockTokenStore struct {
	mu    sync.Mutex
	token *domain.MarketplaceToken
}

// NewMockTokenStore creates a new MockTokenStore
func NewMockTokenStore() *MockTokenStore {
	return &MockTokenStore{}
}

func (m *MockTokenStore) Get(ctx context.Context) (*domain.MarketplaceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, domain.ErrNotFound
	}
	c := *m.token
	return &c, nil
}

func (m *MockTokenStore) Save(ctx context.Context, token *domain.MarketplaceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *token
	m.token = &c
	return nil
}
