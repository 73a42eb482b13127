package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

var orderColumnNames = []string{
	"id", "listing_id", "status", "quantity", "total", "currency", "buyer_id", "created_at", "updated_at", "synced_at",
}

func TestOrderStore_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewOrderStore(db)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	order := &domain.Order{
		ID:        "order-1",
		ListingID: "item-1",
		Status:    domain.OrderStatusPaid,
		Quantity:  2,
		Total:     decimal.RequireFromString("39.98"),
		CreatedAt: ts,
		UpdatedAt: ts,
		SyncedAt:  ts,
	}

	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs("order-1", "item-1", "paid", 2, order.Total, "USD", "", ts, ts, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Upsert(context.Background(), order))
}

func TestOrderStore_Get(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewOrderStore(db)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM orders WHERE id = \$1`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(orderColumnNames).
			AddRow("order-1", "item-1", "shipped", int64(1), "19.99", "USD", "buyer-9", ts, ts, ts))

	order, err := store.Get(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, order.Status)
	assert.Equal(t, 1, order.Quantity)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("19.99")))
	assert.Equal(t, "buyer-9", order.BuyerID)
	assert.True(t, order.Counts())
}

func TestOrderStore_Get_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewOrderStore(db)

	mock.ExpectQuery(`SELECT (.+) FROM orders WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(orderColumnNames))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderStore_ListByListing(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewOrderStore(db)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM orders WHERE listing_id = \$1 ORDER BY created_at ASC`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows(orderColumnNames).
			AddRow("order-1", "item-1", "paid", int64(1), "10.00", "USD", "", ts, ts, ts).
			AddRow("order-2", "item-1", "cancelled", int64(1), "10.00", "USD", "", ts.Add(time.Hour), ts, ts))

	orders, err := store.ListByListing(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.True(t, orders[0].Counts())
	assert.False(t, orders[1].Counts())
}

func TestOrderStore_ListSince(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewOrderStore(db)
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM orders WHERE created_at >= \$1`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows(orderColumnNames))

	orders, err := store.ListSince(context.Background(), since)
	require.NoError(t, err)
	assert.Empty(t, orders)
}
