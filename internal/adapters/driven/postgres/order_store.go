package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.OrderStore = (*OrderStore)(nil)

const orderColumns = `id, listing_id, status, quantity, total, currency, buyer_id, created_at, updated_at, synced_at`

// OrderStore implements driven.OrderStore using PostgreSQL
type OrderStore struct {
	db *DB
}

// NewOrderStore creates a new OrderStore
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db}
}

// Upsert creates or replaces an order
func (s *OrderStore) Upsert(ctx context.Context, order *domain.Order) error {
	syncedAt := order.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			listing_id = EXCLUDED.listing_id,
			status = EXCLUDED.status,
			quantity = EXCLUDED.quantity,
			total = EXCLUDED.total,
			currency = EXCLUDED.currency,
			buyer_id = EXCLUDED.buyer_id,
			updated_at = EXCLUDED.updated_at,
			synced_at = EXCLUDED.synced_at
	`

	_, err := s.db.ExecContext(ctx, query,
		order.ID,
		order.ListingID,
		string(order.Status),
		order.Quantity,
		order.Total,
		currencyOrDefault(order.Currency),
		order.BuyerID,
		order.CreatedAt,
		order.UpdatedAt,
		syncedAt,
	)
	return err
}

// Get retrieves an order by ID
func (s *OrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ListByListing returns the orders placed against a listing
func (s *OrderStore) ListByListing(ctx context.Context, listingID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE listing_id = $1 ORDER BY created_at ASC`
	return s.query(ctx, query, listingID)
}

// ListSince returns orders created at or after since
func (s *OrderStore) ListSince(ctx context.Context, since time.Time) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE created_at >= $1 ORDER BY created_at ASC`
	return s.query(ctx, query, since)
}

func (s *OrderStore) query(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(
		&o.ID,
		&o.ListingID,
		&status,
		&o.Quantity,
		&o.Total,
		&o.Currency,
		&o.BuyerID,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}
