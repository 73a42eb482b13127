package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.MirrorStore = (*ListingStore)(nil)

const listingColumns = `id, sku, title, description, category_id, condition, price, currency, quantity, status,
	views, watchers, sold_quantity, local_version, remote_version, synced_version, base,
	last_synced_at, local_modified_at, created_at, updated_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListingStore implements driven.MirrorStore using PostgreSQL.
// Writes are compare-and-swap on local_version; no row locks are taken.
type ListingStore struct {
	db  *DB
	now func() time.Time
}

// NewListingStore creates a new ListingStore
func NewListingStore(db *DB) *ListingStore {
	return &ListingStore{db: db, now: time.Now}
}

// Get retrieves a listing by ID
func (s *ListingStore) Get(ctx context.Context, id string) (*domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`

	listing, err := scanListing(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Upsert writes the listing when the stored local_version equals expected.
// A first write (expected 0) inserts; later writes update in place.
func (s *ListingStore) Upsert(ctx context.Context, listing *domain.Listing, expected int64, origin domain.WriteOrigin) (*domain.Listing, error) {
	if listing.ID == "" {
		return nil, domain.Invalid("id", "is required")
	}

	base, err := marshalBase(listing.Base)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next := expected + 1

	var lastSyncedAt, localModifiedAt sql.NullTime
	lastSyncedAt = NullTime(listing.LastSyncedAt)
	localModifiedAt = NullTime(listing.LocalModifiedAt)
	switch origin {
	case domain.OriginRemote, domain.OriginMerge:
		lastSyncedAt = sql.NullTime{Time: now, Valid: true}
	default:
		localModifiedAt = sql.NullTime{Time: now, Valid: true}
	}

	args := []any{
		listing.ID,
		listing.SKU,
		listing.Title,
		listing.Description,
		listing.CategoryID,
		string(listing.Condition),
		listing.Price,
		currencyOrDefault(listing.Currency),
		listing.Quantity,
		string(listing.Status),
		listing.Views,
		listing.Watchers,
		listing.SoldQuantity,
		next,
		listing.RemoteVersion,
		base,
		lastSyncedAt,
		localModifiedAt,
		now,
		origin == domain.OriginRemote,
	}

	var query string
	if expected == 0 {
		query = `
			INSERT INTO listings (id, sku, title, description, category_id, condition, price, currency, quantity,
				status, views, watchers, sold_quantity, local_version, remote_version, base,
				last_synced_at, local_modified_at, created_at, updated_at, synced_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19,
				CASE WHEN $20 THEN $14 ELSE 0 END)
			ON CONFLICT (id) DO NOTHING
			RETURNING ` + listingColumns
	} else {
		query = `
			UPDATE listings SET
				sku = $2, title = $3, description = $4, category_id = $5, condition = $6, price = $7,
				currency = $8, quantity = $9, status = $10, views = $11, watchers = $12, sold_quantity = $13,
				local_version = $14, remote_version = $15, base = $16,
				last_synced_at = $17, local_modified_at = $18, updated_at = $19,
				synced_version = CASE WHEN $20 THEN $14 ELSE synced_version END
			WHERE id = $1 AND local_version = $21
			RETURNING ` + listingColumns
		args = append(args, expected)
	}

	stored, err := scanListing(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("listing %s expected version %d: %w", listing.ID, expected, domain.ErrVersionConflict)
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// List retrieves listings matching the filter, ordered by id
func (s *ListingStore) List(ctx context.Context, filter domain.ListingFilter) ([]*domain.Listing, error) {
	where, args := listingWhere(filter)
	query := `SELECT ` + listingColumns + ` FROM listings` + where + ` ORDER BY id ASC`

	if filter.Limit > 0 || filter.Offset > 0 {
		args = append(args, clampLimit(filter.Limit, defaultListLimit, maxListLimit), max(filter.Offset, 0))
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanListings(rows)
}

// Count returns the number of listings matching the filter, ignoring paging
func (s *ListingStore) Count(ctx context.Context, filter domain.ListingFilter) (int, error) {
	where, args := listingWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`+where, args...).Scan(&count)
	return count, err
}

// TrackSeen records listing ids observed remotely during a run
func (s *ListingStore) TrackSeen(ctx context.Context, runID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		INSERT INTO reconcile_seen (run_id, listing_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, runID, pq.Array(ids))
	return err
}

// ListAbsent returns listings not ended that were not seen during the run
// and were last synced before it started
func (s *ListingStore) ListAbsent(ctx context.Context, runID string, runStart time.Time) ([]*domain.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings l
		WHERE l.status <> $2
		  AND COALESCE(l.last_synced_at, l.created_at) < $3
		  AND NOT EXISTS (
			SELECT 1 FROM reconcile_seen r WHERE r.run_id = $1 AND r.listing_id = l.id
		  )
		ORDER BY l.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID, string(domain.ListingStatusEnded), runStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanListings(rows)
}

// ClearSeen removes the run's observation set
func (s *ListingStore) ClearSeen(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reconcile_seen WHERE run_id = $1`, runID)
	return err
}

// listingWhere builds the WHERE clause shared by List and Count.
func listingWhere(filter domain.ListingFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q := strings.TrimSpace(filter.Query); q != "" {
		like := arg("%" + escapeLike(q) + "%")
		exact := arg(q)
		conds = append(conds, fmt.Sprintf("(title ILIKE %s OR description ILIKE %s OR LOWER(sku) = LOWER(%s))", like, like, exact))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(string(filter.Status)))
	}
	if filter.CategoryID != "" {
		conds = append(conds, "category_id = "+arg(filter.CategoryID))
	}
	if filter.MinPrice != nil {
		conds = append(conds, "price >= "+arg(*filter.MinPrice))
	}
	if filter.MaxPrice != nil {
		conds = append(conds, "price <= "+arg(*filter.MaxPrice))
	}
	if filter.Pending {
		conds = append(conds, "local_version > synced_version")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func currencyOrDefault(c string) string {
	if c == "" {
		return domain.DefaultCurrency
	}
	return c
}

func marshalBase(base *domain.ListingSnapshot) ([]byte, error) {
	if base == nil {
		return nil, nil
	}
	data, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal base snapshot: %w", err)
	}
	return data, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*domain.Listing, error) {
	var l domain.Listing
	var condition, status string
	var base []byte
	var lastSyncedAt, localModifiedAt sql.NullTime

	err := row.Scan(
		&l.ID,
		&l.SKU,
		&l.Title,
		&l.Description,
		&l.CategoryID,
		&condition,
		&l.Price,
		&l.Currency,
		&l.Quantity,
		&status,
		&l.Views,
		&l.Watchers,
		&l.SoldQuantity,
		&l.LocalVersion,
		&l.RemoteVersion,
		&l.SyncedVersion,
		&base,
		&lastSyncedAt,
		&localModifiedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Condition = domain.ItemCondition(condition)
	l.Status = domain.ListingStatus(status)
	l.LastSyncedAt = TimePtr(lastSyncedAt)
	l.LocalModifiedAt = TimePtr(localModifiedAt)
	if len(base) > 0 {
		var snap domain.ListingSnapshot
		if err := json.Unmarshal(base, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal base snapshot: %w", err)
		}
		l.Base = &snap
	}
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]*domain.Listing, error) {
	var listings []*domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return listings, nil
}
