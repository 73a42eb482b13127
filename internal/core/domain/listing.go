package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingStatusDraft  ListingStatus = "draft"
	ListingStatusActive ListingStatus = "active"
	ListingStatusEnded  ListingStatus = "ended"
	ListingStatusError  ListingStatus = "error"
)

// Valid reports whether the status is known.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingStatusDraft, ListingStatusActive, ListingStatusEnded, ListingStatusError:
		return true
	}
	return false
}

// ItemCondition is the marketplace item condition.
type ItemCondition string

const (
	ConditionNew        ItemCondition = "new"
	ConditionLikeNew    ItemCondition = "like_new"
	ConditionVeryGood   ItemCondition = "very_good"
	ConditionGood       ItemCondition = "good"
	ConditionAcceptable ItemCondition = "acceptable"
	ConditionForParts   ItemCondition = "for_parts"
)

// Valid reports whether the condition is known.
func (c ItemCondition) Valid() bool {
	switch c {
	case ConditionNew, ConditionLikeNew, ConditionVeryGood, ConditionGood, ConditionAcceptable, ConditionForParts:
		return true
	}
	return false
}

const (
	// MaxTitleLength is the marketplace title limit.
	MaxTitleLength = 80

	// DefaultCurrency is used when a draft omits a currency.
	DefaultCurrency = "USD"
)

// Listing field names used in diffs and conflict cases.
const (
	FieldTitle    = "title"
	FieldPrice    = "price"
	FieldQuantity = "quantity"
	FieldStatus   = "status"
)

// pushableFields can be written back to the marketplace with update_listing.
var pushableFields = map[string]bool{
	FieldTitle:    true,
	FieldPrice:    true,
	FieldQuantity: true,
}

// IsPushable reports whether a field can be re-pushed to the marketplace.
func IsPushable(field string) bool {
	return pushableFields[field]
}

// WriteOrigin tells the mirror store where a write came from.
type WriteOrigin string

const (
	// OriginRemote is a write of state read from the marketplace; it confirms
	// everything local up to the new version.
	OriginRemote WriteOrigin = "remote"
	// OriginLocal is an optimistic local mutation not yet confirmed remotely.
	OriginLocal WriteOrigin = "local"
	// OriginMerge applies remote-only fields while local fields stay pending.
	OriginMerge WriteOrigin = "merge"
)

// Listing is the mirrored state of one marketplace listing.
type Listing struct {
	// ID is the marketplace item id. Immutable once assigned.
	ID string `json:"id"`

	SKU         string          `json:"sku,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	CategoryID  string          `json:"category_id,omitempty"`
	Condition   ItemCondition   `json:"condition,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Quantity    int             `json:"quantity"`
	Status      ListingStatus   `json:"status"`

	Views        int `json:"views"`
	Watchers     int `json:"watchers"`
	SoldQuantity int `json:"sold_quantity"`

	// LocalVersion increments on every successful write. Never decremented.
	LocalVersion int64 `json:"local_version"`

	// RemoteVersion is the last observed marketplace revision token.
	RemoteVersion string `json:"remote_version"`

	// SyncedVersion is the LocalVersion written by the last remote-sourced upsert.
	// LocalVersion > SyncedVersion means a local mutation has not been confirmed remotely.
	SyncedVersion int64 `json:"synced_version"`

	// Base is the remote state as of the last sync, used for three-way comparison.
	Base *ListingSnapshot `json:"base,omitempty"`

	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	LocalModifiedAt *time.Time `json:"local_modified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasPendingMutation reports whether a local write is newer than the last sync.
func (l *Listing) HasPendingMutation() bool {
	return l.LocalVersion > l.SyncedVersion
}

// Snapshot captures the comparable fields of the listing.
func (l *Listing) Snapshot() ListingSnapshot {
	return ListingSnapshot{
		ListingID:     l.ID,
		Title:         l.Title,
		Price:         l.Price,
		Quantity:      l.Quantity,
		Status:        l.Status,
		RemoteVersion: l.RemoteVersion,
		LocalVersion:  l.LocalVersion,
		SyncedVersion: l.SyncedVersion,
		Base:          l.Base,
	}
}

// Clone returns a deep copy suitable for mutation before an upsert.
func (l *Listing) Clone() *Listing {
	c := *l
	if l.Base != nil {
		b := *l.Base
		c.Base = &b
	}
	if l.LastSyncedAt != nil {
		t := *l.LastSyncedAt
		c.LastSyncedAt = &t
	}
	if l.LocalModifiedAt != nil {
		t := *l.LocalModifiedAt
		c.LocalModifiedAt = &t
	}
	return &c
}

// ApplyRemote overwrites marketplace-owned fields from a remote read.
func (l *Listing) ApplyRemote(r *RemoteListing) {
	l.ID = r.ItemID
	if r.SKU != "" {
		l.SKU = r.SKU
	}
	l.Title = r.Title
	if r.Description != "" {
		l.Description = r.Description
	}
	if r.CategoryID != "" {
		l.CategoryID = r.CategoryID
	}
	if r.Condition != "" {
		l.Condition = r.Condition
	}
	l.Price = r.Price
	if r.Currency != "" {
		l.Currency = r.Currency
	}
	l.Quantity = r.Quantity
	l.Status = r.Status
	l.Views = r.Views
	l.Watchers = r.Watchers
	l.SoldQuantity = r.SoldQuantity
	l.RemoteVersion = r.Revision
	snap := r.Snapshot()
	l.Base = &snap
}

// ApplyChanges applies a local mutation to the listing fields.
func (l *Listing) ApplyChanges(c ListingChanges) {
	if c.Title != nil {
		l.Title = *c.Title
	}
	if c.Price != nil {
		l.Price = *c.Price
	}
	if c.Quantity != nil {
		l.Quantity = *c.Quantity
	}
}

// ListingSnapshot is an immutable view of the comparable listing fields.
type ListingSnapshot struct {
	ListingID     string          `json:"listing_id"`
	Title         string          `json:"title"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int             `json:"quantity"`
	Status        ListingStatus   `json:"status"`
	RemoteVersion string          `json:"remote_version"`
	LocalVersion  int64           `json:"local_version,omitempty"`
	SyncedVersion int64           `json:"synced_version,omitempty"`
	ObservedAt    time.Time       `json:"observed_at,omitempty"`

	// Base is the last synced remote state, set on local snapshots only.
	Base *ListingSnapshot `json:"base,omitempty"`
}

// HasPendingMutation reports whether the snapshot carries an unsynced local write.
func (s ListingSnapshot) HasPendingMutation() bool {
	return s.LocalVersion > s.SyncedVersion
}

// FieldsEqual compares a single field between two snapshots.
func (s ListingSnapshot) FieldsEqual(o ListingSnapshot, field string) bool {
	switch field {
	case FieldTitle:
		return s.Title == o.Title
	case FieldPrice:
		return s.Price.Equal(o.Price)
	case FieldQuantity:
		return s.Quantity == o.Quantity
	case FieldStatus:
		return s.Status == o.Status
	}
	return true
}

// ComparedFields lists the fields used in conflict detection, in stable order.
var ComparedFields = []string{FieldPrice, FieldQuantity, FieldStatus, FieldTitle}

// DiffFields returns the compared fields that differ between s and o.
func (s ListingSnapshot) DiffFields(o ListingSnapshot) []string {
	var out []string
	for _, f := range ComparedFields {
		if !s.FieldsEqual(o, f) {
			out = append(out, f)
		}
	}
	return out
}

// ListingChanges is a partial update to pushable fields.
type ListingChanges struct {
	Title    *string          `json:"title,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity *int             `json:"quantity,omitempty"`
}

// IsEmpty reports whether no field is set.
func (c ListingChanges) IsEmpty() bool {
	return c.Title == nil && c.Price == nil && c.Quantity == nil
}

// Validate checks field-level constraints.
func (c ListingChanges) Validate() error {
	if c.IsEmpty() {
		return Invalid("changes", "at least one of title, price or quantity is required")
	}
	if c.Title != nil {
		if err := ValidateTitle(*c.Title); err != nil {
			return err
		}
	}
	if c.Price != nil {
		if err := ValidatePrice(*c.Price); err != nil {
			return err
		}
	}
	if c.Quantity != nil {
		if err := ValidateQuantity(*c.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// ChangesFromSnapshot builds the changes that push the given fields of s.
func ChangesFromSnapshot(s ListingSnapshot, fields []string) ListingChanges {
	var c ListingChanges
	for _, f := range fields {
		switch f {
		case FieldTitle:
			t := s.Title
			c.Title = &t
		case FieldPrice:
			p := s.Price
			c.Price = &p
		case FieldQuantity:
			q := s.Quantity
			c.Quantity = &q
		}
	}
	return c
}

// ValidateTitle enforces the marketplace title limits.
func ValidateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return Invalid(FieldTitle, "must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return Invalid(FieldTitle, "must be at most %d characters", MaxTitleLength)
	}
	return nil
}

// ValidatePrice requires a positive amount with at most two decimal places.
func ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return Invalid(FieldPrice, "must be greater than 0")
	}
	if !price.Equal(price.Round(2)) {
		return Invalid(FieldPrice, "must have at most 2 decimal places")
	}
	return nil
}

// ValidateQuantity requires a non-negative quantity.
func ValidateQuantity(qty int) error {
	if qty < 0 {
		return Invalid(FieldQuantity, "must be >= 0")
	}
	return nil
}

// ListingDraft is the input for creating a new marketplace listing.
type ListingDraft struct {
	SKU         string          `json:"sku"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	CategoryID  string          `json:"category_id"`
	Condition   ItemCondition   `json:"condition"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Quantity    int             `json:"quantity"`
}

// Validate checks the draft.
func (d ListingDraft) Validate() error {
	if strings.TrimSpace(d.SKU) == "" {
		return Invalid("sku", "is required")
	}
	if err := ValidateTitle(d.Title); err != nil {
		return err
	}
	if strings.TrimSpace(d.Description) == "" {
		return Invalid("description", "is required")
	}
	if strings.TrimSpace(d.CategoryID) == "" {
		return Invalid("category_id", "is required")
	}
	if !d.Condition.Valid() {
		return Invalid("condition", "unknown condition %q", d.Condition)
	}
	if err := ValidatePrice(d.Price); err != nil {
		return err
	}
	if len(d.Currency) != 3 {
		return Invalid("currency", "must be a 3-letter ISO code")
	}
	return ValidateQuantity(d.Quantity)
}

// RemoteListing is a listing as returned by the marketplace.
type RemoteListing struct {
	ItemID       string          `json:"item_id"`
	SKU          string          `json:"sku,omitempty"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	CategoryID   string          `json:"category_id,omitempty"`
	Condition    ItemCondition   `json:"condition,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency,omitempty"`
	Quantity     int             `json:"quantity"`
	Status       ListingStatus   `json:"status"`
	Views        int             `json:"views"`
	Watchers     int             `json:"watchers"`
	SoldQuantity int             `json:"sold_quantity"`
	Revision     string          `json:"revision"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot captures the comparable remote fields.
func (r *RemoteListing) Snapshot() ListingSnapshot {
	return ListingSnapshot{
		ListingID:     r.ItemID,
		Title:         r.Title,
		Price:         r.Price,
		Quantity:      r.Quantity,
		Status:        r.Status,
		RemoteVersion: r.Revision,
		ObservedAt:    r.UpdatedAt,
	}
}

// ListingPage is one page of a remote listing scan.
type ListingPage struct {
	Listings      []RemoteListing `json:"listings"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// ListingFilter restricts mirror queries.
type ListingFilter struct {
	Query      string
	Status     ListingStatus
	CategoryID string
	MinPrice   *decimal.Decimal
	MaxPrice   *decimal.Decimal
	Pending    bool
	Limit      int
	Offset     int
}
