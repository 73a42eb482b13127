package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestListing_HasPendingMutation(t *testing.T) {
	l := &Listing{LocalVersion: 3, SyncedVersion: 3}
	if l.HasPendingMutation() {
		t.Error("synced listing should not be pending")
	}
	l.LocalVersion = 4
	if !l.HasPendingMutation() {
		t.Error("local write after sync should be pending")
	}
}

func TestListing_ApplyRemote(t *testing.T) {
	l := &Listing{ID: "item-1", Title: "Old", Price: decimal.RequireFromString("10.00"), Description: "keep"}
	l.ApplyRemote(&RemoteListing{
		ItemID:   "item-1",
		Title:    "New",
		Price:    decimal.RequireFromString("12.00"),
		Quantity: 2,
		Status:   ListingStatusActive,
		Revision: "r2",
	})

	if l.Title != "New" || !l.Price.Equal(decimal.RequireFromString("12")) || l.Quantity != 2 {
		t.Errorf("remote fields not applied: %+v", l)
	}
	if l.Description != "keep" {
		t.Error("empty remote description must not clear the mirror")
	}
	if l.RemoteVersion != "r2" || l.Base == nil || l.Base.RemoteVersion != "r2" {
		t.Errorf("expected base snapshot at r2, got %+v", l.Base)
	}
}

func TestListing_CloneIsDeep(t *testing.T) {
	l := &Listing{ID: "item-1", Base: &ListingSnapshot{Title: "a"}}
	c := l.Clone()
	c.Base.Title = "b"
	if l.Base.Title != "a" {
		t.Error("clone shares base snapshot")
	}
}

func TestListingSnapshot_DiffFields(t *testing.T) {
	a := ListingSnapshot{Title: "t", Price: decimal.RequireFromString("10.0"), Quantity: 1, Status: ListingStatusActive}
	b := a
	b.Price = decimal.RequireFromString("10.00")
	if diff := a.DiffFields(b); len(diff) != 0 {
		t.Errorf("numerically equal prices should not differ, got %v", diff)
	}

	b.Quantity = 2
	b.Status = ListingStatusEnded
	diff := a.DiffFields(b)
	if len(diff) != 2 || diff[0] != FieldQuantity || diff[1] != FieldStatus {
		t.Errorf("unexpected diff %v", diff)
	}
}

func TestListingChanges_Validate(t *testing.T) {
	price := func(s string) *decimal.Decimal { d := decimal.RequireFromString(s); return &d }
	qty := func(q int) *int { return &q }
	title := func(s string) *string { return &s }

	tests := []struct {
		name    string
		changes ListingChanges
		valid   bool
	}{
		{"empty", ListingChanges{}, false},
		{"price ok", ListingChanges{Price: price("15.00")}, true},
		{"price zero", ListingChanges{Price: price("0")}, false},
		{"price negative", ListingChanges{Price: price("-1")}, false},
		{"price three decimals", ListingChanges{Price: price("1.005")}, false},
		{"quantity zero", ListingChanges{Quantity: qty(0)}, true},
		{"quantity negative", ListingChanges{Quantity: qty(-1)}, false},
		{"title blank", ListingChanges{Title: title("  ")}, false},
		{"title too long", ListingChanges{Title: title(strings.Repeat("x", 81))}, false},
		{"title max", ListingChanges{Title: title(strings.Repeat("x", 80))}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.changes.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
			}
		})
	}
}

func TestListingDraft_Validate(t *testing.T) {
	draft := ListingDraft{
		SKU:         "SKU-1",
		Title:       "Vintage camera",
		Description: "Works",
		CategoryID:  "625",
		Condition:   ConditionGood,
		Price:       decimal.RequireFromString("99.99"),
		Currency:    "USD",
		Quantity:    1,
	}
	if err := draft.Validate(); err != nil {
		t.Fatalf("expected valid draft, got %v", err)
	}

	bad := draft
	bad.Condition = "mint"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected invalid condition error, got %v", err)
	}

	bad = draft
	bad.SKU = ""
	if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected missing sku error, got %v", err)
	}
}

func TestChangesFromSnapshot(t *testing.T) {
	s := ListingSnapshot{Title: "t", Price: decimal.RequireFromString("15"), Quantity: 3}
	c := ChangesFromSnapshot(s, []string{FieldPrice, FieldStatus})
	if c.Price == nil || !c.Price.Equal(s.Price) {
		t.Error("expected price change")
	}
	if c.Title != nil || c.Quantity != nil {
		t.Error("only requested pushable fields should be set")
	}
}
