package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOperationKind_Category(t *testing.T) {
	tests := []struct {
		kind     OperationKind
		category EndpointCategory
		mutating bool
	}{
		{OpFetchListing, CategoryListingsRead, false},
		{OpListListings, CategoryListingsRead, false},
		{OpUpdateListing, CategoryListingsWrite, true},
		{OpCreateListing, CategoryListingsWrite, true},
		{OpEndListing, CategoryListingsWrite, true},
		{OpFetchOrder, CategoryOrders, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Category(); got != tt.category {
				t.Errorf("Category() = %s, want %s", got, tt.category)
			}
			if got := tt.kind.Mutating(); got != tt.mutating {
				t.Errorf("Mutating() = %t, want %t", got, tt.mutating)
			}
		})
	}
}

func TestOperation_Validate(t *testing.T) {
	price := decimal.RequireFromString("15.00")

	tests := []struct {
		name  string
		op    Operation
		valid bool
	}{
		{"unknown kind", Operation{Kind: "delete_everything"}, false},
		{"fetch ok", Operation{Kind: OpFetchListing, ListingID: "item-1"}, true},
		{"fetch missing id", Operation{Kind: OpFetchListing}, false},
		{"list ok", Operation{Kind: OpListListings}, true},
		{"update ok", Operation{Kind: OpUpdateListing, ListingID: "item-1", Changes: ListingChanges{Price: &price}, Fingerprint: "fp"}, true},
		{"update no fingerprint", Operation{Kind: OpUpdateListing, ListingID: "item-1", Changes: ListingChanges{Price: &price}}, false},
		{"update no changes", Operation{Kind: OpUpdateListing, ListingID: "item-1", Fingerprint: "fp"}, false},
		{"create no draft", Operation{Kind: OpCreateListing, Fingerprint: "fp"}, false},
		{"order missing id", Operation{Kind: OpFetchOrder}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestOperation_Target(t *testing.T) {
	if got := (Operation{Kind: OpFetchOrder, OrderID: "o-1"}).Target(); got != "o-1" {
		t.Errorf("expected order target, got %q", got)
	}
	if got := (Operation{Kind: OpCreateListing, Draft: &ListingDraft{SKU: "SKU-1"}}).Target(); got != "SKU-1" {
		t.Errorf("expected sku target, got %q", got)
	}
	if got := (Operation{Kind: OpEndListing, ListingID: "item-1"}).Target(); got != "item-1" {
		t.Errorf("expected listing target, got %q", got)
	}
}
