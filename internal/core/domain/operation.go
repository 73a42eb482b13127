package domain

import "time"

// OperationKind is one of the fixed marketplace operations the gateway can execute.
type OperationKind string

const (
	OpFetchListing  OperationKind = "fetch_listing"
	OpListListings  OperationKind = "list_listings"
	OpUpdateListing OperationKind = "update_listing"
	OpCreateListing OperationKind = "create_listing"
	OpEndListing    OperationKind = "end_listing"
	OpFetchOrder    OperationKind = "fetch_order"
)

// Valid reports whether the operation is part of the fixed enumeration.
func (k OperationKind) Valid() bool {
	switch k {
	case OpFetchListing, OpListListings, OpUpdateListing, OpCreateListing, OpEndListing, OpFetchOrder:
		return true
	}
	return false
}

// Mutating reports whether the operation changes remote state.
func (k OperationKind) Mutating() bool {
	switch k {
	case OpUpdateListing, OpCreateListing, OpEndListing:
		return true
	}
	return false
}

// Category returns the quota endpoint category of the operation.
func (k OperationKind) Category() EndpointCategory {
	switch k {
	case OpFetchListing, OpListListings:
		return CategoryListingsRead
	case OpUpdateListing, OpCreateListing, OpEndListing:
		return CategoryListingsWrite
	case OpFetchOrder:
		return CategoryOrders
	}
	return CategoryListingsRead
}

// Operation is a single gateway request.
type Operation struct {
	Kind OperationKind

	// ListingID targets fetch_listing, update_listing and end_listing
	ListingID string

	// OrderID targets fetch_order
	OrderID string

	// Changes is the update_listing payload
	Changes ListingChanges

	// Draft is the create_listing payload
	Draft *ListingDraft

	// Reason is the end_listing reason
	Reason string

	// PageToken and PageSize drive list_listings
	PageToken string
	PageSize  int

	// Fingerprint identifies a mutating operation in the idempotency ledger
	Fingerprint string
}

// Target returns the remote key the operation acts on.
func (o Operation) Target() string {
	switch o.Kind {
	case OpFetchOrder:
		return o.OrderID
	case OpCreateListing:
		if o.Draft != nil {
			return o.Draft.SKU
		}
		return ""
	case OpListListings:
		return ScopeAll
	default:
		return o.ListingID
	}
}

// Validate checks the operation has the fields its kind requires.
func (o Operation) Validate() error {
	if !o.Kind.Valid() {
		return Invalid("operation", "unknown operation %q", o.Kind)
	}
	switch o.Kind {
	case OpFetchListing, OpEndListing:
		if o.ListingID == "" {
			return Invalid("listing_id", "is required")
		}
	case OpUpdateListing:
		if o.ListingID == "" {
			return Invalid("listing_id", "is required")
		}
		if err := o.Changes.Validate(); err != nil {
			return err
		}
	case OpCreateListing:
		if o.Draft == nil {
			return Invalid("draft", "is required")
		}
		if err := o.Draft.Validate(); err != nil {
			return err
		}
	case OpFetchOrder:
		if o.OrderID == "" {
			return Invalid("order_id", "is required")
		}
	}
	if o.Kind.Mutating() && o.Fingerprint == "" {
		return Invalid("fingerprint", "is required for %s", o.Kind)
	}
	return nil
}

// RemoteResult is the outcome of a gateway operation.
type RemoteResult struct {
	Listing *RemoteListing `json:"listing,omitempty"`
	Page    *ListingPage   `json:"page,omitempty"`
	Order   *Order         `json:"order,omitempty"`

	// Replayed is set when the result came from the idempotency ledger
	Replayed bool `json:"-"`
}

// EndpointCategory groups marketplace endpoints that share a quota window.
type EndpointCategory string

const (
	CategoryListingsRead  EndpointCategory = "listings_read"
	CategoryListingsWrite EndpointCategory = "listings_write"
	CategoryOrders        EndpointCategory = "orders"
)

// QuotaPolicy is the configured budget for an endpoint category.
type QuotaPolicy struct {
	Category EndpointCategory `json:"category" yaml:"category"`
	Limit    int              `json:"limit" yaml:"limit"`
	Window   time.Duration    `json:"window" yaml:"window"`
}

// QuotaWindow is the current state of a category budget.
// Remaining never goes negative.
type QuotaWindow struct {
	Category  EndpointCategory `json:"category"`
	Limit     int              `json:"limit"`
	Remaining int              `json:"remaining"`
	ResetAt   time.Time        `json:"reset_at"`
}

// DefaultQuotaPolicies returns hourly budgets per category.
func DefaultQuotaPolicies() []QuotaPolicy {
	return []QuotaPolicy{
		{Category: CategoryListingsRead, Limit: 5000, Window: time.Hour},
		{Category: CategoryListingsWrite, Limit: 1000, Window: time.Hour},
		{Category: CategoryOrders, Limit: 2000, Window: time.Hour},
	}
}
