package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// Tool argument payloads. Unknown fields are rejected when decoding.

type listingIDArgs struct {
	ID string `json:"id"`
}

type searchListingsArgs struct {
	Query      string               `json:"query"`
	Status     domain.ListingStatus `json:"status"`
	CategoryID string               `json:"category_id"`
	MinPrice   *decimal.Decimal     `json:"min_price"`
	MaxPrice   *decimal.Decimal     `json:"max_price"`
	Pending    bool                 `json:"pending_sync"`
	Limit      int                  `json:"limit"`
	Offset     int                  `json:"offset"`
}

type updatePriceArgs struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	RequestID string          `json:"request_id"`
}

type updateQuantityArgs struct {
	ID        string `json:"id"`
	Quantity  *int   `json:"quantity"`
	RequestID string `json:"request_id"`
}

type updateListingArgs struct {
	ID        string           `json:"id"`
	Title     *string          `json:"title"`
	Price     *decimal.Decimal `json:"price"`
	Quantity  *int             `json:"quantity"`
	RequestID string           `json:"request_id"`
}

type createListingArgs struct {
	domain.ListingDraft
	RequestID string `json:"request_id"`
}

type endListingArgs struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
}

type bulkData struct {
	Title    *string          `json:"title"`
	Price    *decimal.Decimal `json:"price"`
	Quantity *int             `json:"quantity"`
	Reason   string           `json:"reason"`
}

type bulkOperationsArgs struct {
	Operation  domain.BulkOperation `json:"operation"`
	ListingIDs []string             `json:"listing_ids"`
	Data       bulkData             `json:"data"`
	RequestID  string               `json:"request_id"`
}

type generateReportArgs struct {
	ReportType domain.ReportType `json:"report_type"`
	StartDate  *time.Time        `json:"start_date"`
	EndDate    *time.Time        `json:"end_date"`
}

type jobStatusArgs struct {
	JobID string `json:"job_id"`
}

// decodeArgs strictly decodes a tool argument object.
func decodeArgs(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("arguments", "%s", describeDecodeError(err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return domain.Invalid("arguments", "must be a single JSON object")
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Field + " has the wrong type"
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "malformed JSON"
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		return "unknown argument " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	return "malformed arguments"
}

// changesPayload normalizes listing changes for fingerprinting.
func changesPayload(c domain.ListingChanges) map[string]any {
	payload := make(map[string]any)
	if c.Title != nil {
		payload[domain.FieldTitle] = *c.Title
	}
	if c.Price != nil {
		payload[domain.FieldPrice] = c.Price.StringFixed(2)
	}
	if c.Quantity != nil {
		payload[domain.FieldQuantity] = *c.Quantity
	}
	return payload
}

// normalizeChanges trims text fields before validation and fingerprinting.
func normalizeChanges(c domain.ListingChanges) domain.ListingChanges {
	if c.Title != nil {
		t := strings.TrimSpace(*c.Title)
		c.Title = &t
	}
	return c
}

// toolSpec binds a tool descriptor to its handler.
type toolSpec struct {
	descriptor domain.ToolDescriptor
	handle     func(ctx context.Context, inv *invocation) (any, error)
}

// registry builds the closed tool set.
func (d *Dispatcher) registry() map[domain.ToolName]toolSpec {
	specs := []toolSpec{
		{
			descriptor: descriptor(domain.ToolGetListing, false,
				"Get a mirrored listing by id. Falls back to the marketplace when the listing is not mirrored yet.",
				object([]string{"id"}, map[string]any{"id": str("Marketplace item id")})),
			handle: d.getListing,
		},
		{
			descriptor: descriptor(domain.ToolSearchListings, false,
				"Search mirrored listings. Reads the local mirror only; results may lag the marketplace by up to one reconciliation interval.",
				object(nil, map[string]any{
					"query":        str("Matches title, description or SKU"),
					"status":       enum("Listing status", "draft", "active", "ended", "error"),
					"category_id":  str("Marketplace category id"),
					"min_price":    num("Minimum price"),
					"max_price":    num("Maximum price"),
					"pending_sync": boolean("Only listings with unconfirmed local changes"),
					"limit":        integer("Page size (default 20, max 100)"),
					"offset":       integer("Results to skip"),
				})),
			handle: d.searchListings,
		},
		{
			descriptor: descriptor(domain.ToolGetOrderStatus, false,
				"Get the current status of a marketplace order.",
				object([]string{"id"}, map[string]any{"id": str("Marketplace order id")})),
			handle: d.getOrderStatus,
		},
		{
			descriptor: descriptor(domain.ToolUpdatePrice, true,
				"Change the price of a listing.",
				object([]string{"id", "price"}, map[string]any{
					"id":         str("Marketplace item id"),
					"price":      num("New price, greater than 0 with at most 2 decimals"),
					"request_id": str("Distinguishes an intentional repeat of an identical change"),
				})),
			handle: d.updatePrice,
		},
		{
			descriptor: descriptor(domain.ToolUpdateQuantity, true,
				"Change the available quantity of a listing.",
				object([]string{"id", "quantity"}, map[string]any{
					"id":         str("Marketplace item id"),
					"quantity":   integer("New quantity, 0 or more"),
					"request_id": str("Distinguishes an intentional repeat of an identical change"),
				})),
			handle: d.updateQuantity,
		},
		{
			descriptor: descriptor(domain.ToolUpdateListing, true,
				"Change the title, price or quantity of a listing.",
				object([]string{"id"}, map[string]any{
					"id":         str("Marketplace item id"),
					"title":      str("New title, 1 to 80 characters"),
					"price":      num("New price"),
					"quantity":   integer("New quantity"),
					"request_id": str("Distinguishes an intentional repeat of an identical change"),
				})),
			handle: d.updateListing,
		},
		{
			descriptor: descriptor(domain.ToolCreateListing, true,
				"Create a marketplace listing. Repeating the call with the same SKU and fields never creates a second listing.",
				object([]string{"sku", "title", "description", "category_id", "condition", "price", "quantity"}, map[string]any{
					"sku":         str("Seller SKU"),
					"title":       str("Title, 1 to 80 characters"),
					"description": str("Item description"),
					"category_id": str("Marketplace category id"),
					"condition":   enum("Item condition", "new", "like_new", "very_good", "good", "acceptable", "for_parts"),
					"price":       num("Price"),
					"currency":    str("ISO currency code (default USD)"),
					"quantity":    integer("Available quantity"),
					"request_id":  str("Distinguishes an intentional repeat of an identical listing"),
				})),
			handle: d.createListing,
		},
		{
			descriptor: descriptor(domain.ToolEndListing, true,
				"End a marketplace listing.",
				object([]string{"id"}, map[string]any{
					"id":         str("Marketplace item id"),
					"reason":     str("Reason reported to the marketplace"),
					"request_id": str("Distinguishes an intentional repeat"),
				})),
			handle: d.endListing,
		},
		{
			descriptor: descriptor(domain.ToolBulkOperations, true,
				"Apply update, end or refresh to up to 50 listings. Each item succeeds or fails on its own.",
				object([]string{"operation", "listing_ids"}, map[string]any{
					"operation":   enum("Operation", "update", "end", "refresh"),
					"listing_ids": map[string]any{"type": "array", "items": str("Marketplace item id"), "maxItems": domain.MaxBulkItems},
					"data": object(nil, map[string]any{
						"title":    str("New title (update)"),
						"price":    num("New price (update)"),
						"quantity": integer("New quantity (update)"),
						"reason":   str("End reason (end)"),
					}),
					"request_id": str("Distinguishes an intentional repeat"),
				})),
			handle: d.bulkOperations,
		},
		{
			descriptor: descriptor(domain.ToolAnalyzeListing, false,
				"Score a listing's performance and suggest improvements.",
				object([]string{"id"}, map[string]any{"id": str("Marketplace item id")})),
			handle: d.analyzeListing,
		},
		{
			descriptor: descriptor(domain.ToolGenerateReport, false,
				"Generate an inventory, performance or sales report from the local mirror.",
				object([]string{"report_type"}, map[string]any{
					"report_type": enum("Report type", "inventory", "performance", "sales"),
					"start_date":  map[string]any{"type": "string", "format": "date-time"},
					"end_date":    map[string]any{"type": "string", "format": "date-time"},
				})),
			handle: d.generateReport,
		},
		{
			descriptor: descriptor(domain.ToolGetJobStatus, false,
				"Get the state of a background sync job.",
				object([]string{"job_id"}, map[string]any{"job_id": str("Job id")})),
			handle: d.getJobStatus,
		},
	}

	m := make(map[domain.ToolName]toolSpec, len(specs))
	for _, s := range specs {
		m[s.descriptor.Name] = s
	}
	return m
}

func descriptor(name domain.ToolName, mutating bool, description string, schema map[string]any) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        name,
		Description: description,
		Mutating:    mutating,
		InputSchema: schema,
	}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func num(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func integer(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func boolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func enum(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}
