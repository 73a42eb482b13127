package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingAnalysis is a mirror-derived performance assessment of one listing.
type ListingAnalysis struct {
	ListingID      string          `json:"listing_id"`
	Title          string          `json:"title"`
	Status         ListingStatus   `json:"status"`
	Views          int             `json:"views"`
	Watchers       int             `json:"watchers"`
	SoldQuantity   int             `json:"sold_quantity"`
	ConversionRate float64         `json:"conversion_rate"`
	Revenue        decimal.Decimal `json:"revenue"`

	// Score is a 0-100 blend of conversion, engagement and sell-through
	Score       int                      `json:"performance_score"`
	Suggestions []OptimizationSuggestion `json:"optimization_suggestions"`
}

// SuggestionImpact ranks how much a suggestion is expected to help.
type SuggestionImpact string

const (
	ImpactLow    SuggestionImpact = "low"
	ImpactMedium SuggestionImpact = "medium"
	ImpactHigh   SuggestionImpact = "high"
)

// OptimizationSuggestion is a rule-based improvement hint.
type OptimizationSuggestion struct {
	Field  string           `json:"field"`
	Reason string           `json:"reason"`
	Impact SuggestionImpact `json:"impact"`
}

// ReportType selects an aggregate report.
type ReportType string

const (
	ReportInventory   ReportType = "inventory"
	ReportPerformance ReportType = "performance"
	ReportSales       ReportType = "sales"
)

// Valid reports whether the report type is known.
func (t ReportType) Valid() bool {
	switch t {
	case ReportInventory, ReportPerformance, ReportSales:
		return true
	}
	return false
}

// DateRange bounds a report. Zero values are open ends.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// Report is the result of generate_report; exactly one section is set.
type Report struct {
	Type        ReportType         `json:"report_type"`
	GeneratedAt time.Time          `json:"generated_at"`
	Range       DateRange          `json:"date_range"`
	Inventory   *InventoryReport   `json:"inventory,omitempty"`
	Performance *PerformanceReport `json:"performance,omitempty"`
	Sales       *SalesReport       `json:"sales,omitempty"`
}

// InventoryReport summarises stock held on the marketplace.
type InventoryReport struct {
	TotalListings  int                   `json:"total_listings"`
	ByStatus       map[ListingStatus]int `json:"by_status"`
	TotalUnits     int                   `json:"total_units"`
	InventoryValue decimal.Decimal       `json:"inventory_value"`
	LowStock       []string              `json:"low_stock"`
	OutOfStock     []string              `json:"out_of_stock"`
	PendingSync    int                   `json:"pending_sync"`
}

// PerformanceReport summarises engagement across active listings.
type PerformanceReport struct {
	ActiveListings    int               `json:"active_listings"`
	TotalViews        int               `json:"total_views"`
	TotalWatchers     int               `json:"total_watchers"`
	TotalSold         int               `json:"total_sold"`
	ConversionRate    float64           `json:"conversion_rate"`
	TopListings       []ListingAnalysis `json:"top_listings"`
	UnderperformerIDs []string          `json:"underperformers"`
}

// SalesReport summarises mirrored orders in the report range.
type SalesReport struct {
	OrderCount       int                 `json:"order_count"`
	UnitsSold        int                 `json:"units_sold"`
	Revenue          decimal.Decimal     `json:"total_revenue"`
	AverageSalePrice decimal.Decimal     `json:"average_sale_price"`
	ByStatus         map[OrderStatus]int `json:"by_status"`
}

// BulkOperation is the operation applied by bulk_operations.
type BulkOperation string

const (
	BulkUpdate  BulkOperation = "update"
	BulkEnd     BulkOperation = "end"
	BulkRefresh BulkOperation = "refresh"
)

// MaxBulkItems bounds a single bulk_operations call.
const MaxBulkItems = 50

// BulkItemResult is the per-listing outcome of a bulk operation.
type BulkItemResult struct {
	ListingID string    `json:"listing_id"`
	Success   bool      `json:"success"`
	JobID     string    `json:"job_id,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// BulkResult aggregates a bulk operation.
type BulkResult struct {
	Operation  BulkOperation    `json:"operation"`
	Total      int              `json:"total"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Results    []BulkItemResult `json:"results"`
}
