package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

const (
	// reportPageSize bounds each mirror read while building a report
	reportPageSize = 500

	lowStockThreshold    = 2
	underperformingScore = 20
	topListingsCount     = 5
)

// Analyzer derives listing scores and reports from the mirror. It never
// calls the marketplace.
type Analyzer struct {
	store  driven.MirrorStore
	orders driven.OrderStore
	now    func() time.Time
}

// AnalyzerConfig holds dependencies for Analyzer.
type AnalyzerConfig struct {
	Store  driven.MirrorStore
	Orders driven.OrderStore
	Now    func() time.Time
}

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Analyzer{store: cfg.Store, orders: cfg.Orders, now: now}
}

// AnalyzeListing scores one mirrored listing.
func (a *Analyzer) AnalyzeListing(ctx context.Context, id string) (*domain.ListingAnalysis, error) {
	listing, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	orders, err := a.orders.ListByListing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	analysis := Analyze(listing, orders)
	return &analysis, nil
}

// Analyze scores a listing from its engagement counters and orders.
//
// The score blends three parts: conversion (sold/views, full 50 points at 5%),
// watch rate (watchers/views, full 25 points at 10%) and sell-through
// (sold/(sold+available), up to 25 points).
func Analyze(l *domain.Listing, orders []*domain.Order) domain.ListingAnalysis {
	a := domain.ListingAnalysis{
		ListingID:    l.ID,
		Title:        l.Title,
		Status:       l.Status,
		Views:        l.Views,
		Watchers:     l.Watchers,
		SoldQuantity: l.SoldQuantity,
		Revenue:      decimal.Zero,
		Suggestions:  []domain.OptimizationSuggestion{},
	}

	for _, o := range orders {
		if o.Counts() {
			a.Revenue = a.Revenue.Add(o.Total)
		}
	}

	var conversion, watchRate, sellThrough float64
	if l.Views > 0 {
		conversion = float64(l.SoldQuantity) / float64(l.Views)
		watchRate = float64(l.Watchers) / float64(l.Views)
	}
	if units := l.SoldQuantity + l.Quantity; units > 0 {
		sellThrough = float64(l.SoldQuantity) / float64(units)
	}
	a.ConversionRate = math.Round(conversion*10000) / 100

	score := math.Min(conversion/0.05, 1)*50 +
		math.Min(watchRate/0.10, 1)*25 +
		sellThrough*25
	a.Score = int(math.Round(score))

	a.Suggestions = append(a.Suggestions, suggestions(l, conversion)...)
	return a
}

func suggestions(l *domain.Listing, conversion float64) []domain.OptimizationSuggestion {
	var out []domain.OptimizationSuggestion
	if utf8.RuneCountInString(l.Title) < 50 {
		out = append(out, domain.OptimizationSuggestion{
			Field:  domain.FieldTitle,
			Reason: "title uses less than 50 of 80 characters; add brand, model or key attributes",
			Impact: domain.ImpactMedium,
		})
	}
	if utf8.RuneCountInString(l.Description) < 100 {
		out = append(out, domain.OptimizationSuggestion{
			Field:  "description",
			Reason: "description is short; detail condition, dimensions and what is included",
			Impact: domain.ImpactMedium,
		})
	}
	if l.Views >= 100 && conversion < 0.01 {
		out = append(out, domain.OptimizationSuggestion{
			Field:  domain.FieldPrice,
			Reason: "many views but under 1% convert; the price may be above comparable listings",
			Impact: domain.ImpactHigh,
		})
	}
	if l.Watchers > 0 && l.SoldQuantity == 0 {
		out = append(out, domain.OptimizationSuggestion{
			Field:  domain.FieldPrice,
			Reason: "buyers are watching but not purchasing; consider a price reduction or offer",
			Impact: domain.ImpactMedium,
		})
	}
	if l.Status == domain.ListingStatusActive && l.Quantity == 0 {
		out = append(out, domain.OptimizationSuggestion{
			Field:  domain.FieldQuantity,
			Reason: "listing is active but out of stock",
			Impact: domain.ImpactHigh,
		})
	}
	if l.Views < 10 {
		out = append(out, domain.OptimizationSuggestion{
			Field:  "category_id",
			Reason: "very few views; check the category and search keywords",
			Impact: domain.ImpactLow,
		})
	}
	return out
}

// Report builds an aggregate report over the mirror.
func (a *Analyzer) Report(ctx context.Context, reportType domain.ReportType, r domain.DateRange) (*domain.Report, error) {
	report := &domain.Report{Type: reportType, GeneratedAt: a.now().UTC(), Range: r}

	switch reportType {
	case domain.ReportInventory:
		listings, err := a.allListings(ctx)
		if err != nil {
			return nil, err
		}
		report.Inventory = inventoryReport(listings)
	case domain.ReportPerformance:
		listings, err := a.allListings(ctx)
		if err != nil {
			return nil, err
		}
		report.Performance = performanceReport(listings)
	case domain.ReportSales:
		orders, err := a.orders.ListSince(ctx, r.Start)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		report.Sales = salesReport(orders, r)
	default:
		return nil, domain.Invalid("report_type", "unknown report type %q", reportType)
	}
	return report, nil
}

func (a *Analyzer) allListings(ctx context.Context) ([]*domain.Listing, error) {
	var all []*domain.Listing
	for offset := 0; ; offset += reportPageSize {
		page, err := a.store.List(ctx, domain.ListingFilter{Limit: reportPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list listings: %w", err)
		}
		all = append(all, page...)
		if len(page) < reportPageSize {
			return all, nil
		}
	}
}

func inventoryReport(listings []*domain.Listing) *domain.InventoryReport {
	rep := &domain.InventoryReport{
		TotalListings:  len(listings),
		ByStatus:       make(map[domain.ListingStatus]int),
		InventoryValue: decimal.Zero,
		LowStock:       []string{},
		OutOfStock:     []string{},
	}
	for _, l := range listings {
		rep.ByStatus[l.Status]++
		if l.HasPendingMutation() {
			rep.PendingSync++
		}
		if l.Status != domain.ListingStatusActive {
			continue
		}
		rep.TotalUnits += l.Quantity
		rep.InventoryValue = rep.InventoryValue.Add(l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
		switch {
		case l.Quantity == 0:
			rep.OutOfStock = append(rep.OutOfStock, l.ID)
		case l.Quantity <= lowStockThreshold:
			rep.LowStock = append(rep.LowStock, l.ID)
		}
	}
	return rep
}

func performanceReport(listings []*domain.Listing) *domain.PerformanceReport {
	rep := &domain.PerformanceReport{
		TopListings:       []domain.ListingAnalysis{},
		UnderperformerIDs: []string{},
	}
	var analyses []domain.ListingAnalysis
	for _, l := range listings {
		if l.Status != domain.ListingStatusActive {
			continue
		}
		rep.ActiveListings++
		rep.TotalViews += l.Views
		rep.TotalWatchers += l.Watchers
		rep.TotalSold += l.SoldQuantity

		a := Analyze(l, nil)
		analyses = append(analyses, a)
		if a.Score < underperformingScore {
			rep.UnderperformerIDs = append(rep.UnderperformerIDs, l.ID)
		}
	}
	if rep.TotalViews > 0 {
		rep.ConversionRate = math.Round(float64(rep.TotalSold)/float64(rep.TotalViews)*10000) / 100
	}

	sort.SliceStable(analyses, func(i, j int) bool {
		if analyses[i].Score != analyses[j].Score {
			return analyses[i].Score > analyses[j].Score
		}
		return analyses[i].ListingID < analyses[j].ListingID
	})
	if len(analyses) > topListingsCount {
		analyses = analyses[:topListingsCount]
	}
	rep.TopListings = append(rep.TopListings, analyses...)
	return rep
}

func salesReport(orders []*domain.Order, r domain.DateRange) *domain.SalesReport {
	rep := &domain.SalesReport{
		Revenue:          decimal.Zero,
		AverageSalePrice: decimal.Zero,
		ByStatus:         make(map[domain.OrderStatus]int),
	}
	for _, o := range orders {
		if !r.Contains(o.CreatedAt) {
			continue
		}
		rep.ByStatus[o.Status]++
		if !o.Counts() {
			continue
		}
		rep.OrderCount++
		rep.UnitsSold += o.Quantity
		rep.Revenue = rep.Revenue.Add(o.Total)
	}
	if rep.UnitsSold > 0 {
		rep.AverageSalePrice = rep.Revenue.Div(decimal.NewFromInt(int64(rep.UnitsSold))).Round(2)
	}
	return rep
}
