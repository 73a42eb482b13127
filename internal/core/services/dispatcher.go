package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driving"
)

// Verify interface compliance
var _ driving.ToolDispatcher = (*Dispatcher)(nil)

// RefreshEnqueuer enqueues single_item_refresh jobs.
type RefreshEnqueuer interface {
	EnqueueRefresh(ctx context.Context, listingID string) (*domain.SyncJob, error)
	EnqueueRefreshBatch(ctx context.Context, listingIDs []string) ([]*domain.SyncJob, error)
}

// RemoteApplier reconciles a remote listing into the mirror.
type RemoteApplier interface {
	ApplyRemote(ctx context.Context, remote *domain.RemoteListing) (Outcome, error)
}

// Dispatcher routes agent tool calls to mirror reads and gateway operations.
//
// Mutating tools compute a fingerprint from the tool name and normalized
// arguments before anything else happens. Concurrent identical calls share
// one execution; sequential ones are answered from the idempotency ledger.
type Dispatcher struct {
	gateway   Executor
	store     driven.MirrorStore
	orders    driven.OrderStore
	queue     driven.JobQueue
	refresher RefreshEnqueuer
	applier   RemoteApplier
	analyzer  *Analyzer
	audit     driven.AuditStore
	logger    *slog.Logger

	bulkConcurrency int
	mutationTimeout time.Duration
	now             func() time.Time

	group singleflight.Group
	tools map[domain.ToolName]toolSpec
}

// DispatcherConfig holds dependencies for the tool dispatcher.
type DispatcherConfig struct {
	Gateway   Executor
	Store     driven.MirrorStore
	Orders    driven.OrderStore
	Queue     driven.JobQueue
	Refresher RefreshEnqueuer
	Applier   RemoteApplier
	Analyzer  *Analyzer
	Audit     driven.AuditStore // Optional
	Logger    *slog.Logger

	BulkConcurrency int           // Parallel items in bulk_operations (default: 5)
	MutationTimeout time.Duration // Bound on one shared mutation execution (default: 10m)
	Now             func() time.Time
}

// NewDispatcher creates a new tool dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	analyzer := cfg.Analyzer
	if analyzer == nil {
		analyzer = NewAnalyzer(AnalyzerConfig{Store: cfg.Store, Orders: cfg.Orders, Now: now})
	}

	d := &Dispatcher{
		gateway:         cfg.Gateway,
		store:           cfg.Store,
		orders:          cfg.Orders,
		queue:           cfg.Queue,
		refresher:       cfg.Refresher,
		applier:         cfg.Applier,
		analyzer:        analyzer,
		audit:           cfg.Audit,
		logger:          logger,
		bulkConcurrency: orDefault(cfg.BulkConcurrency, 5),
		mutationTimeout: orDefault(cfg.MutationTimeout, 10*time.Minute),
		now:             now,
	}
	d.tools = d.registry()
	return d
}

// invocation carries per-call state through a handler.
type invocation struct {
	args        json.RawMessage
	fingerprint string
}

// ListingView is a mirrored listing as returned to the agent.
type ListingView struct {
	*domain.Listing
	PendingSync bool `json:"pending_sync"`
}

func newListingView(l *domain.Listing) ListingView {
	return ListingView{Listing: l, PendingSync: l.HasPendingMutation()}
}

// SearchResult is the search_listings result.
type SearchResult struct {
	Listings []ListingView `json:"listings"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

// OrderResult is the get_order_status result.
type OrderResult struct {
	*domain.Order

	// Source is "marketplace", or "mirror" when the marketplace was unreachable
	Source string `json:"source"`
}

// Tools lists the closed tool set, sorted by name.
func (d *Dispatcher) Tools() []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, 0, len(d.tools))
	for _, spec := range d.tools {
		out = append(out, spec.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call validates and executes one tool call.
func (d *Dispatcher) Call(ctx context.Context, call domain.ToolCall) *domain.ToolResponse {
	start := d.now()
	inv := &invocation{args: call.Arguments}

	var (
		result any
		err    error
	)
	spec, ok := d.tools[call.Tool]
	if !ok {
		err = domain.Invalid("tool_name", "unknown tool %q", call.Tool)
	} else {
		result, err = spec.handle(ctx, inv)
	}

	var resp *domain.ToolResponse
	if err != nil {
		resp = &domain.ToolResponse{Error: d.toolError(call.Tool, err)}
	} else {
		resp = &domain.ToolResponse{Result: result}
	}

	d.record(ctx, call, inv, resp, d.now().Sub(start))
	return resp
}

// toolError translates an internal error into the protocol error payload.
// Validation messages pass through; everything else gets a fixed message.
func (d *Dispatcher) toolError(tool domain.ToolName, err error) *domain.ToolError {
	code := domain.CodeOf(err)
	message := errorMessages[code]

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		message = ve.Error()
	}
	if code == domain.CodeInternal {
		d.logger.Error("tool call failed", "tool", tool, "error", err)
	} else {
		d.logger.Debug("tool call rejected", "tool", tool, "error_code", code, "error", err)
	}

	return &domain.ToolError{
		Code:      code,
		Message:   message,
		Tool:      tool,
		Timestamp: d.now().UTC(),
	}
}

var errorMessages = map[domain.ErrorCode]string{
	domain.CodeInvalidArgument:     "the marketplace rejected the request arguments",
	domain.CodeNotFound:            "the requested resource was not found",
	domain.CodeQuotaExceeded:       "marketplace quota exhausted; retry after the window resets",
	domain.CodeUpstreamUnavailable: "the marketplace is temporarily unavailable; retry later",
	domain.CodeAuthRejected:        "marketplace credentials were rejected; operator action is required",
	domain.CodeVersionConflict:     "the listing changed concurrently; re-read it and retry",
	domain.CodeInternal:            "internal error",
}

// record writes the audit entry. Failures are logged, never surfaced.
func (d *Dispatcher) record(ctx context.Context, call domain.ToolCall, inv *invocation, resp *domain.ToolResponse, elapsed time.Duration) {
	if d.audit == nil {
		return
	}
	entry := &domain.ToolInvocation{
		ID:          domain.GenerateID(),
		Tool:        call.Tool,
		AgentID:     call.AgentID,
		Fingerprint: inv.fingerprint,
		Success:     resp.OK(),
		Duration:    elapsed,
		CreatedAt:   d.now().UTC(),
	}
	if json.Valid(call.Arguments) {
		entry.Arguments = call.Arguments
	}
	if resp.Error != nil {
		entry.ErrorCode = resp.Error.Code
		entry.Error = resp.Error.Message
	}
	if err := d.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Warn("failed to record tool invocation", "tool", call.Tool, "error", err)
	}
}

// Read tools

func (d *Dispatcher) getListing(ctx context.Context, inv *invocation) (any, error) {
	var args listingIDArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, domain.Invalid("id", "is required")
	}

	listing, err := d.store.Get(ctx, args.ID)
	if err == nil {
		return newListingView(listing), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	res, err := d.gateway.Execute(ctx, domain.Operation{Kind: domain.OpFetchListing, ListingID: args.ID})
	if err != nil {
		return nil, err
	}
	if _, err := d.applier.ApplyRemote(ctx, res.Listing); err != nil {
		return nil, err
	}
	listing, err = d.store.Get(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	return newListingView(listing), nil
}

func (d *Dispatcher) searchListings(ctx context.Context, inv *invocation) (any, error) {
	var args searchListingsArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	if args.Status != "" && !args.Status.Valid() {
		return nil, domain.Invalid("status", "unknown status %q", args.Status)
	}
	if args.Limit < 0 || args.Limit > 100 {
		return nil, domain.Invalid("limit", "must be between 1 and 100")
	}
	if args.Offset < 0 {
		return nil, domain.Invalid("offset", "must be >= 0")
	}
	if args.MinPrice != nil && args.MaxPrice != nil && args.MinPrice.GreaterThan(*args.MaxPrice) {
		return nil, domain.Invalid("min_price", "must not exceed max_price")
	}
	if args.Limit == 0 {
		args.Limit = 20
	}

	filter := domain.ListingFilter{
		Query:      strings.TrimSpace(args.Query),
		Status:     args.Status,
		CategoryID: args.CategoryID,
		MinPrice:   args.MinPrice,
		MaxPrice:   args.MaxPrice,
		Pending:    args.Pending,
		Limit:      args.Limit,
		Offset:     args.Offset,
	}
	listings, err := d.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := d.store.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := SearchResult{Listings: make([]ListingView, 0, len(listings)), Total: total, Limit: args.Limit, Offset: args.Offset}
	for _, l := range listings {
		result.Listings = append(result.Listings, newListingView(l))
	}
	return result, nil
}

func (d *Dispatcher) getOrderStatus(ctx context.Context, inv *invocation) (any, error) {
	var args listingIDArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, domain.Invalid("id", "is required")
	}

	res, err := d.gateway.Execute(ctx, domain.Operation{Kind: domain.OpFetchOrder, OrderID: args.ID})
	if err != nil {
		if code := domain.CodeOf(err); code != domain.CodeUpstreamUnavailable && code != domain.CodeQuotaExceeded {
			return nil, err
		}
		cached, cacheErr := d.orders.Get(ctx, args.ID)
		if cacheErr != nil {
			return nil, err
		}
		d.logger.Warn("serving mirrored order", "order_id", args.ID, "error", err)
		return OrderResult{Order: cached, Source: "mirror"}, nil
	}

	order := res.Order
	if order == nil {
		return nil, fmt.Errorf("fetch_order returned no order: %w", domain.ErrInternal)
	}
	order.SyncedAt = d.now().UTC()
	if err := d.orders.Upsert(ctx, order); err != nil {
		d.logger.Warn("failed to mirror order", "order_id", order.ID, "error", err)
	}
	return OrderResult{Order: order, Source: "marketplace"}, nil
}

func (d *Dispatcher) analyzeListing(ctx context.Context, inv *invocation) (any, error) {
	var args listingIDArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, domain.Invalid("id", "is required")
	}
	return d.analyzer.AnalyzeListing(ctx, args.ID)
}

func (d *Dispatcher) generateReport(ctx context.Context, inv *invocation) (any, error) {
	var args generateReportArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	if !args.ReportType.Valid() {
		return nil, domain.Invalid("report_type", "must be inventory, performance or sales")
	}
	var r domain.DateRange
	if args.StartDate != nil {
		r.Start = *args.StartDate
	}
	if args.EndDate != nil {
		r.End = *args.EndDate
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.Start.Before(r.End) {
		return nil, domain.Invalid("start_date", "must be before end_date")
	}
	return d.analyzer.Report(ctx, args.ReportType, r)
}

func (d *Dispatcher) getJobStatus(ctx context.Context, inv *invocation) (any, error) {
	var args jobStatusArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	if args.JobID == "" {
		return nil, domain.Invalid("job_id", "is required")
	}
	return d.queue.GetJob(ctx, args.JobID)
}

// Mutating tools

func (d *Dispatcher) updatePrice(ctx context.Context, inv *invocation) (any, error) {
	var args updatePriceArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	price := args.Price
	return d.callUpdate(ctx, inv, domain.ToolUpdatePrice, args.ID, domain.ListingChanges{Price: &price}, args.RequestID)
}

func (d *Dispatcher) updateQuantity(ctx context.Context, inv *invocation) (any, error) {
	var args updateQuantityArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	if args.Quantity == nil {
		return nil, domain.Invalid(domain.FieldQuantity, "is required")
	}
	return d.callUpdate(ctx, inv, domain.ToolUpdateQuantity, args.ID, domain.ListingChanges{Quantity: args.Quantity}, args.RequestID)
}

func (d *Dispatcher) updateListing(ctx context.Context, inv *invocation) (any, error) {
	var args updateListingArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	changes := domain.ListingChanges{Title: args.Title, Price: args.Price, Quantity: args.Quantity}
	return d.callUpdate(ctx, inv, domain.ToolUpdateListing, args.ID, changes, args.RequestID)
}

func (d *Dispatcher) callUpdate(ctx context.Context, inv *invocation, tool domain.ToolName, id string, changes domain.ListingChanges, requestID string) (any, error) {
	remote, fp, err := d.mutateListing(ctx, tool, id, changes, requestID)
	inv.fingerprint = fp
	if err != nil {
		return nil, err
	}
	return remote, nil
}

func (d *Dispatcher) createListing(ctx context.Context, inv *invocation) (any, error) {
	var args createListingArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	draft := args.ListingDraft
	draft.SKU = strings.TrimSpace(draft.SKU)
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	draft.Currency = strings.ToUpper(strings.TrimSpace(draft.Currency))
	if draft.Currency == "" {
		draft.Currency = domain.DefaultCurrency
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	fp, err := domain.Fingerprint(string(domain.ToolCreateListing), draft.SKU, map[string]any{
		"title":       draft.Title,
		"description": draft.Description,
		"category_id": draft.CategoryID,
		"condition":   draft.Condition,
		"price":       draft.Price.StringFixed(2),
		"currency":    draft.Currency,
		"quantity":    draft.Quantity,
		"request_id":  args.RequestID,
	})
	if err != nil {
		return nil, err
	}
	inv.fingerprint = fp

	op := domain.Operation{Kind: domain.OpCreateListing, Draft: &draft, Fingerprint: fp}
	return d.executeMutation(ctx, op, func(ctx context.Context, remote *domain.RemoteListing) {
		if _, err := d.applier.ApplyRemote(ctx, remote); err != nil {
			d.logger.Warn("failed to mirror created listing", "listing_id", remote.ItemID, "error", err)
		}
	})
}

func (d *Dispatcher) endListing(ctx context.Context, inv *invocation) (any, error) {
	var args endListingArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}
	remote, fp, err := d.end(ctx, args.ID, args.Reason, args.RequestID)
	inv.fingerprint = fp
	if err != nil {
		return nil, err
	}
	return remote, nil
}

func (d *Dispatcher) end(ctx context.Context, id, reason, requestID string) (*domain.RemoteListing, string, error) {
	if id == "" {
		return nil, "", domain.Invalid("id", "is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "NotAvailable"
	}
	fp, err := domain.Fingerprint(string(domain.ToolEndListing), id, map[string]any{
		"reason":     reason,
		"request_id": requestID,
	})
	if err != nil {
		return nil, "", err
	}

	op := domain.Operation{Kind: domain.OpEndListing, ListingID: id, Reason: reason, Fingerprint: fp}
	remote, err := d.executeMutation(ctx, op, func(ctx context.Context, _ *domain.RemoteListing) {
		d.writeLocal(ctx, id, func(l *domain.Listing) { l.Status = domain.ListingStatusEnded })
	})
	return remote, fp, err
}

// mutateListing pushes listing changes through the gateway.
func (d *Dispatcher) mutateListing(ctx context.Context, tool domain.ToolName, id string, changes domain.ListingChanges, requestID string) (*domain.RemoteListing, string, error) {
	if id == "" {
		return nil, "", domain.Invalid("id", "is required")
	}
	changes = normalizeChanges(changes)
	if err := changes.Validate(); err != nil {
		return nil, "", err
	}

	payload := changesPayload(changes)
	if requestID != "" {
		payload["request_id"] = requestID
	}
	fp, err := domain.Fingerprint(string(tool), id, payload)
	if err != nil {
		return nil, "", err
	}

	op := domain.Operation{Kind: domain.OpUpdateListing, ListingID: id, Changes: changes, Fingerprint: fp}
	remote, err := d.executeMutation(ctx, op, func(ctx context.Context, _ *domain.RemoteListing) {
		d.writeLocal(ctx, id, func(l *domain.Listing) { l.ApplyChanges(changes) })
	})
	return remote, fp, err
}

// executeMutation runs a fingerprinted operation once per fingerprint.
// Concurrent callers share the in-flight result. The execution is detached
// from every caller and bounded by mutationTimeout; a caller whose ctx ends
// stops waiting without affecting the others. The local write and the
// follow-up refresh happen only for a fresh, non-replayed execution.
func (d *Dispatcher) executeMutation(ctx context.Context, op domain.Operation, apply func(context.Context, *domain.RemoteListing)) (*domain.RemoteListing, error) {
	bg := context.WithoutCancel(ctx)
	ch := d.group.DoChan(op.Fingerprint, func() (any, error) {
		execCtx, cancel := context.WithTimeout(bg, d.mutationTimeout)
		defer cancel()

		res, err := d.gateway.Execute(execCtx, op)
		if err != nil {
			return nil, err
		}
		if res.Listing == nil {
			return nil, fmt.Errorf("%s returned no listing: %w", op.Kind, domain.ErrInternal)
		}
		if !res.Replayed {
			apply(bg, res.Listing)
			if _, err := d.refresher.EnqueueRefresh(bg, res.Listing.ItemID); err != nil {
				d.logger.Warn("failed to enqueue refresh", "listing_id", res.Listing.ItemID, "error", err)
			}
		}
		return res.Listing, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			d.logger.Debug("joined in-flight operation", "operation", op.Kind, "fingerprint", op.Fingerprint)
		}
		return r.Val.(*domain.RemoteListing), nil
	}
}

// writeLocal applies an optimistic local mutation to a mirrored listing.
// A listing not mirrored yet is left to the follow-up refresh.
func (d *Dispatcher) writeLocal(ctx context.Context, id string, mutate func(*domain.Listing)) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := d.store.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err != nil {
			d.logger.Warn("failed to read listing for local write", "listing_id", id, "error", err)
			return
		}
		next := current.Clone()
		mutate(next)
		_, err = d.store.Upsert(ctx, next, current.LocalVersion, domain.OriginLocal)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			d.logger.Warn("failed to write local mutation", "listing_id", id, "error", err)
		}
		return
	}
	d.logger.Warn("local write kept conflicting, relying on refresh", "listing_id", id)
}

// Bulk

func (d *Dispatcher) bulkOperations(ctx context.Context, inv *invocation) (any, error) {
	var args bulkOperationsArgs
	if err := decodeArgs(inv.args, &args); err != nil {
		return nil, err
	}

	switch args.Operation {
	case domain.BulkUpdate, domain.BulkEnd, domain.BulkRefresh:
	default:
		return nil, domain.Invalid("operation", "must be update, end or refresh")
	}
	if len(args.ListingIDs) == 0 {
		return nil, domain.Invalid("listing_ids", "must not be empty")
	}
	if len(args.ListingIDs) > domain.MaxBulkItems {
		return nil, domain.Invalid("listing_ids", "at most %d listings per call", domain.MaxBulkItems)
	}
	seen := make(map[string]bool, len(args.ListingIDs))
	for _, id := range args.ListingIDs {
		if id == "" {
			return nil, domain.Invalid("listing_ids", "must not contain empty ids")
		}
		if seen[id] {
			return nil, domain.Invalid("listing_ids", "duplicate id %q", id)
		}
		seen[id] = true
	}

	changes := normalizeChanges(domain.ListingChanges{Title: args.Data.Title, Price: args.Data.Price, Quantity: args.Data.Quantity})
	if args.Operation == domain.BulkUpdate {
		if err := changes.Validate(); err != nil {
			return nil, err
		}
	}

	if args.Operation == domain.BulkRefresh {
		return d.bulkRefresh(ctx, args.ListingIDs), nil
	}

	results := make([]domain.BulkItemResult, len(args.ListingIDs))
	var g errgroup.Group
	g.SetLimit(d.bulkConcurrency)
	for i, id := range args.ListingIDs {
		g.Go(func() error {
			results[i] = d.bulkItem(ctx, args.Operation, id, changes, args.Data.Reason, args.RequestID)
			return nil
		})
	}
	_ = g.Wait()

	return newBulkResult(args.Operation, results), nil
}

// bulkRefresh queues every refresh in one batch, so the items succeed or fail together.
func (d *Dispatcher) bulkRefresh(ctx context.Context, ids []string) domain.BulkResult {
	results := make([]domain.BulkItemResult, len(ids))
	jobs, err := d.refresher.EnqueueRefreshBatch(ctx, ids)
	var te *domain.ToolError
	if err != nil {
		te = d.toolError(domain.ToolBulkOperations, err)
	}
	for i, id := range ids {
		results[i] = domain.BulkItemResult{ListingID: id}
		if te != nil {
			results[i].ErrorCode = te.Code
			results[i].Error = te.Message
			continue
		}
		results[i].Success = true
		results[i].JobID = jobs[i].ID
	}
	return newBulkResult(domain.BulkRefresh, results)
}

func newBulkResult(op domain.BulkOperation, results []domain.BulkItemResult) domain.BulkResult {
	out := domain.BulkResult{Operation: op, Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	return out
}

func (d *Dispatcher) bulkItem(ctx context.Context, op domain.BulkOperation, id string, changes domain.ListingChanges, reason, requestID string) domain.BulkItemResult {
	item := domain.BulkItemResult{ListingID: id}

	var err error
	switch op {
	case domain.BulkUpdate:
		_, _, err = d.mutateListing(ctx, domain.ToolUpdateListing, id, changes, requestID)
	case domain.BulkEnd:
		_, _, err = d.end(ctx, id, reason, requestID)
	}

	if err != nil {
		te := d.toolError(domain.ToolBulkOperations, err)
		item.ErrorCode = te.Code
		item.Error = te.Message
		return item
	}
	item.Success = true
	return item
}
