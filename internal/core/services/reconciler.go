package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// maxCASRetries bounds re-read-and-retry loops after a VersionConflict.
const maxCASRetries = 3

// Outcome is what reconciling one remote listing did to the mirror.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeApplied  Outcome = "applied"
	OutcomePushed   Outcome = "pushed"
	OutcomeConflict Outcome = "conflict"
	OutcomeEnded    Outcome = "ended"
)

// Reconciler executes SyncJobs. It diffs remote state against the mirror,
// runs the conflict resolver and applies its decision.
//
// Execution flow for full_reconcile:
//  1. Resume from the job's persisted page token
//  2. Fetch one remote page through the gateway
//  3. Reconcile each listing (skip, apply, push or record a conflict)
//  4. Record the page's ids as seen and persist the next page token
//  5. After the last page, mark listings not seen remotely as ended, limited
//     to listings last synced before the run's first attempt started
type Reconciler struct {
	store     driven.MirrorStore
	gateway   Executor
	queue     driven.JobQueue
	conflicts driven.ConflictStore
	alerter   driven.Alerter
	logger    *slog.Logger
	pageSize  int
}

// ReconcilerConfig holds dependencies for Reconciler.
type ReconcilerConfig struct {
	Store     driven.MirrorStore
	Gateway   Executor
	Queue     driven.JobQueue
	Conflicts driven.ConflictStore
	Alerter   driven.Alerter // Optional
	Logger    *slog.Logger
	PageSize  int // Remote page size for full_reconcile (default: 100)
}

// NewReconciler creates a new reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		queue:     cfg.Queue,
		conflicts: cfg.Conflicts,
		alerter:   cfg.Alerter,
		logger:    logger,
		pageSize:  orDefault(cfg.PageSize, 100),
	}
}

// Run executes a dequeued job.
func (r *Reconciler) Run(ctx context.Context, job *domain.SyncJob) (*domain.JobResult, error) {
	start := time.Now()
	var (
		result *domain.JobResult
		err    error
	)
	switch job.Kind {
	case domain.JobKindFullReconcile:
		result, err = r.FullReconcile(ctx, job)
	case domain.JobKindSingleItemRefresh:
		result, err = r.RefreshListing(ctx, job)
	case domain.JobKindPushUpdate:
		result, err = r.PushUpdate(ctx, job)
	default:
		return nil, domain.Invalid("kind", "unknown job kind %q", job.Kind)
	}
	if result != nil {
		result.Duration = time.Since(start)
		result.Success = err == nil
		if err != nil {
			result.Error = err.Error()
		}
	}
	return result, err
}

// FullReconcile scans every remote listing page by page.
// Progress is persisted after each page so a retried job resumes where it stopped.
func (r *Reconciler) FullReconcile(ctx context.Context, job *domain.SyncJob) (*domain.JobResult, error) {
	logger := r.logger.With("job_id", job.ID, "job_kind", job.Kind)
	result := &domain.JobResult{JobID: job.ID, Processed: job.Processed}
	pageToken := job.PageToken
	runStart := time.Now()
	if job.StartedAt != nil {
		runStart = *job.StartedAt
	}

	if pageToken != "" {
		logger.Info("resuming reconciliation", "page_token", pageToken, "processed", job.Processed)
	} else {
		logger.Info("starting reconciliation")
	}

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		res, err := r.gateway.Execute(ctx, domain.Operation{
			Kind:      domain.OpListListings,
			PageToken: pageToken,
			PageSize:  r.pageSize,
		})
		if err != nil {
			return result, fmt.Errorf("list listings: %w", err)
		}
		page := res.Page
		if page == nil {
			page = &domain.ListingPage{}
		}

		ids := make([]string, 0, len(page.Listings))
		for i := range page.Listings {
			remote := &page.Listings[i]
			ids = append(ids, remote.ItemID)

			outcome, err := r.ApplyRemote(ctx, remote)
			if err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					logger.Warn("listing kept changing during reconciliation", "listing_id", remote.ItemID)
					result.Skipped++
					continue
				}
				return result, fmt.Errorf("reconcile listing %s: %w", remote.ItemID, err)
			}
			recordOutcome(result, outcome)
		}

		if err := r.store.TrackSeen(ctx, job.ID, ids); err != nil {
			return result, fmt.Errorf("track seen listings: %w", err)
		}

		result.Processed += len(page.Listings)
		pageToken = page.NextPageToken
		if err := r.queue.SaveProgress(ctx, job.ID, pageToken, result.Processed); err != nil {
			return result, fmt.Errorf("save progress: %w", err)
		}

		if pageToken == "" {
			break
		}
	}

	absent, err := r.store.ListAbsent(ctx, job.ID, runStart)
	if err != nil {
		return result, fmt.Errorf("list absent listings: %w", err)
	}
	for _, l := range absent {
		if err := r.markEnded(ctx, l.ID); err != nil {
			logger.Warn("failed to mark absent listing ended", "listing_id", l.ID, "error", err)
			continue
		}
		result.Ended++
	}

	if err := r.store.ClearSeen(ctx, job.ID); err != nil {
		logger.Warn("failed to clear seen listings", "error", err)
	}

	logger.Info("reconciliation completed",
		"processed", result.Processed,
		"applied", result.Applied,
		"skipped", result.Skipped,
		"pushed", result.Pushed,
		"conflicts", result.Conflicts,
		"ended", result.Ended,
	)
	return result, nil
}

// RefreshListing re-reads one listing so the mirror reflects its true remote state.
func (r *Reconciler) RefreshListing(ctx context.Context, job *domain.SyncJob) (*domain.JobResult, error) {
	result := &domain.JobResult{JobID: job.ID}
	id := job.ListingID()
	if id == "" {
		return result, domain.Invalid("scope", "single_item_refresh requires a listing id")
	}

	outcome, err := r.refresh(ctx, id)
	if err != nil {
		return result, err
	}
	result.Processed = 1
	recordOutcome(result, outcome)
	return result, nil
}

// PushUpdate writes the listing's pending local field values to the marketplace.
func (r *Reconciler) PushUpdate(ctx context.Context, job *domain.SyncJob) (*domain.JobResult, error) {
	logger := r.logger.With("job_id", job.ID, "job_kind", job.Kind, "listing_id", job.ListingID())
	result := &domain.JobResult{JobID: job.ID}

	listing, err := r.store.Get(ctx, job.ListingID())
	if err != nil {
		return result, fmt.Errorf("get listing: %w", err)
	}
	if !listing.HasPendingMutation() {
		logger.Info("nothing to push, listing already in sync")
		result.Skipped = 1
		return result, nil
	}

	var fields []string
	for _, f := range job.Fields() {
		if domain.IsPushable(f) {
			fields = append(fields, f)
		}
	}
	changes := domain.ChangesFromSnapshot(listing.Snapshot(), fields)
	if changes.IsEmpty() {
		result.Skipped = 1
		return result, nil
	}

	payload := changesPayload(changes)
	payload["local_version"] = listing.LocalVersion
	fp, err := domain.Fingerprint(string(domain.JobKindPushUpdate), listing.ID, payload)
	if err != nil {
		return result, err
	}

	res, err := r.gateway.Execute(ctx, domain.Operation{
		Kind:        domain.OpUpdateListing,
		ListingID:   listing.ID,
		Changes:     changes,
		Fingerprint: fp,
	})
	if err != nil {
		return result, fmt.Errorf("push update: %w", err)
	}
	result.Pushed = 1
	result.Processed = 1

	// A replayed result may predate later remote changes; read fresh instead.
	var outcome Outcome
	if res.Replayed || res.Listing == nil {
		outcome, err = r.refresh(ctx, listing.ID)
	} else {
		outcome, err = r.ApplyRemote(ctx, res.Listing)
	}
	if err != nil {
		return result, err
	}
	logger.Info("pushed local changes", "fields", fields, "outcome", outcome)
	return result, nil
}

// refresh fetches one listing and reconciles it; a listing gone remotely is ended.
func (r *Reconciler) refresh(ctx context.Context, id string) (Outcome, error) {
	res, err := r.gateway.Execute(ctx, domain.Operation{Kind: domain.OpFetchListing, ListingID: id})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if endErr := r.markEnded(ctx, id); endErr != nil && !errors.Is(endErr, domain.ErrNotFound) {
				return "", endErr
			}
			return OutcomeEnded, nil
		}
		return "", fmt.Errorf("fetch listing: %w", err)
	}
	return r.ApplyRemote(ctx, res.Listing)
}

// ApplyRemote reconciles one remote listing into the mirror, re-reading and
// retrying when a concurrent write wins the compare-and-swap.
func (r *Reconciler) ApplyRemote(ctx context.Context, remote *domain.RemoteListing) (Outcome, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := r.store.Get(ctx, remote.ItemID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("get listing: %w", err)
		}
		if err != nil {
			current = nil
		}

		outcome, err := r.reconcile(ctx, current, remote)
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return outcome, err
	}
	return "", lastErr
}

// AcceptRemote fetches a listing and overwrites the mirror with it regardless
// of pending local mutations. Used when an operator chooses remote_wins.
func (r *Reconciler) AcceptRemote(ctx context.Context, id string) error {
	res, err := r.gateway.Execute(ctx, domain.Operation{Kind: domain.OpFetchListing, ListingID: id})
	if errors.Is(err, domain.ErrNotFound) {
		return r.markEnded(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("fetch listing: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := r.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get listing: %w", err)
		}
		next := current.Clone()
		next.ApplyRemote(res.Listing)
		_, err = r.store.Upsert(ctx, next, current.LocalVersion, domain.OriginRemote)
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func (r *Reconciler) reconcile(ctx context.Context, current *domain.Listing, remote *domain.RemoteListing) (Outcome, error) {
	if current == nil {
		l := &domain.Listing{Currency: domain.DefaultCurrency}
		l.ApplyRemote(remote)
		if _, err := r.store.Upsert(ctx, l, 0, domain.OriginRemote); err != nil {
			return "", err
		}
		return OutcomeApplied, nil
	}

	if current.RemoteVersion == remote.Revision {
		return OutcomeSkipped, nil
	}

	decision := Resolve(current.Snapshot(), remote.Snapshot())
	switch decision.Resolution {
	case domain.ResolutionRemoteWins:
		next := current.Clone()
		next.ApplyRemote(remote)
		if _, err := r.store.Upsert(ctx, next, current.LocalVersion, domain.OriginRemote); err != nil {
			return "", err
		}
		return OutcomeApplied, nil

	case domain.ResolutionLocalWins, domain.ResolutionMerged:
		next := current.Clone()
		next.ApplyRemote(remote)
		next.ApplyChanges(domain.ChangesFromSnapshot(current.Snapshot(), decision.PushFields))
		stored, err := r.store.Upsert(ctx, next, current.LocalVersion, domain.OriginMerge)
		if err != nil {
			return "", err
		}
		job := domain.NewPushUpdateJob(stored.ID, decision.PushFields, stored.LocalVersion)
		if err := r.queue.Enqueue(ctx, job); err != nil {
			return "", fmt.Errorf("enqueue push_update: %w", err)
		}
		r.logger.Info("local changes will be re-pushed",
			"listing_id", stored.ID,
			"resolution", decision.Resolution,
			"fields", decision.PushFields,
			"push_job_id", job.ID,
		)
		return OutcomePushed, nil

	default:
		if err := r.recordConflict(ctx, &decision); err != nil {
			return "", err
		}
		return OutcomeConflict, nil
	}
}

// recordConflict persists a manual_review case, updating the listing's open
// case instead of creating a duplicate.
func (r *Reconciler) recordConflict(ctx context.Context, c *domain.ConflictCase) error {
	existing, err := r.conflicts.GetOpenByListing(ctx, c.ListingID)
	switch {
	case err == nil:
		if existing.Remote.RemoteVersion == c.Remote.RemoteVersion && existing.Local.LocalVersion == c.Local.LocalVersion {
			return nil
		}
		c.ID = existing.ID
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("get open conflict: %w", err)
	}

	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	if err := r.conflicts.Save(ctx, c); err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}

	r.logger.Warn("conflict requires manual review",
		"listing_id", c.ListingID,
		"conflict_id", c.ID,
		"fields", c.ConflictingFields,
	)
	if r.alerter != nil {
		if err := r.alerter.Alert(ctx, domain.NewManualReviewAlert(c)); err != nil {
			r.logger.Error("failed to send manual review alert", "conflict_id", c.ID, "error", err)
		}
	}
	return nil
}

// markEnded sets status=ended on a listing that no longer exists remotely.
// The mirror never deletes listings.
func (r *Reconciler) markEnded(ctx context.Context, id string) error {
	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := r.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == domain.ListingStatusEnded {
			return nil
		}
		next := current.Clone()
		next.Status = domain.ListingStatusEnded
		// a reappearing listing must not be skipped as already applied
		next.RemoteVersion = ""
		base := next.Snapshot()
		base.Base = nil
		next.Base = &base
		_, err = r.store.Upsert(ctx, next, current.LocalVersion, domain.OriginRemote)
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err == nil {
			r.logger.Info("listing absent remotely, marked ended", "listing_id", id)
		}
		return err
	}
	return lastErr
}

func recordOutcome(result *domain.JobResult, o Outcome) {
	switch o {
	case OutcomeApplied:
		result.Applied++
	case OutcomeSkipped:
		result.Skipped++
	case OutcomePushed:
		result.Pushed++
	case OutcomeConflict:
		result.Conflicts++
	case OutcomeEnded:
		result.Ended++
	}
}
