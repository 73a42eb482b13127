package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Executor runs marketplace operations. Gateway is the production implementation.
type Executor interface {
	Execute(ctx context.Context, op domain.Operation) (*domain.RemoteResult, error)
}

// Verify interface compliance
var _ Executor = (*Gateway)(nil)

// Gateway is the single choke point for outbound marketplace calls.
// It owns quota accounting, credential refresh, retry with backoff and the
// idempotency ledger for mutating operations.
type Gateway struct {
	client      driven.MarketplaceClient
	credentials driven.CredentialProvider
	quota       driven.QuotaStore
	ledger      driven.IdempotencyLedger
	cache       driven.IdempotencyCache
	metrics     driven.GatewayMetrics
	limiter     *rate.Limiter
	policies    map[domain.EndpointCategory]domain.QuotaPolicy
	logger      *slog.Logger

	maxAttempts      int
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	quotaWaitCeiling time.Duration
	callTimeout      time.Duration
	idempotencyTTL   time.Duration
	lease            time.Duration
	heartbeat        time.Duration
	ledgerPoll       time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// GatewayConfig holds dependencies and policy for the Gateway.
type GatewayConfig struct {
	Client      driven.MarketplaceClient
	Credentials driven.CredentialProvider
	Quota       driven.QuotaStore
	Ledger      driven.IdempotencyLedger
	Cache       driven.IdempotencyCache // Optional: fast replay of settled records
	Metrics     driven.GatewayMetrics   // Optional
	Logger      *slog.Logger

	// Policies are the per-category quota budgets (default: DefaultQuotaPolicies)
	Policies []domain.QuotaPolicy

	MaxAttempts      int           // Attempts per call on transient failure (default: 4)
	InitialBackoff   time.Duration // First retry delay (default: 500ms)
	MaxBackoff       time.Duration // Retry delay cap (default: 30s)
	QuotaWaitCeiling time.Duration // Longest a call blocks on quota (default: 2m)
	CallTimeout      time.Duration // Per-attempt timeout (default: 30s)
	BurstRPS         float64       // Outbound smoothing, 0 disables
	IdempotencyTTL   time.Duration // Ledger record lifetime (default: 24h)
	Lease            time.Duration // In-progress claim lease, renewed every Lease/3 while the call runs (default: 2m)
	LedgerPoll       time.Duration // Poll interval while another caller holds a fingerprint (default: 100ms)

	// Now and Sleep replace the wall clock in tests
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a new gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		client:           cfg.Client,
		credentials:      cfg.Credentials,
		quota:            cfg.Quota,
		ledger:           cfg.Ledger,
		cache:            cfg.Cache,
		metrics:          cfg.Metrics,
		logger:           logger,
		policies:         make(map[domain.EndpointCategory]domain.QuotaPolicy),
		maxAttempts:      orDefault(cfg.MaxAttempts, 4),
		initialBackoff:   orDefault(cfg.InitialBackoff, 500*time.Millisecond),
		maxBackoff:       orDefault(cfg.MaxBackoff, 30*time.Second),
		quotaWaitCeiling: orDefault(cfg.QuotaWaitCeiling, 2*time.Minute),
		callTimeout:      orDefault(cfg.CallTimeout, 30*time.Second),
		idempotencyTTL:   orDefault(cfg.IdempotencyTTL, 24*time.Hour),
		lease:            orDefault(cfg.Lease, 2*time.Minute),
		ledgerPoll:       orDefault(cfg.LedgerPoll, 100*time.Millisecond),
		now:              cfg.Now,
		sleep:            cfg.Sleep,
	}
	g.heartbeat = g.lease / 3
	if g.heartbeat <= 0 {
		g.heartbeat = g.lease
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}

	policies := cfg.Policies
	if len(policies) == 0 {
		policies = domain.DefaultQuotaPolicies()
	}
	for _, p := range policies {
		g.policies[p.Category] = p
	}

	if cfg.BurstRPS > 0 {
		burst := int(cfg.BurstRPS)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.BurstRPS), burst)
	}

	return g
}

// Execute runs one marketplace operation.
// Mutating operations are guarded by the idempotency ledger: for a live
// fingerprint the remote call is issued at most once and repeats receive the
// cached outcome with Replayed set.
func (g *Gateway) Execute(ctx context.Context, op domain.Operation) (*domain.RemoteResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	start := g.now()
	var (
		result *domain.RemoteResult
		err    error
	)
	if op.Kind.Mutating() {
		result, err = g.executeOnce(ctx, op)
	} else {
		result, err = g.call(ctx, op)
	}
	g.metrics.ObserveCall(op.Kind, domain.CodeOf(err), g.now().Sub(start))
	return result, err
}

// Windows returns the current quota window of every configured category.
func (g *Gateway) Windows(ctx context.Context) ([]domain.QuotaWindow, error) {
	categories := []domain.EndpointCategory{
		domain.CategoryListingsRead,
		domain.CategoryListingsWrite,
		domain.CategoryOrders,
	}
	windows := make([]domain.QuotaWindow, 0, len(categories))
	for _, c := range categories {
		policy, ok := g.policies[c]
		if !ok {
			continue
		}
		w, err := g.quota.Window(ctx, policy)
		if err != nil {
			return nil, fmt.Errorf("quota window %s: %w", c, err)
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// executeOnce claims the operation fingerprint before calling upstream.
func (g *Gateway) executeOnce(ctx context.Context, op domain.Operation) (*domain.RemoteResult, error) {
	logger := g.logger.With("operation", op.Kind, "target", op.Target(), "fingerprint", op.Fingerprint)

	if g.cache != nil {
		if rec, err := g.cache.Get(ctx, op.Fingerprint); err == nil && rec.IsSettled() && rec.IsLive(g.now()) {
			g.metrics.IncReplay(op.Kind)
			logger.Debug("replaying cached outcome")
			return rec.Outcome()
		}
	}

	claim := domain.NewIdempotencyClaim(op.Fingerprint, op.Kind, op.Target(), g.lease, g.idempotencyTTL)
	waitUntil := g.now().Add(g.lease)
	for {
		existing, claimed, err := g.ledger.Begin(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("claim fingerprint: %w", err)
		}
		if claimed {
			break
		}
		if existing.IsSettled() {
			g.metrics.IncReplay(op.Kind)
			g.cacheRecord(ctx, existing)
			logger.Info("replaying ledger outcome", "status", existing.Status)
			return existing.Outcome()
		}
		if !g.now().Before(waitUntil) {
			return nil, fmt.Errorf("%w: %s on %s", domain.ErrOperationInProgress, op.Kind, op.Target())
		}
		if err := g.sleep(ctx, g.ledgerPoll); err != nil {
			return nil, err
		}
	}

	callCtx, cancelCall := context.WithCancel(ctx)
	stopHold := g.holdClaim(ctx, claim, cancelCall, logger)
	result, callErr := g.call(callCtx, op)
	lost := stopHold()
	cancelCall()

	// The outcome must be recorded even if the caller has gone away.
	settleCtx := context.WithoutCancel(ctx)
	if lost && callErr != nil {
		return nil, fmt.Errorf("%w: %s on %s", domain.ErrClaimLost, op.Kind, op.Target())
	}
	if !domain.IsDefinitive(callErr) {
		if err := g.ledger.Release(settleCtx, op.Fingerprint, claim.Owner); err != nil {
			logger.Warn("failed to release fingerprint", "error", err)
		}
		return nil, callErr
	}

	if err := claim.Settle(result, callErr); err != nil {
		logger.Error("failed to settle idempotency record", "error", err)
	} else if err := g.ledger.Complete(settleCtx, claim); errors.Is(err, domain.ErrClaimLost) {
		logger.Warn("idempotency claim taken over before the outcome was recorded")
	} else if err != nil {
		logger.Error("failed to complete idempotency record", "error", err)
	} else {
		g.cacheRecord(settleCtx, claim)
	}
	return result, callErr
}

// holdClaim renews the claim lease until the returned stop func is called.
// When the claim is taken over it calls onLost; stop reports whether that happened.
func (g *Gateway) holdClaim(ctx context.Context, claim *domain.IdempotencyRecord, onLost context.CancelFunc, logger *slog.Logger) (stop func() bool) {
	beatCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	var lost atomic.Bool

	go func() {
		defer close(done)
		ticker := time.NewTicker(g.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
			}
			err := g.ledger.Extend(beatCtx, claim.Fingerprint, claim.Owner, g.now().Add(g.lease))
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrClaimLost):
				logger.Warn("idempotency claim taken over, abandoning call")
				lost.Store(true)
				onLost()
				return
			case beatCtx.Err() != nil:
				return
			default:
				logger.Warn("failed to extend idempotency claim", "error", err)
			}
		}
	}()

	return func() bool {
		cancel()
		<-done
		return lost.Load()
	}
}

func (g *Gateway) cacheRecord(ctx context.Context, rec *domain.IdempotencyRecord) {
	if g.cache == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(g.now())
	if ttl <= 0 {
		return
	}
	if err := g.cache.Put(ctx, rec, ttl); err != nil {
		g.logger.Warn("failed to cache idempotency record", "fingerprint", rec.Fingerprint, "error", err)
	}
}

// call performs the remote call with quota, auth refresh and retry.
func (g *Gateway) call(ctx context.Context, op domain.Operation) (*domain.RemoteResult, error) {
	policy, ok := g.policies[op.Kind.Category()]
	if !ok {
		return nil, fmt.Errorf("%w: no quota policy for %s", domain.ErrInternal, op.Kind.Category())
	}

	refreshed := false
	attempt := 1
	for {
		if err := g.acquireQuota(ctx, policy); err != nil {
			return nil, err
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		token, err := g.credentials.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		result, err := g.dispatch(callCtx, token, op)
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, domain.ErrAuthExpired) {
			if refreshed {
				return nil, fmt.Errorf("%w: %s rejected after credential refresh", domain.ErrAuthRejected, op.Kind)
			}
			refreshed = true
			g.logger.Info("marketplace token expired, refreshing", "operation", op.Kind)
			if _, err := g.credentials.Refresh(ctx); err != nil {
				if errors.Is(err, domain.ErrAuthRejected) || errors.Is(err, domain.ErrAuthExpired) {
					return nil, fmt.Errorf("%w: refresh failed: %v", domain.ErrAuthRejected, err)
				}
				return nil, fmt.Errorf("refresh credentials: %w", err)
			}
			continue
		}

		if !isTransient(err) {
			return nil, err
		}

		var upstream *domain.UpstreamError
		retryAfter := time.Duration(0)
		if errors.As(err, &upstream) && upstream.RetryAfter > 0 {
			retryAfter = upstream.RetryAfter
			if upstream.StatusCode == 429 {
				if qErr := g.quota.Exhaust(ctx, policy, g.now().Add(retryAfter)); qErr != nil {
					g.logger.Warn("failed to exhaust quota window", "category", policy.Category, "error", qErr)
				}
			}
		}

		if attempt >= g.maxAttempts {
			return nil, fmt.Errorf("%w: %s failed after %d attempts: %v",
				domain.ErrUpstreamUnavailable, op.Kind, attempt, err)
		}

		delay := g.backoff(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		g.metrics.IncRetry(op.Kind)
		g.logger.Warn("transient marketplace failure, retrying",
			"operation", op.Kind,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, err
		}
		attempt++
	}
}

// acquireQuota blocks until a token is available or the wait ceiling passes.
func (g *Gateway) acquireQuota(ctx context.Context, policy domain.QuotaPolicy) error {
	start := g.now()
	deadline := start.Add(g.quotaWaitCeiling)
	waited := false
	for {
		window, acquired, err := g.quota.TryAcquire(ctx, policy, 1)
		if err != nil {
			return fmt.Errorf("quota %s: %w", policy.Category, err)
		}
		now := g.now()
		if acquired {
			if waited {
				g.metrics.ObserveQuotaWait(policy.Category, now.Sub(start))
			}
			return nil
		}
		if !now.Before(deadline) {
			return fmt.Errorf("%w: %s window resets at %s",
				domain.ErrQuotaExceeded, policy.Category, window.ResetAt.Format(time.RFC3339))
		}

		wait := window.ResetAt.Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		if !waited {
			g.logger.Info("quota exhausted, waiting for window reset",
				"category", policy.Category,
				"reset_at", window.ResetAt,
			)
		}
		waited = true
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// dispatch maps an operation onto the marketplace client.
func (g *Gateway) dispatch(ctx context.Context, token string, op domain.Operation) (*domain.RemoteResult, error) {
	switch op.Kind {
	case domain.OpFetchListing:
		l, err := g.client.GetListing(ctx, token, op.ListingID)
		if err != nil {
			return nil, err
		}
		return &domain.RemoteResult{Listing: l}, nil
	case domain.OpListListings:
		page, err := g.client.ListListings(ctx, token, op.PageToken, op.PageSize)
		if err != nil {
			return nil, err
		}
		return &domain.RemoteResult{Page: page}, nil
	case domain.OpUpdateListing:
		l, err := g.client.UpdateListing(ctx, token, op.ListingID, op.Changes, op.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &domain.RemoteResult{Listing: l}, nil
	case domain.OpCreateListing:
		l, err := g.client.CreateListing(ctx, token, *op.Draft, op.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &domain.RemoteResult{Listing: l}, nil
	case domain.OpEndListing:
		l, err := g.client.EndListing(ctx, token, op.ListingID, op.Reason, op.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &domain.RemoteResult{Listing: l}, nil
	case domain.OpFetchOrder:
		o, err := g.client.GetOrder(ctx, token, op.OrderID)
		if err != nil {
			return nil, err
		}
		return &domain.RemoteResult{Order: o}, nil
	default:
		return nil, domain.Invalid("operation", "unknown operation %q", op.Kind)
	}
}

// backoff returns the delay before retry n: exponential with jitter in [d/2, d).
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.initialBackoff << (attempt - 1)
	if d <= 0 || d > g.maxBackoff {
		d = g.maxBackoff
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}

// isTransient reports whether a failed call may succeed on retry.
func isTransient(err error) bool {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrUpstreamUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

type nopMetrics struct{}

func (nopMetrics) ObserveCall(domain.OperationKind, domain.ErrorCode, time.Duration) {}
func (nopMetrics) ObserveQuotaWait(domain.EndpointCategory, time.Duration) {}
func (nopMetrics) IncRetry(domain.OperationKind) {}
func (nopMetrics) IncReplay(domain.OperationKind) {}
func (nopMetrics) ObserveJob(domain.JobKind, domain.JobState, time.Duration) {}
