package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driving"
)

// Verify interface compliance
var _ driving.ConflictService = (*conflictService)(nil)

// conflictService implements driving.ConflictService
type conflictService struct {
	conflicts  driven.ConflictStore
	store      driven.MirrorStore
	queue      driven.JobQueue
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// ConflictServiceConfig holds dependencies for the conflict service.
type ConflictServiceConfig struct {
	Conflicts  driven.ConflictStore
	Store      driven.MirrorStore
	Queue      driven.JobQueue
	Reconciler *Reconciler
	Logger     *slog.Logger
}

// NewConflictService creates a new ConflictService
func NewConflictService(cfg ConflictServiceConfig) driving.ConflictService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &conflictService{
		conflicts:  cfg.Conflicts,
		store:      cfg.Store,
		queue:      cfg.Queue,
		reconciler: cfg.Reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *conflictService) GetConflict(ctx context.Context, id string) (*domain.ConflictCase, error) {
	return s.conflicts.Get(ctx, id)
}

func (s *conflictService) ListConflicts(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.conflicts.List(ctx, filter)
}

// ResolveConflict closes an open manual_review case with the operator's choice.
func (s *conflictService) ResolveConflict(ctx context.Context, id string, choice domain.Resolution, operator string) (*domain.ConflictCase, error) {
	if operator == "" {
		return nil, domain.Invalid("operator", "is required")
	}

	c, err := s.conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, fmt.Errorf("conflict %s already resolved: %w", id, domain.ErrVersionConflict)
	}

	switch choice {
	case domain.ResolutionRemoteWins:
		if err := s.reconciler.AcceptRemote(ctx, c.ListingID); err != nil {
			return nil, fmt.Errorf("apply remote state: %w", err)
		}
	case domain.ResolutionLocalWins:
		if err := s.keepLocal(ctx, c); err != nil {
			return nil, err
		}
	default:
		return nil, domain.Invalid("choice", "must be %s or %s", domain.ResolutionLocalWins, domain.ResolutionRemoteWins)
	}

	if err := s.conflicts.MarkResolved(ctx, id, choice, operator, s.now().UTC()); err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved",
		"conflict_id", id,
		"listing_id", c.ListingID,
		"choice", choice,
		"operator", operator,
	)
	return s.conflicts.Get(ctx, id)
}

// keepLocal rebases the listing onto the remote snapshot recorded in the case
// and enqueues a push of the fields where local and remote still differ.
func (s *conflictService) keepLocal(ctx context.Context, c *domain.ConflictCase) error {
	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := s.store.Get(ctx, c.ListingID)
		if err != nil {
			return fmt.Errorf("get listing: %w", err)
		}

		var fields, blocked []string
		for _, f := range current.Snapshot().DiffFields(c.Remote) {
			if domain.IsPushable(f) {
				fields = append(fields, f)
			} else {
				blocked = append(blocked, f)
			}
		}
		if len(blocked) > 0 {
			return domain.Invalid("choice", "local %s cannot be pushed to the marketplace", strings.Join(blocked, ", "))
		}

		next := current.Clone()
		base := c.Remote
		base.Base = nil
		base.LocalVersion = 0
		base.SyncedVersion = 0
		next.Base = &base
		next.RemoteVersion = c.Remote.RemoteVersion

		stored, err := s.store.Upsert(ctx, next, current.LocalVersion, domain.OriginMerge)
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		if len(fields) == 0 {
			return nil
		}
		job := domain.NewPushUpdateJob(stored.ID, fields, stored.LocalVersion)
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue push_update: %w", err)
		}
		return nil
	}
	return lastErr
}
