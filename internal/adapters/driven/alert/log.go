package alert

import (
	"context"
	"errors"
	"log/slog"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Ensure the alerters implement the interface.
var (
	_ driven.Alerter = (*LogAlerter)(nil)
	_ driven.Alerter = (Fanout)(nil)
)

// LogAlerter writes alerts to the structured log.
// Used when no broker is configured, and alongside one.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a log-only alerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

// Alert logs the alert at error level.
func (l *LogAlerter) Alert(ctx context.Context, a domain.Alert) error {
	l.logger.ErrorContext(ctx, "alert raised",
		"kind", a.Kind,
		"job_id", a.JobID,
		"job_kind", a.JobKind,
		"listing_id", a.ListingID,
		"conflict_id", a.ConflictID,
		"attempts", a.Attempts,
		"message", a.Message,
	)
	return nil
}

// Fanout delivers an alert to every alerter and joins their errors.
type Fanout []driven.Alerter

// Alert sends to all alerters; one failing does not stop the others.
func (f Fanout) Alert(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, alerter := range f {
		if err := alerter.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
