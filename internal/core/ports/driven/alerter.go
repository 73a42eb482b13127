package driven

import (
	"context"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// Alerter delivers alerts to the external alerting collaborator.
type Alerter interface {
	Alert(ctx context.Context, alert domain.Alert) error
}
