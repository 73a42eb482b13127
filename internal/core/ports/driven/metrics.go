package driven

import (
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// GatewayMetrics observes outbound marketplace traffic.
type GatewayMetrics interface {
	// ObserveCall records one completed gateway operation.
	ObserveCall(op domain.OperationKind, code domain.ErrorCode, d time.Duration)

	// ObserveQuotaWait records time spent blocked on a quota window.
	ObserveQuotaWait(category domain.EndpointCategory, d time.Duration)

	// IncRetry counts a transient-failure retry.
	IncRetry(op domain.OperationKind)

	// IncReplay counts an idempotent replay served from the ledger.
	IncReplay(op domain.OperationKind)
}

// JobMetrics observes SyncJob processing.
type JobMetrics interface {
	ObserveJob(kind domain.JobKind, state domain.JobState, d time.Duration)
}
