// Package mocks provides in-memory implementations of the driven ports for tests.
package mocks

import "github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"

// Verify interface compliance
var (
	_ driven.MirrorStore        = (*MockMirrorStore)(nil)
	_ driven.OrderStore         = (*MockOrderStore)(nil)
	_ driven.JobQueue           = (*MockJobQueue)(nil)
	_ driven.SchedulerStore     = (*MockSchedulerStore)(nil)
	_ driven.IdempotencyLedger  = (*MockIdempotencyLedger)(nil)
	_ driven.IdempotencyCache   = (*MockIdempotencyCache)(nil)
	_ driven.QuotaStore         = (*MockQuotaStore)(nil)
	_ driven.MarketplaceClient  = (*MockMarketplaceClient)(nil)
	_ driven.CredentialProvider = (*MockCredentialProvider)(nil)
	_ driven.TokenStore         = (*MockTokenStore)(nil)
	_ driven.ConflictStore      = (*MockConflictStore)(nil)
	_ driven.Alerter            = (*MockAlerter)(nil)
	_ driven.AuditStore         = (*MockAuditStore)(nil)
	_ driven.GatewayMetrics     = (*MockMetrics)(nil)
	_ driven.JobMetrics         = (*MockMetrics)(nil)
	_ driven.DistributedLock    = (*MockDistributedLock)(nil)
)
