package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driving"
)

func newTestJobService(env *testEnv) driving.JobService {
	return NewJobService(JobServiceConfig{Queue: env.queue, Scheduler: env.scheduler})
}

func TestJobService_RefreshAndGet(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestJobService(env)
	ctx := context.Background()

	job, err := svc.RefreshListing(ctx, "item-1")
	require.NoError(t, err)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobKindSingleItemRefresh, got.Kind)
	assert.Equal(t, "item-1", got.ListingID())

	_, err = svc.RefreshListing(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.GetJob(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestJobService_TriggerReconcileIsDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestJobService(env)
	ctx := context.Background()

	first, err := svc.TriggerReconcile(ctx)
	require.NoError(t, err)
	second, err := svc.TriggerReconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "manual", first.Payload[domain.PayloadTrigger])
}

func TestJobService_CancelJob(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestJobService(env)
	ctx := context.Background()

	job, err := svc.RefreshListing(ctx, "item-1")
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, cancelled.State)

	_, err = svc.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotCancellable)
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))
}

func TestJobService_ListJobs(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestJobService(env)
	ctx := context.Background()

	_, _ = svc.RefreshListing(ctx, "item-1")
	_, _ = svc.RefreshListing(ctx, "item-2")
	_, _ = svc.TriggerReconcile(ctx)

	refreshes, err := svc.ListJobs(ctx, driven.JobFilter{Kind: domain.JobKindSingleItemRefresh})
	require.NoError(t, err)
	assert.Len(t, refreshes, 2)

	_, err = svc.ListJobs(ctx, driven.JobFilter{State: "stuck"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.ListJobs(ctx, driven.JobFilter{Kind: "reindex"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.QueuedCount)
}
