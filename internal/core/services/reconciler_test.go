package services

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

func enqueueReconcile(t *testing.T, env *testEnv) *domain.SyncJob {
	t.Helper()
	job := domain.NewFullReconcileJob("test")
	require.NoError(t, env.queue.Enqueue(context.Background(), job))
	return job
}

// pendingListing is a mirrored listing with an unpushed local change on top of base.
func pendingListing(base *domain.RemoteListing, mutate func(*domain.Listing)) *domain.Listing {
	l := syncedListing(base, 4)
	mutate(l)
	l.LocalVersion = 5
	return l
}

func TestReconciler_FullReconcile_MirrorsNewListings(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"item-1", "item-2", "item-3"} {
		env.client.PutListing(remoteListing(id, "10.00", 1, "rev-"+id))
	}
	job := enqueueReconcile(t, env)

	result, err := env.reconciler.Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Applied)

	// PageSize 2: two list calls
	assert.Equal(t, 2, env.client.CallCount("ListListings"))

	l, err := env.store.Get(context.Background(), "item-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.LocalVersion)
	assert.Equal(t, int64(1), l.SyncedVersion)
	assert.Equal(t, "rev-item-2", l.RemoteVersion)
	assert.NotNil(t, l.LastSyncedAt)
	assert.False(t, l.HasPendingMutation())

	stored, err := env.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PageToken)
	assert.Equal(t, 3, stored.Processed)
	assert.Zero(t, env.store.SeenCount(job.ID))
}

func TestReconciler_FullReconcile_SkipsUnchangedListings(t *testing.T) {
	env := newTestEnv(t)
	remote := remoteListing("item-1", "10.00", 1, "rev-a")
	env.client.PutListing(remote)
	env.store.Seed(syncedListing(remote, 3))

	result, err := env.reconciler.Run(context.Background(), enqueueReconcile(t, env))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, env.store.Upserts)

	l, _ := env.store.Get(context.Background(), "item-1")
	assert.Equal(t, int64(3), l.LocalVersion)
}

func TestReconciler_FullReconcile_RemoteWinsWithoutPendingMutation(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed(syncedListing(remoteListing("item-1", "10.00", 1, "rev-a"), 3))
	env.client.PutListing(remoteListing("item-1", "12.00", 1, "rev-b"))

	result, err := env.reconciler.Run(context.Background(), enqueueReconcile(t, env))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	l, err := env.store.Get(context.Background(), "item-1")
	require.NoError(t, err)
	assert.True(t, l.Price.Equal(dec("12.00")))
	assert.Equal(t, int64(4), l.LocalVersion)
	assert.Equal(t, int64(4), l.SyncedVersion)
	assert.Equal(t, "rev-b", l.RemoteVersion)
}

func TestReconciler_FullReconcile_MarksAbsentListingsEnded(t *testing.T) {
	env := newTestEnv(t)
	kept := remoteListing("item-1", "10.00", 1, "rev-a")
	env.client.PutListing(kept)
	env.store.Seed(syncedListing(kept, 1))
	env.store.Seed(syncedListing(remoteListing("item-gone", "5.00", 1, "rev-x"), 2))

	result, err := env.reconciler.Run(context.Background(), enqueueReconcile(t, env))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ended)

	gone, err := env.store.Get(context.Background(), "item-gone")
	require.NoError(t, err, "absent listings are never deleted")
	assert.Equal(t, domain.ListingStatusEnded, gone.Status)
	assert.Equal(t, int64(3), gone.LocalVersion)
}

func TestReconciler_FullReconcile_KeepsListingMirroredDuringRun(t *testing.T) {
	env := newTestEnv(t)
	a := remoteListing("item-a", "1.00", 1, "rev-a")
	c := remoteListing("item-c", "3.00", 1, "rev-c")
	fresh := remoteListing("item-b", "2.00", 1, "rev-b")
	ctx := context.Background()

	env.client.ListListingsFn = func(pageToken string, pageSize int) (*domain.ListingPage, error) {
		if pageToken == "" {
			return &domain.ListingPage{Listings: []domain.RemoteListing{*a}, NextPageToken: "2"}, nil
		}
		// created and mirrored behind the cursor while the run is between pages
		_, err := env.reconciler.ApplyRemote(ctx, fresh)
		require.NoError(t, err)
		return &domain.ListingPage{Listings: []domain.RemoteListing{*c}}, nil
	}

	enqueueReconcile(t, env)
	job, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)

	result, err := env.reconciler.Run(ctx, job)
	require.NoError(t, err)
	assert.Zero(t, result.Ended)

	l, err := env.store.Get(ctx, "item-b")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingStatusActive, l.Status)
}

func TestReconciler_EndedListingReappearsWithSameRevision(t *testing.T) {
	env := newTestEnv(t)
	remote := remoteListing("item-1", "11.00", 2, "rev-a")
	env.store.Seed(syncedListing(remote, 1))
	ctx := context.Background()

	result, err := env.reconciler.Run(ctx, domain.NewRefreshJob("item-1"))
	require.NoError(t, err)
	require.Equal(t, 1, result.Ended)

	ended, err := env.store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Empty(t, ended.RemoteVersion)

	env.client.PutListing(remote)
	result, err = env.reconciler.Run(ctx, domain.NewRefreshJob("item-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	l, err := env.store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingStatusActive, l.Status)
	assert.Equal(t, "rev-a", l.RemoteVersion)
}

func TestReconciler_FullReconcile_RepushesLocalChange(t *testing.T) {
	env := newTestEnv(t)
	base := remoteListing("item-1", "10.00", 5, "rev-a")
	env.store.Seed(pendingListing(base, func(l *domain.Listing) { l.Price = dec("15.00") }))

	// Remote changed the title only
	remote := remoteListing("item-1", "10.00", 5, "rev-b")
	remote.Title = "Vintage camera, boxed"
	env.client.PutListing(remote)

	result, err := env.reconciler.Run(context.Background(), enqueueReconcile(t, env))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)

	l, err := env.store.Get(context.Background(), "item-1")
	require.NoError(t, err)
	assert.True(t, l.Price.Equal(dec("15.00")), "local price kept")
	assert.Equal(t, "Vintage camera, boxed", l.Title, "remote title applied")
	assert.True(t, l.HasPendingMutation())

	var push *domain.SyncJob
	for _, j := range env.queue.Jobs() {
		if j.Kind == domain.JobKindPushUpdate {
			push = j
		}
	}
	require.NotNil(t, push)
	assert.Equal(t, "item-1", push.ListingID())
	assert.Equal(t, []string{domain.FieldPrice}, push.Fields())
	assert.Equal(t, l.LocalVersion, push.ExpectedVersion())
}

func TestReconciler_FullReconcile_ManualReviewRecordsOneCase(t *testing.T) {
	env := newTestEnv(t)
	base := remoteListing("item-1", "10.00", 5, "rev-a")
	env.store.Seed(pendingListing(base, func(l *domain.Listing) { l.Price = dec("15.00") }))
	env.client.PutListing(remoteListing("item-1", "12.00", 5, "rev-b"))

	for i := 0; i < 2; i++ {
		result, err := env.reconciler.Run(context.Background(), enqueueReconcile(t, env))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Conflicts)
	}

	cases, err := env.conflicts.List(context.Background(), domain.ConflictFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, []string{domain.FieldPrice}, cases[0].ConflictingFields)
	assert.Len(t, env.alerter.Alerts(), 1)
	assert.Equal(t, domain.AlertManualReview, env.alerter.Alerts()[0].Kind)

	l, _ := env.store.Get(context.Background(), "item-1")
	assert.True(t, l.Price.Equal(dec("15.00")), "mirror untouched")
	assert.Equal(t, int64(5), l.LocalVersion)
	assert.Zero(t, env.store.Upserts)
}

func TestReconciler_FullReconcile_ResumesFromSavedPage(t *testing.T) {
	env := newTestEnv(t)
	a := remoteListing("item-a", "1.00", 1, "rev-a")
	b := remoteListing("item-b", "2.00", 1, "rev-b")
	c := remoteListing("item-c", "3.00", 1, "rev-c")
	env.store.Seed(syncedListing(remoteListing("item-z", "9.00", 1, "rev-z"), 1))

	pageCalls := map[string]int{}
	failSecond := true
	env.client.ListListingsFn = func(pageToken string, pageSize int) (*domain.ListingPage, error) {
		pageCalls[pageToken]++
		switch pageToken {
		case "":
			return &domain.ListingPage{Listings: []domain.RemoteListing{*a, *b}, NextPageToken: "2"}, nil
		case "2":
			if failSecond {
				failSecond = false
				return nil, &domain.UpstreamError{StatusCode: http.StatusBadRequest, Message: "bad page"}
			}
			return &domain.ListingPage{Listings: []domain.RemoteListing{*c}}, nil
		}
		return &domain.ListingPage{}, nil
	}

	job := enqueueReconcile(t, env)
	_, err := env.reconciler.Run(context.Background(), job)
	require.Error(t, err)

	saved, err := env.queue.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", saved.PageToken)
	assert.Equal(t, 2, saved.Processed)

	result, err := env.reconciler.Run(context.Background(), saved)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Ended)
	assert.Equal(t, 1, pageCalls[""], "first page not fetched again")

	for _, id := range []string{"item-a", "item-b", "item-c"} {
		l, err := env.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.ListingStatusActive, l.Status, id)
		assert.Equal(t, int64(1), l.LocalVersion, id)
	}
	z, _ := env.store.Get(context.Background(), "item-z")
	assert.Equal(t, domain.ListingStatusEnded, z.Status)
}

func TestReconciler_FullReconcile_RetriesVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed(syncedListing(remoteListing("item-1", "10.00", 1, "rev-a"), 3))
	env.client.PutListing(remoteListing("item-1", "12.00", 1, "rev-b"))

	// A concurrent local write lands between the read and the first upsert.
	raced := false
	inner := env.store
	env.store.UpsertFn = func(l *domain.Listing, expected int64, origin domain.WriteOrigin) (*domain.Listing, error) {
		inner.UpsertFn = nil
		if !raced {
			raced = true
			cur, _ := inner.Get(context.Background(), l.ID)
			if _, err := inner.Upsert(context.Background(), cur, cur.LocalVersion, domain.OriginRemote); err != nil {
				return nil, err
			}
		}
		return inner.Upsert(context.Background(), l, expected, origin)
	}

	result, err := env.reconciler.Run(context.Background(), enqueueReconcile(t, env))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	l, _ := env.store.Get(context.Background(), "item-1")
	assert.True(t, l.Price.Equal(dec("12.00")))
	assert.Equal(t, int64(5), l.LocalVersion)
}

func TestReconciler_RefreshListing(t *testing.T) {
	t.Run("applies remote state", func(t *testing.T) {
		env := newTestEnv(t)
		env.client.PutListing(remoteListing("item-1", "11.00", 2, "rev-a"))

		result, err := env.reconciler.Run(context.Background(), domain.NewRefreshJob("item-1"))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Applied)

		l, err := env.store.Get(context.Background(), "item-1")
		require.NoError(t, err)
		assert.Equal(t, 2, l.Quantity)
	})

	t.Run("missing remotely ends the mirror copy", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.Seed(syncedListing(remoteListing("item-1", "11.00", 2, "rev-a"), 1))

		result, err := env.reconciler.Run(context.Background(), domain.NewRefreshJob("item-1"))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Ended)

		l, _ := env.store.Get(context.Background(), "item-1")
		assert.Equal(t, domain.ListingStatusEnded, l.Status)
	})

	t.Run("upstream outage is retryable", func(t *testing.T) {
		env := newTestEnv(t)
		env.client.GetListingFn = func(string) (*domain.RemoteListing, error) {
			return nil, &domain.UpstreamError{StatusCode: http.StatusServiceUnavailable}
		}

		_, err := env.reconciler.Run(context.Background(), domain.NewRefreshJob("item-1"))
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))
	})
}

func TestReconciler_PushUpdate(t *testing.T) {
	t.Run("pushes pending fields and syncs", func(t *testing.T) {
		env := newTestEnv(t)
		base := remoteListing("item-1", "10.00", 5, "rev-a")
		env.client.PutListing(base)
		env.store.Seed(pendingListing(base, func(l *domain.Listing) { l.Price = dec("15.00") }))

		job := domain.NewPushUpdateJob("item-1", []string{domain.FieldPrice}, 5)
		result, err := env.reconciler.Run(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Pushed)
		assert.Equal(t, 1, env.client.CallCount("UpdateListing"))

		l, err := env.store.Get(context.Background(), "item-1")
		require.NoError(t, err)
		assert.True(t, l.Price.Equal(dec("15.00")))
		assert.False(t, l.HasPendingMutation())
		assert.NotEqual(t, "rev-a", l.RemoteVersion)
	})

	t.Run("nothing pending is a no-op", func(t *testing.T) {
		env := newTestEnv(t)
		base := remoteListing("item-1", "10.00", 5, "rev-a")
		env.client.PutListing(base)
		env.store.Seed(syncedListing(base, 4))

		result, err := env.reconciler.Run(context.Background(), domain.NewPushUpdateJob("item-1", []string{domain.FieldPrice}, 4))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Zero(t, env.client.CallCount("UpdateListing"))
	})

	t.Run("retried job does not push twice", func(t *testing.T) {
		env := newTestEnv(t)
		base := remoteListing("item-1", "10.00", 5, "rev-a")
		env.client.PutListing(base)
		env.store.Seed(pendingListing(base, func(l *domain.Listing) { l.Quantity = 2 }))

		// First attempt pushes, then the mirror write fails.
		failWrite := true
		inner := env.store
		env.store.UpsertFn = func(l *domain.Listing, expected int64, origin domain.WriteOrigin) (*domain.Listing, error) {
			if failWrite {
				failWrite = false
				return nil, domain.ErrInternal
			}
			inner.UpsertFn = nil
			return inner.Upsert(context.Background(), l, expected, origin)
		}

		job := domain.NewPushUpdateJob("item-1", []string{domain.FieldQuantity}, 5)
		_, err := env.reconciler.Run(context.Background(), job)
		require.Error(t, err)

		_, err = env.reconciler.Run(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, 1, env.client.CallCount("UpdateListing"))

		l, _ := env.store.Get(context.Background(), "item-1")
		assert.Equal(t, 2, l.Quantity)
		assert.False(t, l.HasPendingMutation())
	})
}

func TestReconciler_Run_UnknownKind(t *testing.T) {
	env := newTestEnv(t)
	job := domain.NewSyncJob("reindex", domain.ScopeAll, nil)

	_, err := env.reconciler.Run(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReconciler_AcceptRemote(t *testing.T) {
	env := newTestEnv(t)
	base := remoteListing("item-1", "10.00", 5, "rev-a")
	env.store.Seed(pendingListing(base, func(l *domain.Listing) { l.Price = dec("15.00") }))
	env.client.PutListing(remoteListing("item-1", "12.00", 5, "rev-b"))

	require.NoError(t, env.reconciler.AcceptRemote(context.Background(), "item-1"))

	l, _ := env.store.Get(context.Background(), "item-1")
	assert.True(t, l.Price.Equal(dec("12.00")))
	assert.False(t, l.HasPendingMutation())
	assert.WithinDuration(t, time.Now(), *l.LastSyncedAt, time.Minute)
}
