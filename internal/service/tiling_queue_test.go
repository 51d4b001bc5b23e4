package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"
	"github.com/target/iview-tiler/internal/mocks"
	"github.com/target/iview-tiler/internal/observability/statsd"
	"github.com/target/iview-tiler/internal/testutil"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, collectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, collectionID)
}

func (r *recordingInvalidator) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newMemoryQueue(t *testing.T) (*TilingQueue, *mocks.MemoryTileJobRepository) {
	t.Helper()
	repo := mocks.NewMemoryTileJobRepository(testutil.TestTime())
	q, err := NewTilingQueue(TilingQueueOptions{Repo: repo})
	require.NoError(t, err)
	return q, repo
}

func TestNewTilingQueue_RequiresRepo(t *testing.T) {
	_, err := NewTilingQueue(TilingQueueOptions{})
	require.Error(t, err)
}

func TestTilingQueue_EnqueueTwiceKeepsOneNewJob(t *testing.T) {
	ctx := context.Background()
	q, repo := newMemoryQueue(t)
	status := &recordingInvalidator{}
	q.status = status

	key := testutil.Key("c1", "a.tif")
	ok, err := q.Enqueue(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Enqueue(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	all := repo.All()
	require.Len(t, all, 1)
	assert.Equal(t, model.TileJobStatusNew, all[0].Status)
	assert.Equal(t, []string{"c1", "c1"}, status.Calls())

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestTilingQueue_EnqueueRejectsInvalidKey(t *testing.T) {
	q, _ := newMemoryQueue(t)

	_, err := q.Enqueue(context.Background(), testutil.Key("", "a.tif"))
	require.ErrorIs(t, err, model.ErrInvalidTileJobKey)
}

func TestTilingQueue_DequeueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q, repo := newMemoryQueue(t)

	for _, p := range []string{"a.tif", "b.tif", "c.tif"} {
		_, err := q.Enqueue(ctx, testutil.Key("c1", p))
		require.NoError(t, err)
		repo.Advance(time.Second)
	}

	var got []string
	for {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if j == nil {
			break
		}
		assert.Equal(t, model.TileJobStatusInProgress, j.Status)
		require.NotNil(t, j.Started)
		got = append(got, j.Path)
	}
	assert.Equal(t, []string{"a.tif", "b.tif", "c.tif"}, got)
}

func TestTilingQueue_DequeueReturnsCopies(t *testing.T) {
	ctx := context.Background()
	q, repo := newMemoryQueue(t)
	_, err := q.Enqueue(ctx, testutil.Key("c1", "a.tif"))
	require.NoError(t, err)

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	j.Path = "mutated"

	assert.Equal(t, "a.tif", repo.All()[0].Path)
}

func TestTilingQueue_DequeueSkipsVanishedJob(t *testing.T) {
	ctx := context.Background()
	q, repo := newMemoryQueue(t)
	_, err := q.Enqueue(ctx, testutil.Key("c1", "a.tif"))
	require.NoError(t, err)
	repo.Advance(time.Second)
	_, err = q.Enqueue(ctx, testutil.Key("c1", "b.tif"))
	require.NoError(t, err)

	removed := false
	repo.ClaimHook = func(string) {
		if !removed {
			removed = true
			_, _ = repo.DeleteByKey(ctx, testutil.Key("c1", "a.tif"))
		}
	}

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "b.tif", j.Path)
}

func TestTilingQueue_DequeueSkipsRetryableClaimConflict(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	rec := &statsd.Recorder{}
	q, err := NewTilingQueue(TilingQueueOptions{Repo: repo, PrefetchSize: 5, Metrics: rec})
	require.NoError(t, err)

	now := testutil.TestTime()
	a := model.TileJob{ID: "a", CollectionID: "c1", Path: "a.tif", Status: model.TileJobStatusNew, Added: now}
	b := model.TileJob{ID: "b", CollectionID: "c1", Path: "b.tif", Status: model.TileJobStatusNew, Added: now}
	claimedB := b
	claimedB.Status = model.TileJobStatusInProgress
	claimedB.Started = &now

	gomock.InOrder(
		repo.EXPECT().ListNew(gomock.Any(), 5).Return([]model.TileJob{a, b}, nil),
		repo.EXPECT().MarkInProgress(gomock.Any(), "a").
			Return(nil, false, apperrors.RetryableConflict(errors.New("serialization failure"), "claim conflict")),
		repo.EXPECT().MarkInProgress(gomock.Any(), "b").Return(&claimedB, true, nil),
	)

	j, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "b", j.ID)
	assert.Equal(t, int64(1), rec.Sum("tiling.job.transition", map[string]string{"transition": "claim", "result": "success"}))
}

func TestTilingQueue_DequeueSurfacesStoreErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	q, err := NewTilingQueue(TilingQueueOptions{Repo: repo})
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
	}{
		{name: "unclassified", err: errors.New("connection reset")},
		{name: "unavailable", err: apperrors.MapDBError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo.EXPECT().ListNew(gomock.Any(), DefaultPrefetchSize).
				Return([]model.TileJob{{ID: "a", CollectionID: "c1", Path: "a.tif"}, {ID: "b", CollectionID: "c1", Path: "b.tif"}}, nil)
			repo.EXPECT().MarkInProgress(gomock.Any(), "a").Return(nil, false, tt.err)

			j, err := q.Dequeue(context.Background())
			require.ErrorIs(t, err, tt.err)
			assert.Nil(t, j)

			// Drop the remaining candidate so the next case prefetches again.
			repo.EXPECT().MarkInProgress(gomock.Any(), "b").Return(nil, false, nil)
			repo.EXPECT().ListNew(gomock.Any(), DefaultPrefetchSize).Return(nil, nil)
			j, err = q.Dequeue(context.Background())
			require.NoError(t, err)
			assert.Nil(t, j)
		})
	}
}

func TestTilingQueue_DequeuePrefetchesAtMostOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	q, err := NewTilingQueue(TilingQueueOptions{Repo: repo})
	require.NoError(t, err)

	repo.EXPECT().ListNew(gomock.Any(), DefaultPrefetchSize).
		Return([]model.TileJob{{ID: "a", CollectionID: "c1", Path: "a.tif"}}, nil).
		Times(1)
	repo.EXPECT().MarkInProgress(gomock.Any(), "a").Return(nil, false, nil)

	j, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j, "a lost claim with an exhausted prefetch means no work this round")
}

func TestTilingQueue_DequeuePrefetchError(t *testing.T) {
	q, repo := newMemoryQueue(t)
	repo.ListNewErr = errors.New("db down")

	_, err := q.Dequeue(context.Background())
	require.ErrorContains(t, err, "prefetch tile jobs")
}

func TestTilingQueue_RemovePurgesCache(t *testing.T) {
	ctx := context.Background()
	q, repo := newMemoryQueue(t)
	for _, p := range []string{"a.tif", "b.tif", "c.tif"} {
		_, err := q.Enqueue(ctx, testutil.Key("c1", p))
		require.NoError(t, err)
		repo.Advance(time.Second)
	}

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a.tif", j.Path)

	n, err := q.RemoveJob(ctx, testutil.Key("c1", "b.tif"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	head, err := q.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "c.tif", head.Path)

	n, err = q.RemoveJob(ctx, testutil.Key("c1", "missing.tif"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTilingQueue_RemoveAllJobsForCollection(t *testing.T) {
	ctx := context.Background()
	q, repo := newMemoryQueue(t)
	status := &recordingInvalidator{}
	q.status = status

	for _, k := range []model.TileJobKey{
		testutil.Key("c1", "a.tif"),
		testutil.Key("c1", "b.tif"),
		testutil.Key("c2", "a.tif"),
	} {
		_, err := q.Enqueue(ctx, k)
		require.NoError(t, err)
	}

	n, err := q.RemoveAllJobsForCollection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all := repo.All()
	require.Len(t, all, 1)
	assert.Equal(t, "c2", all[0].CollectionID)
	assert.Contains(t, status.Calls(), "c1")

	_, err = q.RemoveAllJobsForCollection(ctx, "  ")
	require.True(t, apperrors.IsValidation(err))
}

func TestTilingQueue_ShutdownMakesOperationsNoops(t *testing.T) {
	ctx := context.Background()
	q, repo := newMemoryQueue(t)
	_, err := q.Enqueue(ctx, testutil.Key("c1", "a.tif"))
	require.NoError(t, err)

	q.Shutdown()
	q.Shutdown()
	assert.False(t, q.Running())

	ok, err := q.Enqueue(ctx, testutil.Key("c1", "b.tif"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, repo.All(), 1)

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)

	start := time.Now()
	assert.False(t, q.WaitForWork(ctx, time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTilingQueue_WaitForWorkSeesEnqueueBeforeWait(t *testing.T) {
	ctx := context.Background()
	q, _ := newMemoryQueue(t)

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, j)

	// Work arrives between the empty dequeue and the wait.
	_, err = q.Enqueue(ctx, testutil.Key("c1", "a.tif"))
	require.NoError(t, err)

	start := time.Now()
	assert.True(t, q.WaitForWork(ctx, 5*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTilingQueue_WaitForWorkWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newMemoryQueue(t)
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	woke := make(chan bool, 1)
	go func() { woke <- q.WaitForWork(ctx, 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	_, err = q.Enqueue(ctx, testutil.Key("c1", "a.tif"))
	require.NoError(t, err)

	select {
	case got := <-woke:
		assert.True(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by enqueue")
	}
}

func TestTilingQueue_WaitForWorkTimesOut(t *testing.T) {
	q, _ := newMemoryQueue(t)
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	assert.False(t, q.WaitForWork(context.Background(), 20*time.Millisecond))
}

func TestTilingQueue_ShutdownReleasesWaiters(t *testing.T) {
	q, _ := newMemoryQueue(t)
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	woke := make(chan bool, 1)
	go func() { woke <- q.WaitForWork(context.Background(), 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	select {
	case got := <-woke:
		assert.False(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not release waiter")
	}
}
