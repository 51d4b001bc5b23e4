package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/iview-tiler/internal/domain/job"
	"github.com/target/iview-tiler/internal/domain/model"
	"github.com/target/iview-tiler/internal/mocks"
	"github.com/target/iview-tiler/internal/observability/statsd"
	"github.com/target/iview-tiler/internal/testutil"
)

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) NotifyWork() { c.n.Add(1) }

func mustPolicy(t *testing.T, threshold, period time.Duration) *job.StalePolicy {
	t.Helper()
	p, err := job.NewStalePolicy(threshold, period)
	require.NoError(t, err)
	return p
}

func TestNewStalledJobResetter_Validation(t *testing.T) {
	_, err := NewStalledJobResetter(StalledJobResetterOptions{})
	require.Error(t, err)

	repo := mocks.NewMemoryTileJobRepository(testutil.TestTime())
	_, err = NewStalledJobResetter(StalledJobResetterOptions{Repo: repo})
	require.ErrorContains(t, err, "StalePolicy")
}

func TestStalledJobResetter_ResetsAbandonedJob(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewMemoryTileJobRepository(testutil.TestTime())
	q, err := NewTilingQueue(TilingQueueOptions{Repo: repo})
	require.NoError(t, err)
	notifier := &countingNotifier{}
	rec := &statsd.Recorder{}

	r, err := NewStalledJobResetter(StalledJobResetterOptions{
		Repo:     repo,
		Policy:   mustPolicy(t, 60*time.Second, 0),
		Notifier: notifier,
		Clock:    repo.Now,
		Metrics:  rec,
	})
	require.NoError(t, err)

	key := testutil.Key("c1", "a.tif")
	_, err = q.Enqueue(ctx, key)
	require.NoError(t, err)
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	firstStart := *first.Started

	repo.Advance(59 * time.Second)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "job is not stale before the threshold")
	assert.Zero(t, notifier.n.Load())

	repo.Advance(2 * time.Second)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), notifier.n.Load())

	reset, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TileJobStatusNew, reset.Status)
	assert.Nil(t, reset.Started)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	require.NotNil(t, again.Started)
	assert.True(t, again.Started.After(firstStart))

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a freshly reclaimed job is not stale")
	assert.Equal(t, int64(1), rec.Sum("tiling.job.transition", map[string]string{"transition": "reset"}))
	assert.Equal(t, int64(3), rec.Sum("tiling.resetter.sweep", nil))
}

func TestStalledJobResetter_ThresholdIsInclusive(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewMemoryTileJobRepository(testutil.TestTime())
	r, err := NewStalledJobResetter(StalledJobResetterOptions{
		Repo:   repo,
		Policy: mustPolicy(t, time.Minute, 0),
		Clock:  repo.Now,
	})
	require.NoError(t, err)

	j, err := repo.InsertOrReuse(ctx, testutil.Key("c1", "a.tif"))
	require.NoError(t, err)
	_, ok, err := repo.MarkInProgress(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	repo.Advance(time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStalledJobResetter_SweepError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	notifier := &countingNotifier{}
	rec := &statsd.Recorder{}
	now := testutil.TestTime()

	r, err := NewStalledJobResetter(StalledJobResetterOptions{
		Repo:     repo,
		Policy:   mustPolicy(t, time.Minute, 0),
		Notifier: notifier,
		Clock:    func() time.Time { return now },
		Metrics:  rec,
	})
	require.NoError(t, err)

	repo.EXPECT().ResetStaleInProgress(gomock.Any(), now.Add(-time.Minute)).Return(int64(0), errors.New("db down"))

	_, err = r.Sweep(context.Background())
	require.ErrorContains(t, err, "reset stale tile jobs")
	assert.Zero(t, notifier.n.Load())
	assert.Equal(t, int64(1), rec.Sum("tiling.resetter.sweep", map[string]string{"result": "error"}))
}

func TestStalledJobResetter_RunSweepsImmediatelyAndStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)

	r, err := NewStalledJobResetter(StalledJobResetterOptions{
		Repo:   repo,
		Policy: mustPolicy(t, time.Hour, time.Hour),
	})
	require.NoError(t, err)

	swept := make(chan struct{})
	repo.EXPECT().ResetStaleInProgress(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, time.Time) (int64, error) {
			close(swept)
			return 0, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Jitter is at most a tenth of the period, so trigger shutdown if the first sweep is delayed.
	select {
	case <-swept:
	case <-time.After(200 * time.Millisecond):
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("resetter did not stop")
	}
}
