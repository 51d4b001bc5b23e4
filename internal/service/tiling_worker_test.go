package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/model"
	"github.com/target/iview-tiler/internal/mocks"
	"github.com/target/iview-tiler/internal/observability/statsd"
	"github.com/target/iview-tiler/internal/testutil"
)

var sampleResult = model.TileResult{Tiles: 21, Width: 1024, Height: 768, ZoomLevels: 3}

type workerFixture struct {
	repo     *mocks.MemoryTileJobRepository
	resolver *mocks.MockSourceResolver
	tiler    *mocks.MockTiler
	status   *recordingInvalidator
	metrics  *statsd.Recorder
	worker   *TilingWorker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &workerFixture{
		repo:     mocks.NewMemoryTileJobRepository(testutil.TestTime()),
		resolver: mocks.NewMockSourceResolver(ctrl),
		tiler:    mocks.NewMockTiler(ctrl),
		status:   &recordingInvalidator{},
		metrics:  &statsd.Recorder{},
	}
	w, err := NewTilingWorker(TilingWorkerOptions{
		Repo:     f.repo,
		Resolver: f.resolver,
		Tiler:    f.tiler,
		Status:   f.status,
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	f.worker = w
	return f
}

// claim enqueues and claims a job the way the queue would.
func (f *workerFixture) claim(t *testing.T, key model.TileJobKey) model.TileJob {
	t.Helper()
	ctx := context.Background()
	j, err := f.repo.InsertOrReuse(ctx, key)
	require.NoError(t, err)
	claimed, ok, err := f.repo.MarkInProgress(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return *claimed
}

func TestNewTilingWorker_RequiresDependencies(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)

	_, err := NewTilingWorker(TilingWorkerOptions{})
	require.ErrorContains(t, err, "TileJobRepository")
	_, err = NewTilingWorker(TilingWorkerOptions{Repo: repo})
	require.ErrorContains(t, err, "SourceResolver")
	_, err = NewTilingWorker(TilingWorkerOptions{Repo: repo, Resolver: mocks.NewMockSourceResolver(ctrl)})
	require.ErrorContains(t, err, "Tiler")
}

func TestTilingWorker_RunMarksJobDone(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	key := testutil.Key("c1", "scans/a.tif")
	j := f.claim(t, key)

	f.resolver.EXPECT().Resolve(gomock.Any(), key).Return("/images/c1/scans/a.tif", nil)
	f.tiler.EXPECT().
		Tile(gomock.Any(), core.TileRequest{Key: key, SourcePath: "/images/c1/scans/a.tif"}).
		Return(sampleResult, nil)

	require.NoError(t, f.worker.Run(ctx, j))

	got, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TileJobStatusDone, got.Status)
	assert.Equal(t, int64(21), got.Tiles)
	assert.Equal(t, 3, got.ZoomLevels)
	require.NotNil(t, got.Finished)
	assert.Equal(t, []string{"c1"}, f.status.Calls())
	assert.Equal(t, int64(1), f.metrics.Sum("tiling.job.transition", map[string]string{"transition": "complete", "result": "success"}))
}

func TestTilingWorker_ResolveFailureAbandonsJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	key := testutil.Key("c1", "a.tif")
	j := f.claim(t, key)

	f.resolver.EXPECT().Resolve(gomock.Any(), key).Return("", errors.New("no such file"))

	err := f.worker.Run(ctx, j)
	require.ErrorContains(t, err, "resolve source")

	got, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TileJobStatusInProgress, got.Status, "failed jobs stay claimed until reset")
	assert.Empty(t, f.status.Calls())
	assert.Equal(t, int64(1), f.metrics.Sum("tiling.job.transition", map[string]string{"transition": "abandon"}))
}

func TestTilingWorker_TileFailureAbandonsJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	key := testutil.Key("c1", "a.tif")
	j := f.claim(t, key)

	f.resolver.EXPECT().Resolve(gomock.Any(), key).Return("/images/c1/a.tif", nil)
	f.tiler.EXPECT().Tile(gomock.Any(), gomock.Any()).Return(model.TileResult{}, errors.New("corrupt tiff"))

	require.ErrorContains(t, f.worker.Run(ctx, j), "corrupt tiff")

	got, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TileJobStatusInProgress, got.Status)
}

func TestTilingWorker_InvalidResultAbandonsJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	key := testutil.Key("c1", "a.tif")
	j := f.claim(t, key)

	f.resolver.EXPECT().Resolve(gomock.Any(), key).Return("/images/c1/a.tif", nil)
	f.tiler.EXPECT().Tile(gomock.Any(), gomock.Any()).Return(model.TileResult{Tiles: 1}, nil)

	require.ErrorContains(t, f.worker.Run(ctx, j), "invalid result")

	got, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TileJobStatusInProgress, got.Status)
}

func TestTilingWorker_ResetJobDiscardsResult(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	key := testutil.Key("c1", "a.tif")
	j := f.claim(t, key)

	f.resolver.EXPECT().Resolve(gomock.Any(), key).Return("/images/c1/a.tif", nil)
	f.tiler.EXPECT().Tile(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ core.TileRequest) (model.TileResult, error) {
			// A re-enqueue while tiling puts the job back to new.
			_, err := f.repo.InsertOrReuse(ctx, key)
			require.NoError(t, err)
			return sampleResult, nil
		})

	require.NoError(t, f.worker.Run(ctx, j))

	got, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TileJobStatusNew, got.Status)
	assert.Empty(t, f.status.Calls())
	assert.Equal(t, int64(1), f.metrics.Sum("tiling.job.transition", map[string]string{"transition": "complete", "result": "noop"}))
}

func TestTilingWorker_MarkDoneErrorIsReturned(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	resolver := mocks.NewMockSourceResolver(ctrl)
	tiler := mocks.NewMockTiler(ctrl)
	w, err := NewTilingWorker(TilingWorkerOptions{Repo: repo, Resolver: resolver, Tiler: tiler})
	require.NoError(t, err)

	j := model.TileJob{ID: "job-1", CollectionID: "c1", Path: "a.tif", Status: model.TileJobStatusInProgress}
	resolver.EXPECT().Resolve(gomock.Any(), j.Key()).Return("/images/c1/a.tif", nil)
	tiler.EXPECT().Tile(gomock.Any(), gomock.Any()).Return(sampleResult, nil)
	repo.EXPECT().MarkDone(gomock.Any(), "job-1", sampleResult).Return(false, errors.New("db down"))

	require.ErrorContains(t, w.Run(context.Background(), j), "mark tile job job-1 done")
}
