package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/target/iview-tiler/internal/errors"
	"github.com/target/iview-tiler/internal/mocks"
	"github.com/target/iview-tiler/internal/testutil"
)

func TestTilingStatusService_WithoutCache(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewMemoryTileJobRepository(testutil.TestTime())
	svc, err := NewTilingStatusService(TilingStatusServiceOptions{Repo: repo})
	require.NoError(t, err)

	tiled, err := svc.IsFullyTiled(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, tiled, "an empty collection is fully tiled")

	j, err := repo.InsertOrReuse(ctx, testutil.Key("c1", "a.tif"))
	require.NoError(t, err)
	tiled, err = svc.IsFullyTiled(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, tiled)

	_, _, err = repo.MarkInProgress(ctx, j.ID)
	require.NoError(t, err)
	_, err = repo.MarkDone(ctx, j.ID, sampleResult)
	require.NoError(t, err)
	tiled, err = svc.IsFullyTiled(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, tiled)

	_, err = svc.IsFullyTiled(ctx, " ")
	require.True(t, apperrors.IsValidation(err))
}

func TestTilingStatusService_CacheHit(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	cache := mocks.NewMockCacheRepository(ctrl)
	svc, err := NewTilingStatusService(TilingStatusServiceOptions{Repo: repo, Cache: cache})
	require.NoError(t, err)

	cache.EXPECT().Get(gomock.Any(), "status:c1").Return([]byte("1"), nil)

	tiled, err := svc.IsFullyTiled(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, tiled)
}

func TestTilingStatusService_CacheMissStoresAnswer(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	cache := mocks.NewMockCacheRepository(ctrl)
	svc, err := NewTilingStatusService(TilingStatusServiceOptions{Repo: repo, Cache: cache, TTL: time.Minute})
	require.NoError(t, err)

	gomock.InOrder(
		cache.EXPECT().Get(gomock.Any(), "status:c1").Return(nil, nil),
		repo.EXPECT().CountUnfinished(gomock.Any(), "c1").Return(int64(3), nil),
		cache.EXPECT().Set(gomock.Any(), "status:c1", []byte("0"), time.Minute).Return(nil),
	)

	tiled, err := svc.IsFullyTiled(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, tiled)
}

func TestTilingStatusService_CacheFailuresAreIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	cache := mocks.NewMockCacheRepository(ctrl)
	svc, err := NewTilingStatusService(TilingStatusServiceOptions{Repo: repo, Cache: cache})
	require.NoError(t, err)

	cache.EXPECT().Get(gomock.Any(), "status:c1").Return(nil, errors.New("redis down"))
	repo.EXPECT().CountUnfinished(gomock.Any(), "c1").Return(int64(0), nil)
	cache.EXPECT().Set(gomock.Any(), "status:c1", []byte("1"), DefaultStatusTTL).Return(errors.New("redis down"))
	cache.EXPECT().Delete(gomock.Any(), "status:c1").Return(false, errors.New("redis down"))

	tiled, err := svc.IsFullyTiled(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, tiled)

	svc.Invalidate(context.Background(), "c1")
}

func TestTilingStatusService_StoreErrorIsReturned(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTileJobRepository(ctrl)
	svc, err := NewTilingStatusService(TilingStatusServiceOptions{Repo: repo})
	require.NoError(t, err)

	repo.EXPECT().CountUnfinished(gomock.Any(), "c1").Return(int64(0), errors.New("db down"))

	_, err = svc.IsFullyTiled(context.Background(), "c1")
	require.ErrorContains(t, err, "count unfinished tile jobs")
}

func TestTilingStatusService_EnqueueInvalidatesCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCacheRepository(ctrl)
	repo := mocks.NewMemoryTileJobRepository(testutil.TestTime())
	svc, err := NewTilingStatusService(TilingStatusServiceOptions{Repo: repo, Cache: cache})
	require.NoError(t, err)
	q, err := NewTilingQueue(TilingQueueOptions{Repo: repo, Status: svc})
	require.NoError(t, err)

	cache.EXPECT().Delete(gomock.Any(), "status:c1").Return(true, nil)

	_, err = q.Enqueue(context.Background(), testutil.Key("c1", "a.tif"))
	require.NoError(t, err)
}
