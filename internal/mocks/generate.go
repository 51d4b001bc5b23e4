// Package mocks provides gomock doubles for the ports in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockTileJobRepository(ctrl)
//	repo.EXPECT().ListNew(gomock.Any(), 20).Return(nil, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=tile_job_repository_mock.go github.com/target/iview-tiler/internal/core TileJobRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=tiler_mock.go github.com/target/iview-tiler/internal/core Tiler
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=source_resolver_mock.go github.com/target/iview-tiler/internal/core SourceResolver
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/target/iview-tiler/internal/core CacheRepository
