package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/iview-tiler/internal/core"
	apperrors "github.com/target/iview-tiler/internal/errors"
)

// DefaultStatusTTL bounds how long a cached "fully tiled" answer is trusted.
const DefaultStatusTTL = 30 * time.Second

const (
	statusKeyPrefix = "status:"
	statusTiled     = "1"
	statusPending   = "0"
)

// TilingStatusServiceOptions groups dependencies for TilingStatusService.
type TilingStatusServiceOptions struct {
	Repo   core.TileJobRepository // Required
	Cache  core.CacheRepository   // Optional: answers are computed on every call without it
	TTL    time.Duration          // Optional: defaults to DefaultStatusTTL
	Logger *slog.Logger           // Optional
}

// TilingStatusService answers whether every image of a collection has been tiled.
// Cache failures are logged and never fail the call.
type TilingStatusService struct {
	repo   core.TileJobRepository
	cache  core.CacheRepository
	ttl    time.Duration
	logger *slog.Logger
}

// NewTilingStatusService constructs a TilingStatusService.
func NewTilingStatusService(opts TilingStatusServiceOptions) (*TilingStatusService, error) {
	if opts.Repo == nil {
		return nil, errors.New("TileJobRepository is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TilingStatusService{
		repo:   opts.Repo,
		cache:  opts.Cache,
		ttl:    ttl,
		logger: logger.With("component", "tiling_status"),
	}, nil
}

// IsFullyTiled reports whether the collection has no new or in-progress jobs.
func (s *TilingStatusService) IsFullyTiled(ctx context.Context, collectionID string) (bool, error) {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" {
		return false, apperrors.Validationf("collection id is required")
	}

	if cached, ok := s.lookup(ctx, collectionID); ok {
		return cached, nil
	}

	n, err := s.repo.CountUnfinished(ctx, collectionID)
	if err != nil {
		return false, fmt.Errorf("count unfinished tile jobs for %s: %w", collectionID, err)
	}
	tiled := n == 0
	s.store(ctx, collectionID, tiled)
	return tiled, nil
}

// Invalidate drops the cached answer for a collection.
func (s *TilingStatusService) Invalidate(ctx context.Context, collectionID string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Delete(ctx, statusKeyPrefix+collectionID); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate tiling status", "collection_id", collectionID, "error", err)
	}
}

func (s *TilingStatusService) lookup(ctx context.Context, collectionID string) (bool, bool) {
	if s.cache == nil {
		return false, false
	}
	raw, err := s.cache.Get(ctx, statusKeyPrefix+collectionID)
	if err != nil {
		s.logger.WarnContext(ctx, "tiling status cache read failed", "collection_id", collectionID, "error", err)
		return false, false
	}
	switch string(raw) {
	case statusTiled:
		return true, true
	case statusPending:
		return false, true
	default:
		return false, false
	}
}

func (s *TilingStatusService) store(ctx context.Context, collectionID string, tiled bool) {
	if s.cache == nil {
		return
	}
	v := statusPending
	if tiled {
		v = statusTiled
	}
	if err := s.cache.Set(ctx, statusKeyPrefix+collectionID, []byte(v), s.ttl); err != nil {
		s.logger.WarnContext(ctx, "tiling status cache write failed", "collection_id", collectionID, "error", err)
	}
}
