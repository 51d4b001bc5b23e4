package mocks

// Hand-written in-memory store for service tests that need real queue semantics
// rather than scripted expectations.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/model"
)

var _ core.TileJobRepository = (*MemoryTileJobRepository)(nil)

// MemoryTileJobRepository implements core.TileJobRepository in memory with a controllable clock.
type MemoryTileJobRepository struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	jobs   map[string]*model.TileJob

	// ListNewErr, when set, is returned by ListNew.
	ListNewErr error
	// ClaimHook runs before MarkInProgress inspects the job; tests use it to simulate races.
	ClaimHook func(id string)
}

// NewMemoryTileJobRepository returns an empty store whose clock starts at start.
func NewMemoryTileJobRepository(start time.Time) *MemoryTileJobRepository {
	return &MemoryTileJobRepository{now: start.UTC(), jobs: make(map[string]*model.TileJob)}
}

// Now returns the store clock.
func (r *MemoryTileJobRepository) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Advance moves the store clock forward.
func (r *MemoryTileJobRepository) Advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = r.now.Add(d)
}

// All returns copies of every stored job ordered by id.
func (r *MemoryTileJobRepository) All() []model.TileJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TileJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (r *MemoryTileJobRepository) InsertOrReuse(_ context.Context, key model.TileJobKey) (*model.TileJob, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range r.jobs {
		if j.Key() == key && j.Status != model.TileJobStatusDone {
			j.Status = model.TileJobStatusNew
			j.Started = nil
			cp := *j
			return &cp, nil
		}
	}

	r.nextID++
	j := &model.TileJob{
		ID:           fmt.Sprintf("job-%04d", r.nextID),
		CollectionID: key.CollectionID,
		Path:         key.Path,
		Status:       model.TileJobStatusNew,
		Added:        r.now,
	}
	r.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (r *MemoryTileJobRepository) MarkInProgress(_ context.Context, id string) (*model.TileJob, bool, error) {
	if r.ClaimHook != nil {
		r.ClaimHook(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != model.TileJobStatusNew {
		return nil, false, nil
	}
	started := r.now
	j.Status = model.TileJobStatusInProgress
	j.Started = &started
	cp := *j
	return &cp, true, nil
}

func (r *MemoryTileJobRepository) MarkDone(_ context.Context, id string, result model.TileResult) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != model.TileJobStatusInProgress {
		return false, nil
	}
	finished := r.now
	j.Status = model.TileJobStatusDone
	j.Finished = &finished
	j.Tiles, j.Width, j.Height, j.ZoomLevels = result.Tiles, result.Width, result.Height, result.ZoomLevels
	return true, nil
}

func (r *MemoryTileJobRepository) ResetStaleInProgress(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if j.Status == model.TileJobStatusInProgress && j.Started != nil && !j.Started.After(olderThan) {
			j.Status = model.TileJobStatusNew
			j.Started = nil
			n++
		}
	}
	return n, nil
}

func (r *MemoryTileJobRepository) DeleteByKey(_ context.Context, key model.TileJobKey) (int64, error) {
	return r.deleteWhere(func(j *model.TileJob) bool { return j.Key() == key }), nil
}

func (r *MemoryTileJobRepository) DeleteByCollection(_ context.Context, collectionID string) (int64, error) {
	return r.deleteWhere(func(j *model.TileJob) bool { return j.CollectionID == collectionID }), nil
}

func (r *MemoryTileJobRepository) deleteWhere(match func(*model.TileJob) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.jobs {
		if match(j) {
			delete(r.jobs, id)
			n++
		}
	}
	return n
}

func (r *MemoryTileJobRepository) ListNew(_ context.Context, limit int) ([]model.TileJob, error) {
	if r.ListNewErr != nil {
		return nil, r.ListNewErr
	}
	return r.list(model.TileJobStatusNew, limit, func(a, b model.TileJob) bool {
		if !a.Added.Equal(b.Added) {
			return a.Added.Before(b.Added)
		}
		return a.ID < b.ID
	}), nil
}

func (r *MemoryTileJobRepository) ListInProgress(_ context.Context, limit int) ([]model.TileJob, error) {
	return r.list(model.TileJobStatusInProgress, limit, func(a, b model.TileJob) bool {
		return a.Started.Before(*b.Started)
	}), nil
}

func (r *MemoryTileJobRepository) list(status model.TileJobStatus, limit int, less func(a, b model.TileJob) bool) []model.TileJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TileJob
	for _, j := range r.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryTileJobRepository) CountNew(_ context.Context) (int64, error) {
	stats, _ := r.Stats(context.Background())
	return stats.New, nil
}

func (r *MemoryTileJobRepository) CountUnfinished(_ context.Context, collectionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.CollectionID == collectionID && j.Status != model.TileJobStatusDone {
			n++
		}
	}
	return n, nil
}

func (r *MemoryTileJobRepository) Get(_ context.Context, key model.TileJobKey) (*model.TileJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.TileJob
	for _, j := range r.jobs {
		if j.Key() != key {
			continue
		}
		if best == nil ||
			(best.Status == model.TileJobStatusDone && j.Status != model.TileJobStatusDone) ||
			(best.Status == j.Status && j.Added.After(best.Added)) {
			best = j
		}
	}
	if best == nil {
		return nil, model.ErrTileJobNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *MemoryTileJobRepository) Stats(_ context.Context) (*model.TileJobStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s model.TileJobStats
	for _, j := range r.jobs {
		switch j.Status {
		case model.TileJobStatusNew:
			s.New++
		case model.TileJobStatusInProgress:
			s.InProgress++
		case model.TileJobStatusDone:
			s.Done++
		}
	}
	return &s, nil
}
