package job

import (
	"errors"
	"time"

	"github.com/target/iview-tiler/internal/domain/model"
)

// ErrInvalidStaleThreshold indicates the staleness threshold is not positive.
var ErrInvalidStaleThreshold = errors.New("stale threshold must be positive")

// minSweepPeriod keeps a misconfigured resetter from hammering the store.
const minSweepPeriod = time.Second

// StalePolicy decides when an in-progress job counts as abandoned and how often to sweep for them.
type StalePolicy struct {
	threshold time.Duration
	period    time.Duration
}

// NewStalePolicy builds a policy. A non-positive period defaults to the threshold.
func NewStalePolicy(threshold, period time.Duration) (*StalePolicy, error) {
	if threshold <= 0 {
		return nil, ErrInvalidStaleThreshold
	}
	if period <= 0 {
		period = threshold
	}
	if period < minSweepPeriod {
		period = minSweepPeriod
	}
	return &StalePolicy{threshold: threshold, period: period}, nil
}

// Threshold returns how long a job may stay in progress.
func (p *StalePolicy) Threshold() time.Duration {
	if p == nil {
		return 0
	}
	return p.threshold
}

// Period returns the sweep interval.
func (p *StalePolicy) Period() time.Duration {
	if p == nil {
		return 0
	}
	return p.period
}

// Cutoff returns the latest start time that is considered stale at now.
func (p *StalePolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.threshold)
}

// IsStale reports whether job has been in progress for at least the threshold.
func (p *StalePolicy) IsStale(job model.TileJob, now time.Time) bool {
	if job.Status != model.TileJobStatusInProgress || job.Started == nil {
		return false
	}
	return !job.Started.After(p.Cutoff(now))
}
