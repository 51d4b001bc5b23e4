package data

import (
	"sync"
	"time"
)

// TimeProvider supplies the timestamps written to job records so tests can control the clock.
type TimeProvider interface {
	Now() time.Time
}

// storePrecision matches PostgreSQL timestamptz so written and re-read times compare equal.
const storePrecision = time.Microsecond

// RealTimeProvider reads the system clock in UTC.
type RealTimeProvider struct{}

// Now returns the current UTC time at store precision.
func (RealTimeProvider) Now() time.Time {
	return time.Now().UTC().Truncate(storePrecision)
}

// FixedTimeProvider is a manually advanced clock for tests. It is safe for concurrent use.
type FixedTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedTimeProvider starts the clock at t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{now: t.UTC().Truncate(storePrecision)}
}

// Now returns the current fixed time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AddTime advances the clock by d.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d).Truncate(storePrecision)
}
