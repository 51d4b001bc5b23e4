// Package job holds the in-process coordination primitives of the tiling pipeline.
package job

import (
	"context"
	"sync"
	"time"
)

// Signal is a broadcast wake-up with generation counting.
//
// A waiter records Generation before checking for work and passes it to Wait;
// any Broadcast after that point makes Wait return immediately, so a
// notification that races with the check is never lost.
type Signal struct {
	mu  sync.Mutex
	gen uint64
	ch  chan struct{}
}

// NewSignal returns a ready Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Generation returns the number of broadcasts so far.
func (s *Signal) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Broadcast wakes every current waiter.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	close(s.ch)
	s.ch = make(chan struct{})
}

// Wait blocks until a broadcast newer than since, the timeout, or ctx cancellation.
// It reports whether a broadcast ended the wait. A non-positive timeout only checks the generation.
func (s *Signal) Wait(ctx context.Context, since uint64, timeout time.Duration) bool {
	s.mu.Lock()
	if s.gen > since {
		s.mu.Unlock()
		return true
	}
	ch := s.ch
	s.mu.Unlock()

	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
