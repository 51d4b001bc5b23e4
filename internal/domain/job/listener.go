package job

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrWaiterRequired indicates a listener cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("listener waiter is required")

// Waiter blocks until another process announces new tile jobs.
type Waiter interface {
	WaitForNotification(ctx context.Context) error
}

// ListenerOptions configure a Listener.
type ListenerOptions struct {
	Waiter Waiter
	// OnNotify runs after every received notification.
	OnNotify func()
	// WaitWindow bounds one LISTEN round so connections are recycled.
	WaitWindow time.Duration
	// Backoff is the pause after a failed wait.
	Backoff time.Duration
	Logger  *slog.Logger
}

// Listener relays cross-process job notifications into the local wake-up path.
type Listener struct {
	waiter     Waiter
	onNotify   func()
	waitWindow time.Duration
	backoff    time.Duration
	logger     *slog.Logger
}

// NewListener constructs a Listener.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	onNotify := opts.OnNotify
	if onNotify == nil {
		onNotify = func() {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		waiter:     opts.Waiter,
		onNotify:   onNotify,
		waitWindow: waitWindow,
		backoff:    backoff,
		logger:     logger.With("component", "tile_job_listener"),
	}, nil
}

// Run listens until ctx is cancelled. It always returns nil.
func (l *Listener) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, l.waitWindow)
		err := l.waiter.WaitForNotification(waitCtx)
		windowElapsed := waitCtx.Err() != nil
		cancel()

		switch {
		case err == nil:
			l.onNotify()
		case ctx.Err() != nil:
			return nil
		case windowElapsed:
			// quiet window; listen again
		default:
			l.logger.WarnContext(ctx, "wait for tile job notification failed", "error", err)
			if !sleep(ctx, l.backoff) {
				return nil
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
