package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/iview-tiler/internal/domain/model"
	"github.com/target/iview-tiler/internal/observability/statsd"
	"golang.org/x/sync/semaphore"
)

// Defaults for TilingMasterOptions.
const (
	DefaultBusyWait        = 250 * time.Millisecond
	DefaultIdleWait        = MaxIdleWait
	DefaultErrorBackoff    = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	// forcedStopGrace is how long Stop waits for workers after cancelling them.
	forcedStopGrace = 5 * time.Second
)

// ErrMasterRunning is returned by Start when the master is not stopped.
var ErrMasterRunning = errors.New("tiling master already running")

// MasterState is the lifecycle state of a TilingMaster.
type MasterState int32

const (
	MasterStopped MasterState = iota
	MasterRunning
	MasterStopping
)

func (s MasterState) String() string {
	switch s {
	case MasterStopped:
		return "stopped"
	case MasterRunning:
		return "running"
	case MasterStopping:
		return "stopping"
	default:
		return fmt.Sprintf("MasterState(%d)", int32(s))
	}
}

// TileJobRunner executes one claimed job.
type TileJobRunner interface {
	Run(ctx context.Context, j model.TileJob) error
}

// BackgroundTask runs alongside the scheduling loop until its context ends.
type BackgroundTask interface {
	Run(ctx context.Context) error
}

// TilingMasterOptions groups dependencies and tuning for TilingMaster.
type TilingMasterOptions struct {
	Queue  *TilingQueue  // Required
	Runner TileJobRunner // Required: usually a *TilingWorker
	// Background tasks such as the stalled job resetter share the master's lifetime.
	Background []BackgroundTask

	Workers         int           // Required: pool capacity
	IdleWait        time.Duration // Optional: wait when the queue is empty
	BusyWait        time.Duration // Optional: re-check interval when the pool is full
	ErrorBackoff    time.Duration // Optional: wait after a failed dequeue
	ShutdownTimeout time.Duration // Optional: graceful wait for in-flight jobs

	Logger  *slog.Logger // Optional
	Metrics statsd.Sink  // Optional
}

// TilingMaster owns the bounded worker pool and the scheduling loop.
//
// Admission control: a job is dequeued only after a pool slot has been
// acquired, so the master never claims more jobs than it can run.
type TilingMaster struct {
	queue      *TilingQueue
	runner     TileJobRunner
	background []BackgroundTask

	workers         int
	idleWait        time.Duration
	busyWait        time.Duration
	errorBackoff    time.Duration
	shutdownTimeout time.Duration

	logger  *slog.Logger
	metrics statsd.Sink

	mu            sync.Mutex
	state         MasterState
	sem           *semaphore.Weighted
	cancelLoop    context.CancelFunc
	cancelWorkers context.CancelFunc
	loopDone      chan struct{}
	backgroundWG  sync.WaitGroup
	workersWG     sync.WaitGroup

	active    atomic.Int64
	slotFreed chan struct{}
}

// NewTilingMaster validates options and constructs a stopped TilingMaster.
func NewTilingMaster(opts TilingMasterOptions) (*TilingMaster, error) {
	if opts.Queue == nil {
		return nil, ErrQueueRequired
	}
	if opts.Runner == nil {
		return nil, errors.New("TileJobRunner is required")
	}
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", opts.Workers)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TilingMaster{
		queue:           opts.Queue,
		runner:          opts.Runner,
		background:      opts.Background,
		workers:         opts.Workers,
		idleWait:        durationOr(opts.IdleWait, DefaultIdleWait),
		busyWait:        durationOr(opts.BusyWait, DefaultBusyWait),
		errorBackoff:    durationOr(opts.ErrorBackoff, DefaultErrorBackoff),
		shutdownTimeout: durationOr(opts.ShutdownTimeout, DefaultShutdownTimeout),
		logger:          logger.With("component", "tiling_master"),
		metrics:         opts.Metrics,
		slotFreed:       make(chan struct{}, 1),
	}, nil
}

// State returns the current lifecycle state.
func (m *TilingMaster) State() MasterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveWorkers returns the number of jobs currently executing.
func (m *TilingMaster) ActiveWorkers() int64 {
	return m.active.Load()
}

// Start launches the scheduling loop and background tasks and returns immediately.
// Running jobs are detached from ctx; only Stop cancels them.
func (m *TilingMaster) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != MasterStopped {
		return fmt.Errorf("%w (state %s)", ErrMasterRunning, m.state)
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))

	m.sem = semaphore.NewWeighted(int64(m.workers))
	m.cancelLoop = cancelLoop
	m.cancelWorkers = cancelWorkers
	m.loopDone = make(chan struct{})
	m.queue.reopen()
	m.state = MasterRunning

	for _, task := range m.background {
		m.backgroundWG.Add(1)
		go func() {
			defer m.backgroundWG.Done()
			if err := task.Run(loopCtx); err != nil && !isContextCancellation(err) {
				m.logger.ErrorContext(loopCtx, "background task exited", "error", err)
			}
		}()
	}
	go m.loop(loopCtx, workerCtx)

	m.logger.InfoContext(ctx, "tiling master started", "workers", m.workers)
	return nil
}

// Stop shuts the master down. It is a no-op unless the master is running.
//
// The loop stops claiming work first. In-flight jobs then get ShutdownTimeout to
// finish (or until ctx ends) before they are cancelled.
func (m *TilingMaster) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != MasterRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = MasterStopping
	cancelLoop, cancelWorkers, loopDone := m.cancelLoop, m.cancelWorkers, m.loopDone
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "stopping tiling master", "active_workers", m.active.Load())
	cancelLoop()
	m.queue.Shutdown()
	<-loopDone
	m.backgroundWG.Wait()

	drained := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(drained)
	}()

	timer := time.NewTimer(m.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		m.forceStop(ctx, cancelWorkers, drained, "shutdown timeout exceeded")
	case <-ctx.Done():
		m.forceStop(ctx, cancelWorkers, drained, "shutdown context ended")
	}
	cancelWorkers()

	m.mu.Lock()
	m.state = MasterStopped
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "tiling master stopped")
	return nil
}

func (m *TilingMaster) forceStop(ctx context.Context, cancelWorkers context.CancelFunc, drained <-chan struct{}, reason string) {
	m.logger.WarnContext(ctx, reason+", cancelling in-flight tile jobs",
		"active_workers", m.active.Load(),
		"timeout", m.shutdownTimeout,
	)
	cancelWorkers()

	timer := time.NewTimer(forcedStopGrace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		m.logger.WarnContext(ctx, "tile workers did not exit after cancellation", "active_workers", m.active.Load())
	}
}

func (m *TilingMaster) loop(ctx, workerCtx context.Context) {
	defer close(m.loopDone)
	for ctx.Err() == nil {
		m.schedule(ctx, workerCtx)
	}
}

// schedule runs one iteration of the scheduling loop. Panics are contained here so
// one bad iteration cannot kill the loop.
func (m *TilingMaster) schedule(ctx, workerCtx context.Context) {
	held := false
	defer func() {
		if r := recover(); r != nil {
			if held {
				m.sem.Release(1)
			}
			m.logger.ErrorContext(ctx, "tiling scheduler iteration panicked", "panic", r)
			m.queue.WaitForWork(ctx, m.errorBackoff)
		}
	}()

	if !m.sem.TryAcquire(1) {
		m.waitForSlot(ctx)
		return
	}
	held = true

	j, err := m.queue.Dequeue(ctx)
	switch {
	case err != nil:
		m.sem.Release(1)
		held = false
		if ctx.Err() != nil {
			return
		}
		m.logger.WarnContext(ctx, "dequeue failed", "error", err)
		m.queue.WaitForWork(ctx, m.errorBackoff)
	case j == nil:
		m.sem.Release(1)
		held = false
		m.queue.WaitForWork(ctx, m.idleWait)
	default:
		held = false
		m.submit(workerCtx, *j)
	}
}

func (m *TilingMaster) waitForSlot(ctx context.Context) {
	timer := time.NewTimer(m.busyWait)
	defer timer.Stop()
	select {
	case <-m.slotFreed:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// submit runs j on a pool goroutine that already owns one semaphore slot.
func (m *TilingMaster) submit(ctx context.Context, j model.TileJob) {
	m.workersWG.Add(1)
	go func() {
		m.beforeExecute()
		defer m.afterExecute()
		defer func() {
			if r := recover(); r != nil {
				m.logger.ErrorContext(ctx, "tile job panicked", "job_id", j.ID, "panic", r)
			}
		}()

		if err := m.runner.Run(ctx, j); err != nil {
			m.logger.WarnContext(ctx, "tile job failed", "job_id", j.ID, "error", err)
		}
	}()
}

func (m *TilingMaster) beforeExecute() {
	n := m.active.Add(1)
	if m.metrics != nil {
		m.metrics.Gauge("tiling.master.active_workers", float64(n), nil)
	}
}

func (m *TilingMaster) afterExecute() {
	n := m.active.Add(-1)
	if m.metrics != nil {
		m.metrics.Gauge("tiling.master.active_workers", float64(n), nil)
	}
	m.sem.Release(1)
	m.workersWG.Done()
	select {
	case m.slotFreed <- struct{}{}:
	default:
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
