package core

// dispatcher.go runs upload chains on a fixed pool of workers.
//
// A chain is a sequence of single-stage steps. A worker takes an upload id
// from the queue, runs exactly one stage under the stage timeout, and puts
// the id back on the queue when the chain can continue. Stage N+1 of an
// upload is only ever queued after stage N committed, so stages of one
// upload never overlap while different uploads interleave freely.
//
// Each chain holds one UploadLimiter slot from Reserve until it reaches a
// terminal state. The queue is sized to the limiter, so re-queueing never
// blocks a worker.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/ledgerclose/internal/logging"
)

// ErrShuttingDown is returned by Reserve once Shutdown has begun.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Dispatcher defaults.
const (
	DefaultWorkers      = 4
	DefaultStageTimeout = 5 * time.Minute
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Workers      int
	StageTimeout time.Duration
}

// Dispatcher schedules pipeline steps onto workers.
type Dispatcher struct {
	pipeline     *Pipeline
	limiter      *UploadLimiter
	workers      int
	stageTimeout time.Duration
	queue        chan uuid.UUID

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	closing  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewDispatcher creates a dispatcher. Call Start before reserving slots.
func NewDispatcher(p *Pipeline, limiter *UploadLimiter, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	return &Dispatcher{
		pipeline:     p,
		limiter:      limiter,
		workers:      opts.Workers,
		stageTimeout: opts.StageTimeout,
		queue:        make(chan uuid.UUID, limiter.MaxConcurrent()),
		inflight:     make(map[uuid.UUID]struct{}),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Shutdown
// is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group != nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	d.group = g
	slog.Info("dispatcher started", "workers", d.workers, "max_active", d.limiter.MaxConcurrent())
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.step(ctx, id)
		}
	}
}

// step runs one stage of a chain and re-queues or retires it.
func (d *Dispatcher) step(ctx context.Context, id uuid.UUID) {
	stageCtx, cancel := context.WithTimeout(ctx, d.stageTimeout)
	state, err := d.pipeline.Step(stageCtx, id)
	cancel()

	if err == nil && !state.Terminal() {
		d.queue <- id
		return
	}

	logger := logging.FromContext(ctx).With("upload_id", id.String())
	switch {
	case err == nil:
		logger.Info("chain completed", "state", state)
	case ctx.Err() != nil:
		logger.Warn("chain interrupted by shutdown", "state", state)
	default:
		logger.Error("chain stopped", "state", state, "error", err)
	}
	d.retire(id)
}

func (d *Dispatcher) retire(id uuid.UUID) {
	d.mu.Lock()
	_, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()
	if ok {
		d.limiter.Release()
	}
}

// Slot is a reserved chain slot. Dispatch it or Release it.
type Slot struct {
	d    *Dispatcher
	once sync.Once
}

// Reserve waits for a free chain slot. It fails with ErrTooManyUploads
// when none frees up within the limiter's wait time.
func (d *Dispatcher) Reserve(ctx context.Context) (*Slot, error) {
	d.mu.Lock()
	closing := d.closing
	d.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}
	if err := d.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return &Slot{d: d}, nil
}

// Dispatch queues the first step of the upload's chain.
func (s *Slot) Dispatch(id uuid.UUID) {
	s.once.Do(func() {
		s.d.mu.Lock()
		if _, dup := s.d.inflight[id]; dup {
			s.d.mu.Unlock()
			s.d.limiter.Release()
			return
		}
		s.d.inflight[id] = struct{}{}
		s.d.mu.Unlock()
		s.d.queue <- id
	})
}

// Release gives the slot back without dispatching. It is a no-op after
// Dispatch.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.d.limiter.Release()
	})
}

// Submit reserves a slot and dispatches id.
func (d *Dispatcher) Submit(ctx context.Context, id uuid.UUID) error {
	slot, err := d.Reserve(ctx)
	if err != nil {
		return err
	}
	slot.Dispatch(id)
	return nil
}

// Resume dispatches every upload left in a non-terminal state, oldest
// first. It returns the number of chains dispatched. Uploads that cannot
// get a slot stay where they are for the next Resume or the sweeper.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	active, err := d.pipeline.st.ListActiveUploads(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active uploads: %w", err)
	}

	n := 0
	for _, rec := range active {
		if d.InFlight(rec.ID) {
			continue
		}
		if err := d.Submit(ctx, rec.ID); err != nil {
			slog.Warn("resume stopped", "dispatched", n, "remaining", len(active)-n, "error", err)
			return n, err
		}
		slog.Info("upload resumed", "upload_id", rec.ID.String(), "state", rec.State)
		n++
	}
	return n, nil
}

// InFlight reports whether a chain for id is running in this process.
func (d *Dispatcher) InFlight(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

// Shutdown stops accepting chains, waits for in-flight chains to finish
// until ctx expires, then stops the workers. Chains interrupted by the
// deadline keep their persisted state and can be resumed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	g, cancel := d.group, d.cancel
	d.mu.Unlock()
	if g == nil {
		return nil
	}

	drainErr := d.limiter.WaitForDrain(ctx)
	if drainErr != nil {
		slog.Warn("dispatcher drain incomplete", "active", d.limiter.ActiveCount(), "error", drainErr)
	}
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("dispatcher stopped")
	return drainErr
}
