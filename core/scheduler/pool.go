// Package scheduler runs dispatch work on a bounded worker pool. All
// workers share one FIFO queue; when it fills, Submit blocks, which
// stalls the submitting read loop and pushes back on the peer instead
// of growing memory without bound.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyfast/engine/core/metrics"
)

// ErrClosed is returned by Submit after Close has begun.
var ErrClosed = errors.New("scheduler: pool closed")

// Item is one unit of dispatch work.
type Item struct {
	// Run executes the work. Panics are contained by the worker.
	Run func()

	// OnPanic, when set, receives the recovered value and stack after
	// Run panics. The worker survives either way.
	OnPanic func(v any, stack []byte)

	// EnqueuedAt stamps queue entry for wait-time accounting. Submit
	// fills it when zero.
	EnqueuedAt time.Time
}

// Config sets pool dimensions. Zero values pick defaults.
type Config struct {
	// Workers is the number of worker goroutines. Defaults to
	// runtime.NumCPU().
	Workers int

	// QueueSize bounds the shared queue. Defaults to 1024.
	QueueSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pool is a fixed-size worker pool over a bounded FIFO queue.
type Pool struct {
	items chan Item
	quit  chan struct{}
	wg    sync.WaitGroup

	workers int
	log     *slog.Logger
	met     *metrics.Metrics
	closed  atomic.Bool

	stats struct {
		submitted atomic.Uint64
		completed atomic.Uint64
		panics    atomic.Uint64
		rejected  atomic.Uint64
	}
}

// New starts the workers and returns the pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		items:   make(chan Item, cfg.QueueSize),
		quit:    make(chan struct{}),
		workers: cfg.Workers,
		log:     cfg.Logger.With("component", "scheduler"),
		met:     cfg.Metrics,
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues an item, blocking while the queue is full. It
// returns ctx.Err() if the caller gives up waiting and ErrClosed once
// the pool is shutting down.
func (p *Pool) Submit(ctx context.Context, it Item) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = time.Now()
	}

	select {
	case p.items <- it:
	default:
		// Queue full: this wait is the backpressure path.
		select {
		case p.items <- it:
		case <-ctx.Done():
			p.stats.rejected.Add(1)
			p.met.QueueRejected()
			return ctx.Err()
		case <-p.quit:
			return ErrClosed
		}
	}
	p.stats.submitted.Add(1)
	p.met.SetQueueDepth(len(p.items))
	return nil
}

// TrySubmit enqueues without blocking. It reports false when the pool
// is closed or the queue is full.
func (p *Pool) TrySubmit(it Item) bool {
	if p.closed.Load() {
		return false
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = time.Now()
	}
	select {
	case p.items <- it:
		p.stats.submitted.Add(1)
		p.met.SetQueueDepth(len(p.items))
		return true
	default:
		p.stats.rejected.Add(1)
		p.met.QueueRejected()
		return false
	}
}

// Close stops intake, lets the workers drain the queue, and waits for
// them up to ctx. Queued items still run; new submissions fail.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case it := <-p.items:
			p.exec(it)
		case <-p.quit:
			for {
				select {
				case it := <-p.items:
					p.exec(it)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) exec(it Item) {
	p.met.ObserveQueueWait(time.Since(it.EnqueuedAt))
	p.met.SetQueueDepth(len(p.items))
	p.met.WorkerStarted()
	defer p.met.WorkerIdle()
	defer func() {
		if v := recover(); v != nil {
			p.stats.panics.Add(1)
			stack := debug.Stack()
			if it.OnPanic != nil {
				it.OnPanic(v, stack)
			} else {
				p.log.Error("work item panicked",
					"panic", v,
					"stack", string(stack))
			}
		}
		p.stats.completed.Add(1)
	}()
	it.Run()
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int
	QueueSize int
	Depth     int
	Submitted uint64
	Completed uint64
	Panics    uint64
	Rejected  uint64
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		QueueSize: cap(p.items),
		Depth:     len(p.items),
		Submitted: p.stats.submitted.Load(),
		Completed: p.stats.completed.Load(),
		Panics:    p.stats.panics.Load(),
		Rejected:  p.stats.rejected.Load(),
	}
}
