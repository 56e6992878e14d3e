package hostbridge

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// task is one callable posted to the runtime loop.
type task struct {
	ctx  context.Context
	call func(ctx context.Context) (any, error)

	result any
	err    error
	done   chan struct{}

	abandoned atomic.Bool
	enqueued  time.Time
}

// runLoop executes async callables one at a time on a dedicated OS
// thread, mirroring a host runtime that owns a single event loop. Every
// callable still runs under the bridge's execution lock, so sync and
// async handlers never interleave.
type runLoop struct {
	hostMu *sync.Mutex
	log    *slog.Logger

	tasks   chan *task
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newRunLoop(hostMu *sync.Mutex, log *slog.Logger, backlog int) *runLoop {
	l := &runLoop{
		hostMu:  hostMu,
		log:     log,
		tasks:   make(chan *task, backlog),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// submit posts t, blocking while the backlog is full. It fails once ctx
// expires or the loop has shut down.
func (l *runLoop) submit(ctx context.Context, t *task) error {
	select {
	case <-l.quit:
		return ErrClosed
	default:
	}
	select {
	case l.tasks <- t:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	case <-l.quit:
		return ErrClosed
	}
}

// close stops the loop after it drains already queued tasks.
func (l *runLoop) close() {
	l.once.Do(func() { close(l.quit) })
	<-l.stopped
}

func (l *runLoop) run() {
	// Host runtimes bind their event loop to one thread. Pinning the
	// goroutine preserves that contract for thread-affine handlers.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.stopped)

	for {
		select {
		case t := <-l.tasks:
			l.exec(t)
		case <-l.quit:
			for {
				select {
				case t := <-l.tasks:
					l.exec(t)
				default:
					return
				}
			}
		}
	}
}

func (l *runLoop) exec(t *task) {
	// The waiter already gave up; skip work that nobody will read.
	if t.abandoned.Load() {
		close(t.done)
		l.log.Warn("host call dropped before start",
			"queued_for", time.Since(t.enqueued))
		return
	}

	l.hostMu.Lock()
	t.result, t.err = safeCall(t.ctx, t.call)
	l.hostMu.Unlock()
	close(t.done)

	if t.abandoned.Load() {
		l.log.Warn("orphaned host call completed",
			"queued_for", time.Since(t.enqueued))
	}
}
