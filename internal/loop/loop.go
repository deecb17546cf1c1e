// Package loop provides a single-goroutine task queue that stands in for an
// isolated execution context. Everything posted to a Loop runs in order, one
// task at a time, so state owned by the loop needs no locking.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when posting to a loop that has been closed.
var ErrClosed = errors.New("loop closed")

// Loop runs posted tasks serially on its own goroutine.
type Loop struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}

	processed atomic.Uint64
	panicked  atomic.Uint64
}

// New starts a loop. The name only appears in logs.
func New(name string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Post enqueues fn. It never blocks. Returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run or ctx is done.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// The task may still have run before shutdown.
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued still run.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stats returns the number of tasks run and how many of them panicked.
func (l *Loop) Stats() (processed, panicked uint64) {
	return l.processed.Load(), l.panicked.Load()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	l.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			l.panicked.Add(1)
			l.logger.Error("loop task panic", "loop", l.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
