// Package tasks provides the fire-and-forget task bus the queue manager
// dispatches work through: queue processing, notification delivery and the
// self-rescheduling sanity check.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/etherpay/txqueue/log"
)

// Dispatcher is the scheduling surface used by the manager. Dispatch is
// fire-and-forget: the call returns immediately and the task runs in the
// background.
type Dispatcher interface {
	// ProcessQueue triggers a pass over the outbound queue of addr.
	ProcessQueue(addr string)
	// SendNotification delivers a rendered payment message to addr.
	SendNotification(addr string, message []byte)
	// ScheduleSanityCheck runs the sanity check after delay; the handler
	// reschedules itself every frequency.
	ScheduleSanityCheck(frequency, delay time.Duration)
}

// Handlers holds the task implementations the bus dispatches to.
type Handlers struct {
	ProcessQueue     func(ctx context.Context, addr string)
	SendNotification func(ctx context.Context, addr string, message []byte)
	SanityCheck      func(ctx context.Context, frequency time.Duration)
}

// Bus is an in-process Dispatcher. Every dispatched task runs on its own
// goroutine; delayed tasks are armed with timers that are stopped on Close.
type Bus struct {
	mu       sync.Mutex
	handlers Handlers
	timers   map[*time.Timer]bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

var _ Dispatcher = (*Bus)(nil)

// New creates a bus. Register handlers and call Start before dispatching.
func New() *Bus {
	return &Bus{
		timers: make(map[*time.Timer]bool),
	}
}

// Register installs the task handlers. Must be called before Start.
func (b *Bus) Register(h Handlers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = h
}

// Start makes the bus accept dispatches until ctx is cancelled or Close is
// called.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	log.Infow("task bus started")
}

// Close stops accepting dispatches, cancels delayed tasks and waits for
// running tasks to finish, with a bounded wait.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.cancel()
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]bool)
	b.mu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		log.Infow("task bus closed")
	case <-time.After(5 * time.Second):
		log.Warnw("some tasks did not exit cleanly")
	}
}

// ProcessQueue dispatches a queue pass for addr.
func (b *Bus) ProcessQueue(addr string) {
	b.dispatch(func(ctx context.Context) {
		if h := b.currentHandlers().ProcessQueue; h != nil {
			h(ctx, addr)
		}
	})
}

// SendNotification dispatches delivery of a payment message to addr.
func (b *Bus) SendNotification(addr string, message []byte) {
	b.dispatch(func(ctx context.Context) {
		if h := b.currentHandlers().SendNotification; h != nil {
			h(ctx, addr, message)
		}
	})
}

// ScheduleSanityCheck arms the sanity check to run after delay.
func (b *Bus) ScheduleSanityCheck(frequency, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		b.mu.Unlock()
		b.dispatch(func(ctx context.Context) {
			if h := b.currentHandlers().SanityCheck; h != nil {
				h(ctx, frequency)
			}
		})
	})
	b.timers[timer] = true
}

func (b *Bus) currentHandlers() Handlers {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers
}

// dispatch runs fn on its own goroutine unless the bus is stopped.
func (b *Bus) dispatch(fn func(ctx context.Context)) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	ctx := b.ctx
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}()
}
