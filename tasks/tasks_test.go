package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

type recorder struct {
	mu        sync.Mutex
	processed []string
	notified  []string
	sanity    []time.Duration
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		ProcessQueue: func(_ context.Context, addr string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.processed = append(r.processed, addr)
		},
		SendNotification: func(_ context.Context, addr string, _ []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notified = append(r.notified, addr)
		},
		SanityCheck: func(_ context.Context, frequency time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sanity = append(r.sanity, frequency)
		},
	}
}

func (r *recorder) wait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		ok := cond()
		r.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatch(t *testing.T) {
	c := qt.New(t)
	rec := &recorder{}
	bus := New()
	bus.Register(rec.handlers())
	bus.Start(context.Background())
	defer bus.Close()

	bus.ProcessQueue("0xaa")
	bus.SendNotification("0xbb", []byte("msg"))

	rec.wait(t, func() bool {
		return len(rec.processed) == 1 && len(rec.notified) == 1
	})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	c.Assert(rec.processed, qt.DeepEquals, []string{"0xaa"})
	c.Assert(rec.notified, qt.DeepEquals, []string{"0xbb"})
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	c := qt.New(t)
	rec := &recorder{}
	bus := New()
	bus.Register(rec.handlers())
	bus.Start(context.Background())
	bus.Close()

	bus.ProcessQueue("0xaa")
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	c.Assert(rec.processed, qt.HasLen, 0)
}

func TestScheduleSanityCheck(t *testing.T) {
	c := qt.New(t)
	rec := &recorder{}
	bus := New()
	bus.Register(rec.handlers())
	bus.Start(context.Background())
	defer bus.Close()

	bus.ScheduleSanityCheck(time.Minute, 10*time.Millisecond)

	rec.wait(t, func() bool { return len(rec.sanity) == 1 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	c.Assert(rec.sanity, qt.DeepEquals, []time.Duration{time.Minute})
}

func TestCloseCancelsPendingTimers(t *testing.T) {
	c := qt.New(t)
	rec := &recorder{}
	bus := New()
	bus.Register(rec.handlers())
	bus.Start(context.Background())

	bus.ScheduleSanityCheck(time.Minute, time.Hour)
	bus.Close()
	time.Sleep(20 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	c.Assert(rec.sanity, qt.HasLen, 0)
}
