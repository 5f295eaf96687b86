package manager

import "sync"

// addressGate serializes queue passes per address. Presence of a key means a
// processor is running for that address; arrivals enroll a one-shot wake-up
// and block until the running pass hands over. Waiters are woken in FIFO
// order, one at a time, so there is at most one active pass per address and
// no lock is held across I/O.
type addressGate struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newAddressGate() *addressGate {
	return &addressGate{
		waiters: make(map[string][]chan struct{}),
	}
}

// enter blocks until the caller holds the gate for addr.
func (g *addressGate) enter(addr string) {
	g.mu.Lock()
	if _, running := g.waiters[addr]; !running {
		g.waiters[addr] = nil
		g.mu.Unlock()
		return
	}
	wake := make(chan struct{})
	g.waiters[addr] = append(g.waiters[addr], wake)
	g.mu.Unlock()
	<-wake
}

// leave releases the gate for addr, waking exactly one waiter if any is
// enrolled, or removing the entry when none remains.
func (g *addressGate) leave(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	queue := g.waiters[addr]
	if len(queue) == 0 {
		delete(g.waiters, addr)
		return
	}
	wake := queue[0]
	g.waiters[addr] = queue[1:]
	close(wake)
}
