package conn

import (
	"context"
	"sync"
)

// window is a FIFO counting semaphore bounding in-flight requests. Slots are
// handed directly to the oldest waiter so later callers cannot overtake.
//
// Every grant carries a ticket. Holders take turns in ticket order for the
// short section that allocates a key and writes the frame, so the device
// receives requests in grant order.
type window struct {
	mu      sync.Mutex
	free    int
	waiters []*waiter

	issued   uint64
	turn     uint64
	finished map[uint64]bool
	advanced chan struct{}
}

type waiter struct {
	ch     chan struct{}
	ticket uint64
}

func newWindow(size int) *window {
	return &window{
		free:     size,
		finished: make(map[uint64]bool),
		advanced: make(chan struct{}),
	}
}

// acquire waits for a slot and returns its write ticket.
func (w *window) acquire(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	if w.free > 0 && len(w.waiters) == 0 {
		w.free--
		t := w.issueLocked()
		w.mu.Unlock()
		return t, nil
	}
	wt := &waiter{ch: make(chan struct{})}
	w.waiters = append(w.waiters, wt)
	w.mu.Unlock()

	select {
	case <-wt.ch:
		return wt.ticket, nil
	case <-ctx.Done():
		w.mu.Lock()
		for i, c := range w.waiters {
			if c == wt {
				w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
				w.mu.Unlock()
				return 0, ctx.Err()
			}
		}
		w.mu.Unlock()
		// The slot was handed over concurrently; give up its turn and pass
		// the slot on.
		w.endTurn(wt.ticket)
		w.release()
		return 0, ctx.Err()
	}
}

func (w *window) issueLocked() uint64 {
	t := w.issued
	w.issued++
	return t
}

func (w *window) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.waiters) > 0 {
		wt := w.waiters[0]
		w.waiters = w.waiters[1:]
		wt.ticket = w.issueLocked()
		close(wt.ch)
		return
	}
	w.free++
}

// waitTurn blocks until every earlier ticket has ended its turn.
func (w *window) waitTurn(ticket uint64) {
	for {
		w.mu.Lock()
		if w.turn == ticket {
			w.mu.Unlock()
			return
		}
		ch := w.advanced
		w.mu.Unlock()
		<-ch
	}
}

// endTurn marks ticket done. A ticket may end before its turn comes up; the
// turn then skips over it.
func (w *window) endTurn(ticket uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished[ticket] = true
	moved := false
	for w.finished[w.turn] {
		delete(w.finished, w.turn)
		w.turn++
		moved = true
	}
	if moved {
		close(w.advanced)
		w.advanced = make(chan struct{})
	}
}

func (w *window) queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}
