package state

import (
	"sync"
	"sync/atomic"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// Subscription receives zone changes. When the buffer is full the oldest
// pending change is dropped; publishers never block.
type Subscription struct {
	store   *Store
	ch      chan av.Zone
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Subscribe returns a subscription with the given buffer size (minimum 1).
func (s *Store) Subscribe(buffer int) *Subscription {
	sub := &Subscription{store: s, ch: make(chan av.Zone, max(1, buffer))}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

// C returns the change channel. It is closed by Close.
func (sub *Subscription) C() <-chan av.Zone { return sub.ch }

// Dropped returns how many changes were discarded because the reader lagged.
func (sub *Subscription) Dropped() uint64 { return sub.dropped.Load() }

func (sub *Subscription) Close() {
	sub.store.subMu.Lock()
	delete(sub.store.subs, sub)
	sub.store.subMu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (sub *Subscription) push(z av.Zone) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- z:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
	}
}
