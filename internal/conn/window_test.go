package conn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWindowCancelledWaiterDoesNotLeakSlot(t *testing.T) {
	w := newWindow(1)
	if _, err := w.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if q := w.queued(); q != 0 {
		t.Errorf("queued = %d, want 0", q)
	}
	w.release()
	if _, err := w.acquire(context.Background()); err != nil {
		t.Fatalf("slot leaked: %v", err)
	}
}

func TestWindowHandsSlotToOldestWaiter(t *testing.T) {
	w := newWindow(1)
	_, _ = w.acquire(context.Background())

	got := make(chan int, 2)
	for i := range 2 {
		go func() {
			_, _ = w.acquire(context.Background())
			got <- i
		}()
		for w.queued() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}
	w.release()
	if first := <-got; first != 0 {
		t.Errorf("first grant went to waiter %d", first)
	}
	w.release()
	<-got
}

func TestWindowTicketsFollowGrantOrder(t *testing.T) {
	w := newWindow(2)
	a, _ := w.acquire(context.Background())
	b, _ := w.acquire(context.Background())
	if a != 0 || b != 1 {
		t.Fatalf("tickets = %d, %d, want 0, 1", a, b)
	}

	got := make(chan uint64, 1)
	go func() {
		ticket, _ := w.acquire(context.Background())
		got <- ticket
	}()
	for w.queued() != 1 {
		time.Sleep(time.Millisecond)
	}
	w.release()
	if c := <-got; c != 2 {
		t.Errorf("handed-over ticket = %d, want 2", c)
	}
}

func TestWindowTurnsRunInTicketOrder(t *testing.T) {
	w := newWindow(3)
	var tickets [3]uint64
	for i := range tickets {
		tickets[i], _ = w.acquire(context.Background())
	}

	order := make(chan uint64, 3)
	for _, ticket := range []uint64{tickets[2], tickets[1]} {
		go func() {
			w.waitTurn(ticket)
			order <- ticket
			w.endTurn(ticket)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	select {
	case tk := <-order:
		t.Fatalf("ticket %d wrote before ticket 0", tk)
	default:
	}

	w.waitTurn(tickets[0])
	w.endTurn(tickets[0])
	if first, second := <-order, <-order; first != 1 || second != 2 {
		t.Errorf("turn order = %d, %d, want 1, 2", first, second)
	}
}

func TestWindowEarlyEndIsSkipped(t *testing.T) {
	w := newWindow(2)
	first, _ := w.acquire(context.Background())
	second, _ := w.acquire(context.Background())

	// The second holder gives up before its turn.
	w.endTurn(second)
	w.waitTurn(first)
	w.endTurn(first)

	done := make(chan struct{})
	go func() {
		third, _ := w.acquire(context.Background())
		w.waitTurn(third)
		close(done)
	}()
	w.release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("turn stuck on an abandoned ticket")
	}
}

func TestAllocKeySkipsPendingAndQuarantined(t *testing.T) {
	m := NewManager(Options{DeviceID: "k", MaxKey: 3, Quarantine: time.Hour}, newTestLogger())
	m.pending[1] = &pendingRequest{key: 1}
	m.retired[2] = time.Now()

	m.mu.Lock()
	k, err := m.allocKey()
	m.mu.Unlock()
	if err != nil || k != 3 {
		t.Fatalf("key = %d err = %v, want 3", k, err)
	}
	m.pending[3] = &pendingRequest{key: 3}

	// Only the quarantined key is left; it is reclaimed.
	m.mu.Lock()
	k, err = m.allocKey()
	m.mu.Unlock()
	if err != nil || k != 2 {
		t.Fatalf("key = %d err = %v, want reclaimed 2", k, err)
	}
	m.pending[2] = &pendingRequest{key: 2}

	m.mu.Lock()
	_, err = m.allocKey()
	m.mu.Unlock()
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestAllocKeyReusesExpiredQuarantine(t *testing.T) {
	m := NewManager(Options{DeviceID: "k", MaxKey: 2, Quarantine: time.Millisecond}, newTestLogger())
	m.retired[1] = time.Now().Add(-time.Second)
	m.pending[2] = &pendingRequest{key: 2}
	m.mu.Lock()
	k, err := m.allocKey()
	m.mu.Unlock()
	if err != nil || k != 1 {
		t.Fatalf("key = %d err = %v, want 1", k, err)
	}
	if _, still := m.retired[1]; still {
		t.Error("expired tombstone not cleared")
	}
}

func TestReconnectBackoffBounds(t *testing.T) {
	b := newReconnectBackoff(100*time.Millisecond, 400*time.Millisecond)
	ceilings := []time.Duration{100, 200, 400, 400}
	for i, c := range ceilings {
		d := b.next()
		if d <= 0 || d > c*time.Millisecond {
			t.Errorf("attempt %d: delay %s outside (0, %dms]", i, d, c)
		}
	}
	b.reset()
	if d := b.next(); d > 100*time.Millisecond {
		t.Errorf("after reset: %s", d)
	}
}
