// Package conn keeps one supervised session per device: dialing with
// backoff, a read loop that feeds a protocol decoder, correlation of
// responses to pending requests, a bounded send window and heartbeats.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
)

// Inbound is one decoded frame. Responses carry the correlation key of the
// request they answer; everything else goes to message listeners.
type Inbound struct {
	Key      uint32
	Response bool
	Value    any
	Err      error
	Summary  string
}

// Decoder splits and decodes device bytes. It returns codec.ErrNeedMoreData
// without consuming anything when buf holds a partial frame, and must consume
// at least one byte on any other error. A zero Inbound means "nothing to
// deliver".
type Decoder interface {
	Decode(buf []byte) (Inbound, int, error)
}

// Request is an outbound frame built once a correlation key is allocated.
//
// OnResponse, when set, runs on the read goroutine with the matching response
// before Send returns, so state carried by the response lands ahead of any
// frame the device sent after it. It does not run for timeouts or dropped
// connections.
type Request struct {
	Encode     func(key uint32) ([]byte, error)
	OnResponse func(Inbound)
	Timeout    time.Duration
	Summary    string
}

// Options configures a Manager. Zero values take the defaults below.
type Options struct {
	DeviceID string
	Dial     Dialer
	Decoder  Decoder

	// Heartbeat builds a liveness probe; nil disables heartbeats.
	Heartbeat func(key uint32) ([]byte, error)

	// MaxKey bounds the correlation key space (keys run 1..MaxKey).
	MaxKey uint32

	Window            int
	RequestTimeout    time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	StableAfter       time.Duration
	Quarantine        time.Duration
	MaxProtocolErrors int
}

func (o *Options) setDefaults() {
	if o.MaxKey == 0 {
		o.MaxKey = math.MaxUint32
	}
	if o.Window <= 0 {
		o.Window = 4
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 20 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 60 * time.Second
	}
	if o.Quarantine <= 0 {
		o.Quarantine = 2 * o.RequestTimeout
	}
	if o.MaxProtocolErrors <= 0 {
		o.MaxProtocolErrors = 16
	}
}

// maxBuffered caps bytes held while waiting for the rest of a frame.
const maxBuffered = 256 * 1024

type pendingRequest struct {
	key        uint32
	ch         chan Inbound
	onResponse func(Inbound)
}

// Manager owns the session to one device.
type Manager struct {
	opts   Options
	logger *slog.Logger
	window *window

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    av.Status
	transport Transport
	pending   map[uint32]*pendingRequest
	retired   map[uint32]time.Time
	nextKey   uint32

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onMessage []func(Inbound)
	onStatus  []func(av.Status)

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a stopped manager. Register listeners, then call Start.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		logger:  logger.With("component", "conn", "device", opts.DeviceID),
		window:  newWindow(opts.Window),
		ctx:     ctx,
		cancel:  cancel,
		status:  av.StatusDisconnected,
		pending: make(map[uint32]*pendingRequest),
		retired: make(map[uint32]time.Time),
	}
}

// DeviceID returns the id of the managed device.
func (m *Manager) DeviceID() string { return m.opts.DeviceID }

// Status returns the current connection status.
func (m *Manager) Status() av.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnMessage registers a listener for unsolicited frames and heartbeat
// responses. Listeners run on the read goroutine and must not block.
func (m *Manager) OnMessage(fn func(Inbound)) {
	m.handlerMu.Lock()
	m.onMessage = append(m.onMessage, fn)
	m.handlerMu.Unlock()
}

// OnStatus registers a listener for status transitions.
func (m *Manager) OnStatus(fn func(av.Status)) {
	m.handlerMu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.handlerMu.Unlock()
}

// Start launches the supervisor goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.supervise()
}

// Close stops reconnecting, closes the transport and fails pending requests.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		t := m.transport
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		m.wg.Wait()
		m.failPending()
		m.setStatus(av.StatusDisconnected)
	})
}

// Send waits for a window slot, writes the request and waits for its
// response. Requests reach the device in the order their slots were granted.
// It never retries. Requests in flight when the connection drops fail with
// ErrConnectionLost; cancelling ctx abandons the request without touching the
// connection.
func (m *Manager) Send(ctx context.Context, req Request) (Inbound, error) {
	ticket, err := m.window.acquire(ctx)
	if err != nil {
		return Inbound{}, err
	}
	defer m.window.release()

	m.window.waitTurn(ticket)
	p, timeout, err := m.submit(req)
	m.window.endTurn(ticket)
	if err != nil {
		return Inbound{}, err
	}
	return m.await(ctx, p, req.Summary, timeout)
}

// roundTrip sends outside the window. Heartbeats use it so a full window
// cannot starve the liveness probe.
func (m *Manager) roundTrip(ctx context.Context, req Request) (Inbound, error) {
	p, timeout, err := m.submit(req)
	if err != nil {
		return Inbound{}, err
	}
	return m.await(ctx, p, req.Summary, timeout)
}

// submit allocates a key, registers the pending request and writes the frame.
func (m *Manager) submit(req Request) (*pendingRequest, time.Duration, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}

	m.mu.Lock()
	t := m.transport
	if t == nil {
		m.mu.Unlock()
		return nil, 0, fmt.Errorf("%s: %w", m.opts.DeviceID, av.ErrConnectionLost)
	}
	key, err := m.allocKey()
	if err != nil {
		m.mu.Unlock()
		return nil, 0, err
	}
	frame, err := req.Encode(key)
	if err != nil {
		m.mu.Unlock()
		return nil, 0, err
	}
	p := &pendingRequest{key: key, ch: make(chan Inbound, 1), onResponse: req.OnResponse}
	m.pending[key] = p
	m.mu.Unlock()

	if err := m.write(t, frame, timeout, req.Summary); err != nil {
		m.mu.Lock()
		if m.pending[key] == p {
			delete(m.pending, key)
		}
		m.mu.Unlock()
		m.drop(t, err)
		return nil, 0, fmt.Errorf("%s: write: %w", m.opts.DeviceID, av.ErrConnectionLost)
	}
	return p, timeout, nil
}

func (m *Manager) await(ctx context.Context, p *pendingRequest, summary string, timeout time.Duration) (Inbound, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-p.ch:
		return in, in.Err
	case <-timer.C:
		m.retire(p)
		return Inbound{}, fmt.Errorf("%s: %s after %s: %w", m.opts.DeviceID, summary, timeout, av.ErrTimeout)
	case <-ctx.Done():
		m.retire(p)
		return Inbound{}, ctx.Err()
	}
}

// allocKey returns the next key that is neither pending nor quarantined.
// When every key is taken it reclaims the oldest quarantined key.
// Caller must hold m.mu.
func (m *Manager) allocKey() (uint32, error) {
	now := time.Now()
	limit := uint64(len(m.pending)) + uint64(len(m.retired)) + 1
	limit = min(limit, uint64(m.opts.MaxKey))
	for range limit {
		m.nextKey++
		if m.nextKey == 0 || m.nextKey > m.opts.MaxKey {
			m.nextKey = 1
		}
		k := m.nextKey
		if _, busy := m.pending[k]; busy {
			continue
		}
		if at, ok := m.retired[k]; ok {
			if now.Sub(at) < m.opts.Quarantine {
				continue
			}
			delete(m.retired, k)
		}
		return k, nil
	}

	var oldest uint32
	var oldestAt time.Time
	for k, at := range m.retired {
		if oldestAt.IsZero() || at.Before(oldestAt) {
			oldest, oldestAt = k, at
		}
	}
	if oldestAt.IsZero() {
		return 0, fmt.Errorf("%s: all %d correlation keys in use: %w", m.opts.DeviceID, m.opts.MaxKey, av.ErrBusy)
	}
	delete(m.retired, oldest)
	m.logger.Warn("reclaiming quarantined key", "key", oldest, "age", now.Sub(oldestAt))
	return oldest, nil
}

// retire abandons p and quarantines its key so a late response is discarded
// instead of resolving a newer request.
func (m *Manager) retire(p *pendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[p.key] == p {
		delete(m.pending, p.key)
		m.retired[p.key] = time.Now()
	}
}

func (m *Manager) write(t Transport, frame []byte, timeout time.Duration, summary string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = t.SetWriteDeadline(time.Now().Add(timeout))
	m.logger.Debug("tx", "raw", fmt.Sprintf("%X", frame), "summary", summary)
	_, err := t.Write(frame)
	return err
}

// drop closes t if it is still the live transport, which makes the read loop
// exit and the supervisor reconnect.
func (m *Manager) drop(t Transport, cause error) {
	m.mu.Lock()
	current := m.transport == t
	m.mu.Unlock()
	if current {
		m.logger.Warn("dropping connection", "err", cause)
		t.Close()
	}
}

func (m *Manager) failPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint32]*pendingRequest)
	m.retired = make(map[uint32]time.Time)
	m.mu.Unlock()
	for _, p := range pending {
		p.ch <- Inbound{Key: p.key, Response: true, Err: fmt.Errorf("%s: %w", m.opts.DeviceID, av.ErrConnectionLost)}
	}
}

func (m *Manager) setStatus(s av.Status) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	m.mu.Unlock()
	if prev == s {
		return
	}
	m.logger.Info("status changed", "from", prev, "to", s)
	m.handlerMu.RLock()
	handlers := append([]func(av.Status){}, m.onStatus...)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (m *Manager) notify(in Inbound) {
	m.handlerMu.RLock()
	handlers := append([]func(Inbound){}, m.onMessage...)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(in)
	}
}

// sleep waits d or until Close. It reports false when closed.
func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) supervise() {
	defer m.wg.Done()
	bo := newReconnectBackoff(m.opts.BackoffBase, m.opts.BackoffMax)

	for m.ctx.Err() == nil {
		m.setStatus(av.StatusConnecting)
		dialCtx, cancel := context.WithTimeout(m.ctx, m.opts.RequestTimeout)
		t, err := m.opts.Dial(dialCtx)
		cancel()
		if err != nil {
			m.setStatus(av.StatusDisconnected)
			delay := bo.next()
			m.logger.Warn("connect failed", "err", err, "retry_in", delay)
			if !m.sleep(delay) {
				return
			}
			continue
		}

		m.mu.Lock()
		if m.ctx.Err() != nil {
			m.mu.Unlock()
			t.Close()
			return
		}
		m.transport = t
		m.mu.Unlock()
		connectedAt := time.Now()
		m.setStatus(av.StatusConnected)

		stop := make(chan struct{})
		var hb sync.WaitGroup
		hb.Add(1)
		go func() {
			defer hb.Done()
			m.heartbeat(t, stop)
		}()

		err = m.readLoop(t)

		close(stop)
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
		t.Close()
		m.failPending()
		hb.Wait()
		m.setStatus(av.StatusDisconnected)

		if m.ctx.Err() != nil {
			return
		}
		up := time.Since(connectedAt)
		if up >= m.opts.StableAfter {
			bo.reset()
		}
		delay := bo.next()
		m.logger.Warn("connection lost", "err", err, "uptime", up.Round(time.Millisecond), "retry_in", delay)
		if !m.sleep(delay) {
			return
		}
	}
}

func (m *Manager) readLoop(t Transport) error {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	bad := 0
	for {
		if err := t.SetReadDeadline(time.Now().Add(m.opts.IdleTimeout)); err != nil {
			return err
		}
		n, err := t.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			rest, derr := m.drain(buf, &bad)
			if derr != nil {
				return derr
			}
			buf = append(buf[:0], rest...)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("idle for %s: %w", m.opts.IdleTimeout, av.ErrTimeout)
			}
			return err
		}
	}
}

// drain decodes every complete frame in buf and returns the unconsumed tail.
func (m *Manager) drain(buf []byte, bad *int) ([]byte, error) {
	for len(buf) > 0 {
		in, n, err := m.opts.Decoder.Decode(buf)
		if errors.Is(err, codec.ErrNeedMoreData) {
			if len(buf) > maxBuffered {
				return nil, av.NewProtocolError("receive buffer overflow", buf[:64])
			}
			return buf, nil
		}
		n = max(1, min(n, len(buf)))
		raw := buf[:n]
		buf = buf[n:]
		if err != nil {
			*bad++
			m.logger.Warn("undecodable frame", "raw", fmt.Sprintf("%X", raw), "err", err)
			if *bad >= m.opts.MaxProtocolErrors {
				return nil, fmt.Errorf("%d consecutive undecodable frames: %w", *bad, av.ErrProtocol)
			}
			continue
		}
		*bad = 0
		m.logger.Debug("rx", "raw", fmt.Sprintf("%X", raw), "summary", in.Summary)
		m.dispatch(in)
	}
	return buf, nil
}

func (m *Manager) dispatch(in Inbound) {
	if !in.Response {
		if in.Value != nil || in.Err != nil {
			m.notify(in)
		}
		return
	}
	m.mu.Lock()
	p, ok := m.pending[in.Key]
	if ok {
		delete(m.pending, in.Key)
	}
	_, late := m.retired[in.Key]
	if !ok && late {
		delete(m.retired, in.Key)
	}
	m.mu.Unlock()

	switch {
	case ok:
		if p.onResponse != nil {
			p.onResponse(in)
		}
		p.ch <- in
	case late:
		m.logger.Debug("late response discarded", "key", in.Key)
	default:
		m.logger.Warn("orphaned response", "key", in.Key, "summary", in.Summary)
	}
}

func (m *Manager) heartbeat(t Transport, stop <-chan struct{}) {
	if m.opts.Heartbeat == nil {
		return
	}
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		_, err := m.roundTrip(m.ctx, Request{
			Encode: m.opts.Heartbeat,
			OnResponse: func(in Inbound) {
				if in.Err == nil {
					m.notify(in)
				}
			},
			Timeout: m.opts.HeartbeatTimeout,
			Summary: "heartbeat",
		})
		switch {
		case errors.Is(err, av.ErrTimeout):
			misses++
			if misses == 1 {
				m.logger.Warn("heartbeat missed")
				m.setDegraded(t, true)
				continue
			}
			m.drop(t, fmt.Errorf("%d consecutive heartbeats missed: %w", misses, err))
			return
		case errors.Is(err, av.ErrConnectionLost), m.ctx.Err() != nil:
			return
		}
		// Any answer, even an error response, proves the device is alive.
		misses = 0
		m.setDegraded(t, false)
	}
}

// setDegraded toggles between Connected and Degraded while t is live.
func (m *Manager) setDegraded(t Transport, degraded bool) {
	m.mu.Lock()
	live := m.transport == t
	cur := m.status
	m.mu.Unlock()
	if !live {
		return
	}
	switch {
	case degraded && cur == av.StatusConnected:
		m.setStatus(av.StatusDegraded)
	case !degraded && cur == av.StatusDegraded:
		m.setStatus(av.StatusConnected)
	}
}
