package conn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// lineDecoder speaks a toy protocol: "R <key>:<body>" answers a request,
// "N <body>" is a notification.
type lineDecoder struct{}

func (lineDecoder) Decode(buf []byte) (Inbound, int, error) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return Inbound{}, 0, codec.ErrNeedMoreData
	}
	line := string(buf[:i])
	switch {
	case strings.HasPrefix(line, "R "):
		k, body, _ := strings.Cut(line[2:], ":")
		key, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return Inbound{}, i + 1, av.NewProtocolError("bad key", buf[:i])
		}
		return Inbound{Key: uint32(key), Response: true, Value: body, Summary: line}, i + 1, nil
	case strings.HasPrefix(line, "N "):
		return Inbound{Value: line[2:], Summary: line}, i + 1, nil
	}
	return Inbound{}, i + 1, av.NewProtocolError("unknown line", buf[:i])
}

func encodeLine(body string) func(uint32) ([]byte, error) {
	return func(key uint32) ([]byte, error) {
		return []byte(fmt.Sprintf("%d:%s\n", key, body)), nil
	}
}

// fakeDevice hands the device end of a net.Pipe to the test on every dial.
type fakeDevice struct {
	conns chan net.Conn
	dials atomic.Int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{conns: make(chan net.Conn, 4)}
}

func (d *fakeDevice) dial(ctx context.Context) (Transport, error) {
	d.dials.Add(1)
	client, server := net.Pipe()
	select {
	case d.conns <- server:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

func (d *fakeDevice) accept(t *testing.T) *deviceConn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { c.Close() })
		return &deviceConn{Conn: c, r: bufio.NewReader(c)}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection from manager")
		return nil
	}
}

type deviceConn struct {
	net.Conn
	r *bufio.Reader
}

// request reads one "<key>:<body>" line. It returns empty strings once the
// pipe is closed.
func (c *deviceConn) request(t *testing.T) (string, string) {
	t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", ""
	}
	key, body, _ := strings.Cut(strings.TrimSpace(line), ":")
	return key, body
}

func (c *deviceConn) send(t *testing.T, line string) {
	t.Helper()
	_, _ = io.WriteString(c, line+"\n")
}

func newTestManager(t *testing.T, d *fakeDevice, opts Options) *Manager {
	t.Helper()
	opts.DeviceID = "test"
	opts.Dial = d.dial
	opts.Decoder = lineDecoder{}
	m := NewManager(opts, newTestLogger())
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *Manager, want av.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", m.Status(), want)
}

func TestSendReceivesResponse(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{})
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	go func() {
		key, body := dc.request(t)
		dc.send(t, "R "+key+":echo-"+body)
	}()

	in, err := m.Send(context.Background(), Request{Encode: encodeLine("hello"), Summary: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if in.Value != "echo-hello" {
		t.Errorf("value = %v, want echo-hello", in.Value)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := newTestManager(t, newFakeDevice(), Options{})
	_, err := m.Send(context.Background(), Request{Encode: encodeLine("x")})
	if !errors.Is(err, av.ErrConnectionLost) {
		t.Errorf("err = %v, want ConnectionLost", err)
	}
}

func TestNotificationReachesListener(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{})
	got := make(chan Inbound, 1)
	m.OnMessage(func(in Inbound) { got <- in })
	m.Start()
	dc := d.accept(t)

	dc.send(t, "N zone 3 muted")
	select {
	case in := <-got:
		if in.Value != "zone 3 muted" || in.Response {
			t.Errorf("inbound = %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestOnResponseRunsBeforeLaterFrames(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{})
	var (
		mu  sync.Mutex
		seq []string
	)
	record := func(s string) {
		mu.Lock()
		seq = append(seq, s)
		mu.Unlock()
	}
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seq...)
	}
	m.OnMessage(func(in Inbound) { record("notify " + in.Value.(string)) })
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	go func() {
		key, _ := dc.request(t)
		// Answer and a follow-up notification arrive in one read.
		_, _ = io.WriteString(dc, "R "+key+":ok\nN after\n")
	}()

	_, err := m.Send(context.Background(), Request{
		Encode:     encodeLine("set"),
		OnResponse: func(in Inbound) { record("response " + in.Value.(string)) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := seen(); len(got) == 0 || got[0] != "response ok" {
		t.Fatalf("on return: %v, want the response hook first", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(seen()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := seen(); len(got) != 2 || got[1] != "notify after" {
		t.Errorf("order = %v, want response then notification", got)
	}
}

func TestOnResponseSkippedOnTimeout(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{Quarantine: time.Hour})
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	answered := make(chan struct{})
	go func() {
		key, _ := dc.request(t)
		time.Sleep(80 * time.Millisecond)
		dc.send(t, "R "+key+":late")
		close(answered)
	}()

	var called atomic.Bool
	_, err := m.Send(context.Background(), Request{
		Encode:     encodeLine("slow"),
		OnResponse: func(Inbound) { called.Store(true) },
		Timeout:    20 * time.Millisecond,
	})
	if !errors.Is(err, av.ErrTimeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	<-answered
	time.Sleep(20 * time.Millisecond)
	if called.Load() {
		t.Error("hook ran for a response that arrived after the timeout")
	}
}

func TestLateResponseDoesNotResolveNewerRequest(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{MaxKey: 2, Quarantine: time.Hour})
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	go func() {
		first, _ := dc.request(t)
		second, _ := dc.request(t)
		if first == second {
			t.Errorf("key %s reused while quarantined", first)
		}
		dc.send(t, "R "+first+":late")
		dc.send(t, "R "+second+":fresh")
	}()

	_, err := m.Send(context.Background(), Request{Encode: encodeLine("a"), Timeout: 50 * time.Millisecond})
	if !errors.Is(err, av.ErrTimeout) {
		t.Fatalf("first send: err = %v, want Timeout", err)
	}
	in, err := m.Send(context.Background(), Request{Encode: encodeLine("b"), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if in.Value != "fresh" {
		t.Errorf("second request resolved with %v, want fresh", in.Value)
	}
}

func TestCancelKeepsConnection(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{})
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		dc.request(t)
		cancel()
	}()
	if _, err := m.Send(ctx, Request{Encode: encodeLine("slow")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	go func() {
		key, _ := dc.request(t)
		dc.send(t, "R "+key+":ok")
	}()
	if _, err := m.Send(context.Background(), Request{Encode: encodeLine("next")}); err != nil {
		t.Fatalf("send after cancel: %v", err)
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestDisconnectFailsPendingAndReconnects(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{BackoffBase: 200 * time.Millisecond})
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	const n = 3
	errs := make(chan error, n)
	for i := range n {
		go func() {
			_, err := m.Send(context.Background(), Request{Encode: encodeLine(strconv.Itoa(i)), Timeout: 10 * time.Second})
			errs <- err
		}()
	}
	for range n {
		dc.request(t)
	}
	dropped := time.Now()
	dc.Close()

	for range n {
		select {
		case err := <-errs:
			if !errors.Is(err, av.ErrConnectionLost) {
				t.Errorf("err = %v, want ConnectionLost", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request not failed after disconnect")
		}
	}

	d.accept(t)
	if elapsed := time.Since(dropped); elapsed > time.Second {
		t.Errorf("reconnect took %s", elapsed)
	}
	waitStatus(t, m, av.StatusConnected)
}

func TestHeartbeatMissesDegradeThenReconnect(t *testing.T) {
	d := newFakeDevice()
	statuses := make(chan av.Status, 16)
	m := newTestManager(t, d, Options{
		Heartbeat:         encodeLine("ping"),
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
		BackoffBase:       20 * time.Millisecond,
	})
	m.OnStatus(func(s av.Status) {
		select {
		case statuses <- s:
		default:
		}
	})
	m.Start()
	dc := d.accept(t)
	go io.Copy(io.Discard, dc)

	seen := map[av.Status]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[av.StatusDegraded] || !seen[av.StatusDisconnected] {
		select {
		case s := <-statuses:
			if s == av.StatusDisconnected && !seen[av.StatusDegraded] {
				t.Fatal("disconnected before degraded")
			}
			seen[s] = true
		case <-timeout:
			t.Fatalf("statuses seen: %v", seen)
		}
	}
	d.accept(t)
	if got := d.dials.Load(); got < 2 {
		t.Errorf("dials = %d, want reconnect", got)
	}
}

func TestHeartbeatResponseReachesListener(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{
		Heartbeat:         encodeLine("ping"),
		HeartbeatInterval: 20 * time.Millisecond,
	})
	got := make(chan Inbound, 4)
	m.OnMessage(func(in Inbound) {
		select {
		case got <- in:
		default:
		}
	})
	m.Start()
	dc := d.accept(t)
	go func() {
		key, _ := dc.request(t)
		dc.send(t, "R "+key+":pong")
	}()
	select {
	case in := <-got:
		if in.Value != "pong" {
			t.Errorf("value = %v", in.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat response not forwarded")
	}
	if s := m.Status(); s != av.StatusConnected {
		t.Errorf("status = %s", s)
	}
}

func TestProtocolErrorIsSkipped(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{})
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	go func() {
		key, _ := dc.request(t)
		dc.send(t, "garbage")
		dc.send(t, "R "+key+":ok")
	}()
	in, err := m.Send(context.Background(), Request{Encode: encodeLine("q")})
	if err != nil || in.Value != "ok" {
		t.Fatalf("in=%+v err=%v", in, err)
	}
}

func TestRepeatedProtocolErrorsForceReconnect(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{MaxProtocolErrors: 3, BackoffBase: 10 * time.Millisecond})
	m.Start()
	dc := d.accept(t)
	for range 3 {
		dc.send(t, "garbage")
	}
	d.accept(t)
	if got := d.dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestSendWindowIsFIFOAndBounded(t *testing.T) {
	d := newFakeDevice()
	m := newTestManager(t, d, Options{Window: 4})
	m.Start()
	dc := d.accept(t)
	waitStatus(t, m, av.StatusConnected)

	release := make(chan struct{})
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		order    []string
	)
	received := make(chan string, 16)
	go func() {
		for {
			key, body := dc.request(t)
			if key == "" {
				close(received)
				return
			}
			mu.Lock()
			inFlight++
			maxSeen = max(maxSeen, inFlight)
			order = append(order, body)
			mu.Unlock()
			received <- key
		}
	}()
	go func() {
		<-release
		for key := range received {
			mu.Lock()
			inFlight--
			mu.Unlock()
			dc.send(t, "R "+key+":done")
		}
	}()

	occupied := func() int {
		m.window.mu.Lock()
		defer m.window.mu.Unlock()
		return 4 - m.window.free + len(m.window.waiters)
	}

	const total = 10
	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Send(context.Background(), Request{Encode: encodeLine(strconv.Itoa(i))})
			errs <- err
		}()
		deadline := time.Now().Add(time.Second)
		for occupied() != i+1 {
			if time.Now().After(deadline) {
				t.Fatalf("request %d never entered the window", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("send: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxSeen != 4 {
		t.Errorf("max in flight = %d, want 4", maxSeen)
	}
	for i, body := range order {
		if body != strconv.Itoa(i) {
			t.Fatalf("device saw order %v, want submission order", order)
		}
	}
	if len(order) != total {
		t.Errorf("device saw %d requests, want %d", len(order), total)
	}
}
