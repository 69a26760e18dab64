package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/conn"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	ampDevice = av.Device{
		ID:        "amp",
		Kind:      av.KindAudioProcessor,
		Transport: av.TransportTCP,
		Address:   "sim",
		Port:      5321,
		Protocol:  codec.ProtocolZoneRPC,
		Caps:      av.Capabilities{Zones: 4, Sources: 6},
		Volume:    av.DefaultVolumeRange,
	}
	irDevice = av.Device{
		ID:        "ir",
		Kind:      av.KindIRGateway,
		Transport: av.TransportTCP,
		Address:   "sim",
		Port:      4998,
		Caps:      av.Capabilities{IRPorts: 3, LearnPort: 0},
	}
	tvBinding = ircode.Binding{ProfileID: "tv", GatewayID: "ir", Port: 2, Required: []string{"power"}}

	powerCode = codec.BuildIRCode(38, 0, []uint16{9000, 4500, 560, 1690})
)

// simNet routes engine dials to in-process device simulators over net.Pipe.
type simNet struct {
	mu       sync.Mutex
	handlers map[string]func(net.Conn)
}

func (n *simNet) handle(id string, h func(net.Conn)) {
	n.mu.Lock()
	n.handlers[id] = h
	n.mu.Unlock()
}

func (n *simNet) dial(d av.Device) conn.Dialer {
	return func(ctx context.Context) (conn.Transport, error) {
		n.mu.Lock()
		h := n.handlers[d.ID]
		n.mu.Unlock()
		if h == nil {
			return nil, fmt.Errorf("no route to %s", d.ID)
		}
		client, server := net.Pipe()
		go h(server)
		return client, nil
	}
}

type testEngine struct {
	*Engine
	net   *simNet
	amp   *audioSim
	ir    *irSim
	codes *ircode.BoltStore
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	codes, err := ircode.NewBoltStore(filepath.Join(t.TempDir(), "codes.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { codes.Close() })

	sn := &simNet{handlers: make(map[string]func(net.Conn))}
	amp := newAudioSim()
	ir := &irSim{}
	sn.handle(ampDevice.ID, amp.serve)
	sn.handle(irDevice.ID, ir.serve)

	logger := newTestLogger()
	e := New(Options{
		HeartbeatInterval: time.Hour,
		IdleTimeout:       time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		CommandTimeout:    2 * time.Second,
		IRCommandTimeout:  2 * time.Second,
		CaptureTimeout:    2 * time.Second,
		Dial:              sn.dial,
	}, codes, events.NewBus(logger), logger)
	t.Cleanup(e.Stop)
	return &testEngine{Engine: e, net: sn, amp: amp, ir: ir, codes: codes}
}

// start applies the standard devices and waits for both to connect.
func (te *testEngine) start(t *testing.T) {
	t.Helper()
	if err := te.Apply([]av.Device{ampDevice, irDevice}, []ircode.Binding{tvBinding}); err != nil {
		t.Fatal(err)
	}
	waitConnected(t, te.Engine, ampDevice.ID)
	waitConnected(t, te.Engine, irDevice.ID)
}

func waitConnected(t *testing.T, e *Engine, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := e.Status(id); s == av.StatusConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := e.Status(id)
	t.Fatalf("%s status = %s, want connected", id, s)
}

// audioSim is a zone-rpc/1 audio processor.
type audioSim struct {
	mu      sync.Mutex
	zones   map[int]*simZone
	seq     uint64
	conn    net.Conn
	writeMu sync.Mutex

	requests atomic.Int32
	gate     chan struct{}
	errCode  int
	maxGain  *float64
	ackOnly  bool
	hangUp   bool
	// trailer is sent in the same write as every answer.
	trailer string
}

type simZone struct {
	source int
	gain   float64
	mute   bool
	seq    uint64
}

type simRequest struct {
	ID     uint32 `json:"id"`
	Method string `json:"method"`
	Params struct {
		Zone   int      `json:"zone"`
		Source *int     `json:"source"`
		Gain   *float64 `json:"gain"`
		Mute   *bool    `json:"mute"`
	} `json:"params"`
}

func newAudioSim() *audioSim {
	return &audioSim{zones: make(map[int]*simZone)}
}

func (s *audioSim) configure(fn func(s *audioSim)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *audioSim) zone(i int) *simZone {
	z, ok := s.zones[i]
	if !ok {
		z = &simZone{source: 1, gain: -80}
		s.zones[i] = z
	}
	return z
}

func (s *audioSim) serve(c net.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req simRequest
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		s.requests.Add(1)
		s.mu.Lock()
		gate := s.gate
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		s.mu.Lock()
		hangUp := s.hangUp
		s.mu.Unlock()
		if hangUp {
			c.Close()
			return
		}
		resp := s.respond(req)
		s.mu.Lock()
		if s.trailer != "" {
			resp += "\n" + s.trailer
		}
		s.mu.Unlock()
		s.write(c, resp)
	}
}

func (s *audioSim) respond(req simRequest) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCode != 0 {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":"rejected"}}`, req.ID, s.errCode)
	}
	p := req.Params
	z := s.zone(p.Zone)
	if req.Method == "set" {
		if p.Source != nil {
			z.source = *p.Source
		}
		if p.Gain != nil {
			z.gain = *p.Gain
			if s.maxGain != nil && z.gain > *s.maxGain {
				z.gain = *s.maxGain
			}
		}
		if p.Mute != nil {
			z.mute = *p.Mute
		}
		s.seq++
		z.seq = s.seq
	}
	if s.ackOnly {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":null}`, req.ID)
	}
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"zone":%d,"seq":%d,"source":%d,"gain":%g,"mute":%t}}`,
		req.ID, p.Zone, z.seq, z.source, z.gain, z.mute)
}

func (s *audioSim) write(c net.Conn, line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = c.Write([]byte(line + "\n"))
}

// notify pushes an unsolicited line on the live connection.
func (s *audioSim) notify(t *testing.T, line string) {
	t.Helper()
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		t.Fatal("audio sim not connected")
	}
	s.write(c, line)
}

// irSim is an IR gateway that acknowledges every frame and, when capture is
// set, reports it as a learned code right after an arm.
type irSim struct {
	mu         sync.Mutex
	capture    []byte
	sendStatus uint8
	sent       []codec.IRFrame
	frames     int
}

func (s *irSim) serve(c net.Conn) {
	var buf []byte
	chunk := make([]byte, 2048)
	for {
		n, err := c.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)
		for {
			f, used, err := codec.ParseIRFrame(buf)
			if errors.Is(err, codec.ErrNeedMoreData) {
				break
			}
			buf = buf[used:]
			if err != nil {
				continue
			}
			s.handle(c, f)
		}
	}
}

func (s *irSim) handle(c net.Conn, f codec.IRFrame) {
	s.mu.Lock()
	s.frames++
	status := codec.IRStatusOK
	var learned []byte
	switch f.Op {
	case codec.IROpSend:
		s.sent = append(s.sent, f)
		status = s.sendStatus
	case codec.IROpLearnArm:
		learned = s.capture
	}
	s.mu.Unlock()

	ack, _ := codec.EncodeIRFrame(codec.IROpAck, f.Port, f.Seq, []byte{status})
	_, _ = c.Write(ack)
	if learned != nil {
		ev, _ := codec.EncodeIRFrame(codec.IROpLearned, f.Port, 0, learned)
		_, _ = c.Write(ev)
	}
}

func (s *irSim) configure(fn func(s *irSim)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *irSim) sentFrames() []codec.IRFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codec.IRFrame(nil), s.sent...)
}

func (s *irSim) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
