package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/conn"
)

// irGateway issues acknowledged commands to one IR gateway with at most one
// command in flight per port.
type irGateway struct {
	dev     av.Device
	mgr     *conn.Manager
	timeout time.Duration

	mu    sync.Mutex
	ports map[int]chan struct{}
}

func newIRGateway(dev av.Device, mgr *conn.Manager, timeout time.Duration) *irGateway {
	return &irGateway{dev: dev, mgr: mgr, timeout: timeout, ports: make(map[int]chan struct{})}
}

func (g *irGateway) lock(ctx context.Context, port int) (func(), error) {
	g.mu.Lock()
	ch, ok := g.ports[port]
	if !ok {
		ch = make(chan struct{}, 1)
		g.ports[port] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *irGateway) command(ctx context.Context, port int, summary string, encode func(seq uint16, port uint8) ([]byte, error)) error {
	if port < 0 || port > 0xFF {
		return fmt.Errorf("%s port %d: %w", g.dev.ID, port, av.ErrInvalidParameter)
	}
	unlock, err := g.lock(ctx, port)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = g.mgr.Send(ctx, conn.Request{
		Encode:  func(key uint32) ([]byte, error) { return encode(uint16(key), uint8(port)) },
		Timeout: g.timeout,
		Summary: fmt.Sprintf("%s port=%d", summary, port),
	})
	return err
}

// Transmit sends code out of one of the gateway's emitter ports (1-based).
func (g *irGateway) Transmit(ctx context.Context, port int, code []byte) error {
	if port < 1 || port > g.dev.Caps.IRPorts {
		return fmt.Errorf("%s has no ir port %d: %w", g.dev.ID, port, av.ErrInvalidParameter)
	}
	if err := codec.ValidateIRCode(code); err != nil {
		return err
	}
	return g.command(ctx, port, "send", func(seq uint16, p uint8) ([]byte, error) {
		return codec.EncodeIRSend(seq, p, code)
	})
}

func (g *irGateway) Arm(ctx context.Context, port int) error {
	return g.command(ctx, port, "learn-arm", func(seq uint16, p uint8) ([]byte, error) {
		return codec.EncodeIRLearn(seq, p, true)
	})
}

func (g *irGateway) Disarm(ctx context.Context, port int) error {
	return g.command(ctx, port, "learn-disarm", func(seq uint16, p uint8) ([]byte, error) {
		return codec.EncodeIRLearn(seq, p, false)
	})
}
