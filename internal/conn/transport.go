package conn

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// Transport is a byte stream to one device.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a fresh transport. It is called again on every reconnect.
type Dialer func(ctx context.Context) (Transport, error)

// TCPDialer dials addr (host:port) with TCP keepalive enabled.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		d := net.Dialer{KeepAlive: 15 * time.Second}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return c, nil
	}
}

// SerialDialer opens an RS-232 port at 8N1.
func SerialDialer(path string, baud int) Dialer {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return func(ctx context.Context) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		// USB-serial adapters on IR gateways need DTR/RTS asserted.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return &serialTransport{port: port}, nil
	}
}

// serialTransport adapts serial.Port to Transport. The port only has a read
// timeout, so deadlines are converted to a relative timeout and a read that
// returns nothing is reported as an expired deadline.
type serialTransport struct {
	port serial.Port
}

func (s *serialTransport) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err == nil && n == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (s *serialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *serialTransport) Close() error { return s.port.Close() }

func (s *serialTransport) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return s.port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return s.port.SetReadTimeout(d)
}

func (s *serialTransport) SetWriteDeadline(time.Time) error { return nil }
