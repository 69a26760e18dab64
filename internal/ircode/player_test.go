package ircode

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

type transmission struct {
	gateway string
	port    int
	code    []byte
}

type stubTransmitter struct {
	sent []transmission
	err  error
}

func (s *stubTransmitter) Transmit(_ context.Context, gatewayID string, port int, code []byte) error {
	s.sent = append(s.sent, transmission{gatewayID, port, code})
	return s.err
}

func newTestPlayer(t *testing.T) (*Player, *BoltStore, *stubTransmitter) {
	t.Helper()
	s := newTestStore(t)
	tx := &stubTransmitter{}
	p := NewPlayer(s, tx, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	p.SetBindings([]Binding{{ProfileID: "tv", GatewayID: "ir-1", Port: 2}})
	return p, s, tx
}

func TestPlayNotLearned(t *testing.T) {
	p, _, tx := newTestPlayer(t)
	err := p.Play(context.Background(), "tv", "power")
	if !errors.Is(err, av.ErrNotLearned) {
		t.Fatalf("err = %v, want NotLearned", err)
	}
	if len(tx.sent) != 0 {
		t.Error("transmitted without a code")
	}
}

func TestPlayUnknownProfile(t *testing.T) {
	p, _, _ := newTestPlayer(t)
	if err := p.Play(context.Background(), "radio", "power"); !errors.Is(err, av.ErrNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestPlaySendsStoredCode(t *testing.T) {
	p, s, tx := newTestPlayer(t)
	s.Save(Command{ProfileID: "tv", Button: "power", Code: powerCode, Verified: true})

	if err := p.Play(context.Background(), "tv", "power"); err != nil {
		t.Fatal(err)
	}
	if len(tx.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(tx.sent))
	}
	got := tx.sent[0]
	if got.gateway != "ir-1" || got.port != 2 || !bytes.Equal(got.code, powerCode) {
		t.Errorf("sent %+v", got)
	}
}

func TestPlayTransportErrorIsNotNotLearned(t *testing.T) {
	p, s, tx := newTestPlayer(t)
	s.Save(Command{ProfileID: "tv", Button: "power", Code: powerCode})
	tx.err = av.ErrConnectionLost

	err := p.Play(context.Background(), "tv", "power")
	if !errors.Is(err, av.ErrConnectionLost) || errors.Is(err, av.ErrNotLearned) {
		t.Errorf("err = %v, want ConnectionLost only", err)
	}
}
