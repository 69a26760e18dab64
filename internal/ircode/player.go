package ircode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
)

// Binding ties a profile to the gateway port its device listens on.
type Binding struct {
	ProfileID string   `json:"profile_id"`
	GatewayID string   `json:"gateway_id"`
	Port      int      `json:"port"`
	Required  []string `json:"required_buttons,omitempty"`
}

// Transmitter sends a raw IR code out of a gateway port.
type Transmitter interface {
	Transmit(ctx context.Context, gatewayID string, port int, code []byte) error
}

// Player resolves profile buttons to stored codes and transmits them.
type Player struct {
	store  Store
	tx     Transmitter
	logger *slog.Logger

	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewPlayer(store Store, tx Transmitter, logger *slog.Logger) *Player {
	return &Player{
		store:    store,
		tx:       tx,
		logger:   logger.With("component", "ir-player"),
		bindings: make(map[string]Binding),
	}
}

// SetBindings replaces the profile bindings.
func (p *Player) SetBindings(bs []Binding) {
	m := make(map[string]Binding, len(bs))
	for _, b := range bs {
		m[b.ProfileID] = b
	}
	p.mu.Lock()
	p.bindings = m
	p.mu.Unlock()
}

// Binding returns the binding of profileID.
func (p *Player) Binding(profileID string) (Binding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.bindings[profileID]
	if !ok {
		return Binding{}, fmt.Errorf("profile %s: %w", profileID, av.ErrNotFound)
	}
	return b, nil
}

// Bindings returns all bindings sorted by profile id.
func (p *Player) Bindings() []Binding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Binding, 0, len(p.bindings))
	for _, b := range p.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// Play transmits the stored code for (profileID, button). A button that was
// never learned fails with ErrNotLearned before any I/O.
func (p *Player) Play(ctx context.Context, profileID, button string) error {
	b, err := p.Binding(profileID)
	if err != nil {
		return err
	}
	cmd, err := p.store.Get(profileID, button)
	if errors.Is(err, av.ErrNotFound) {
		return fmt.Errorf("%s/%s: %w", profileID, button, av.ErrNotLearned)
	}
	if err != nil {
		return err
	}
	p.logger.Info("play", "profile", profileID, "button", button,
		"gateway", b.GatewayID, "port", b.Port, "code", codec.DescribeIRCode(cmd.Code))
	return p.tx.Transmit(ctx, b.GatewayID, b.Port, cmd.Code)
}
