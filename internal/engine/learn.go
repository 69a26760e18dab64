package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/irlearn"
)

// ProfileStatus is a profile binding with its learning progress.
type ProfileStatus struct {
	ircode.Binding
	Learned  int      `json:"learned"`
	Missing  []string `json:"missing,omitempty"`
	Complete bool     `json:"complete"`
}

func (e *Engine) gateway(gatewayID string) (*device, error) {
	d, err := e.device(gatewayID)
	if err != nil {
		return nil, err
	}
	if d.cfg.Kind != av.KindIRGateway {
		return nil, fmt.Errorf("device %s is a %s: %w", gatewayID, d.cfg.Kind, av.ErrUnsupportedOperation)
	}
	return d, nil
}

func (e *Engine) learnChanged(s irlearn.Session) {
	e.bus.Emit(events.Event{Type: events.LearnSession, DeviceID: s.GatewayID, Data: s})
}

// StartLearn arms learn mode on gatewayID for a button of profileID. The
// profile must be bound to that gateway; its port is used for testing.
func (e *Engine) StartLearn(ctx context.Context, gatewayID, profileID, button string) (irlearn.Session, error) {
	d, err := e.gateway(gatewayID)
	if err != nil {
		return irlearn.Session{}, err
	}
	b, err := e.player.Binding(profileID)
	if err != nil {
		return irlearn.Session{}, err
	}
	if b.GatewayID != gatewayID {
		return irlearn.Session{}, fmt.Errorf("profile %s is bound to %s, not %s: %w", profileID, b.GatewayID, gatewayID, av.ErrInvalidParameter)
	}
	return d.learner.StartLearn(ctx, profileID, button, b.Port)
}

// WaitCapture blocks until the gateway's session has a candidate or failed.
func (e *Engine) WaitCapture(ctx context.Context, gatewayID string) (irlearn.Session, error) {
	d, err := e.gateway(gatewayID)
	if err != nil {
		return irlearn.Session{}, err
	}
	return d.learner.WaitCapture(ctx)
}

// TestCandidate transmits the captured candidate on the profile's port.
func (e *Engine) TestCandidate(ctx context.Context, gatewayID string) (irlearn.Session, error) {
	d, err := e.gateway(gatewayID)
	if err != nil {
		return irlearn.Session{}, err
	}
	return d.learner.TestCandidate(ctx)
}

// Commit stores the verified candidate of the gateway's session.
func (e *Engine) Commit(gatewayID string) (ircode.Command, error) {
	d, err := e.gateway(gatewayID)
	if err != nil {
		return ircode.Command{}, err
	}
	cmd, err := d.learner.Commit()
	if err != nil {
		return ircode.Command{}, err
	}
	e.codeSaved(cmd)
	return cmd, nil
}

// CancelLearn abandons the gateway's session.
func (e *Engine) CancelLearn(ctx context.Context, gatewayID string) error {
	d, err := e.gateway(gatewayID)
	if err != nil {
		return err
	}
	return d.learner.Cancel(ctx)
}

// LearnStatus returns the gateway's current session.
func (e *Engine) LearnStatus(gatewayID string) (irlearn.Session, error) {
	d, err := e.gateway(gatewayID)
	if err != nil {
		return irlearn.Session{}, err
	}
	s, _ := d.learner.Status()
	return s, nil
}

// Transmit sends a raw code out of a gateway port.
func (e *Engine) Transmit(ctx context.Context, gatewayID string, port int, code []byte) error {
	d, err := e.gateway(gatewayID)
	if err != nil {
		return err
	}
	return d.gw.Transmit(ctx, port, code)
}

// Play transmits a stored button of a profile. Buttons that were never
// learned fail with ErrNotLearned before any I/O.
func (e *Engine) Play(ctx context.Context, profileID, button string) error {
	return e.player.Play(ctx, profileID, button)
}

// SaveCode stores a code supplied by the operator, overwriting the button.
func (e *Engine) SaveCode(cmd ircode.Command) error {
	if _, err := e.player.Binding(cmd.ProfileID); err != nil {
		return err
	}
	if cmd.Button == "" {
		return fmt.Errorf("button is required: %w", av.ErrInvalidParameter)
	}
	if err := codec.ValidateIRCode(cmd.Code); err != nil {
		return err
	}
	if cmd.CapturedAt.IsZero() {
		cmd.CapturedAt = time.Now().UTC()
	}
	if err := e.codes.Save(cmd); err != nil {
		return err
	}
	e.codeSaved(cmd)
	return nil
}

// DeleteCode removes one button of a profile.
func (e *Engine) DeleteCode(profileID, button string) error {
	return e.codes.Delete(profileID, button)
}

// Codes lists the stored commands of a profile.
func (e *Engine) Codes(profileID string) ([]ircode.Command, error) {
	if _, err := e.player.Binding(profileID); err != nil {
		return nil, err
	}
	return e.codes.List(profileID)
}

func (e *Engine) codeSaved(cmd ircode.Command) {
	e.logger.Info("code saved", "profile", cmd.ProfileID, "button", cmd.Button, "code", codec.DescribeIRCode(cmd.Code))
	e.bus.Emit(events.Event{Type: events.CodeSaved, Data: map[string]any{
		"profile_id": cmd.ProfileID,
		"button":     cmd.Button,
		"verified":   cmd.Verified,
	}})
}

// ExportProfile renders a profile's codes as a JSON document.
func (e *Engine) ExportProfile(profileID string) ([]byte, error) {
	return ircode.Export(e.codes, profileID)
}

// ImportProfile stores every command of a JSON document atomically.
func (e *Engine) ImportProfile(data []byte) (ircode.Profile, error) {
	p, err := ircode.Import(e.codes, data)
	if err != nil {
		return ircode.Profile{}, err
	}
	e.logger.Info("profile imported", "profile", p.ID, "buttons", len(p.Buttons))
	e.bus.Emit(events.Event{Type: events.CodeSaved, Data: map[string]any{
		"profile_id": p.ID,
		"buttons":    p.Buttons,
	}})
	return p, nil
}

// Profile returns the binding and completeness of one profile.
func (e *Engine) Profile(profileID string) (ProfileStatus, error) {
	b, err := e.player.Binding(profileID)
	if err != nil {
		return ProfileStatus{}, err
	}
	return e.profileStatus(b)
}

// Profiles returns every bound profile with its completeness.
func (e *Engine) Profiles() ([]ProfileStatus, error) {
	bs := e.player.Bindings()
	out := make([]ProfileStatus, 0, len(bs))
	for _, b := range bs {
		ps, err := e.profileStatus(b)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}

func (e *Engine) profileStatus(b ircode.Binding) (ProfileStatus, error) {
	cmds, err := e.codes.List(b.ProfileID)
	if err != nil {
		return ProfileStatus{}, err
	}
	complete, missing, err := ircode.Complete(e.codes, b.ProfileID, b.Required)
	if err != nil {
		return ProfileStatus{}, err
	}
	return ProfileStatus{Binding: b, Learned: len(cmds), Missing: missing, Complete: complete}, nil
}
