package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/conn"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/state"
)

func (e *Engine) audioDevice(deviceID string) (*device, error) {
	d, err := e.device(deviceID)
	if err != nil {
		return nil, err
	}
	if d.cfg.Kind != av.KindAudioProcessor {
		return nil, fmt.Errorf("device %s is a %s: %w", deviceID, d.cfg.Kind, av.ErrUnsupportedOperation)
	}
	return d, nil
}

// validate rejects a command before any I/O.
func validate(d *device, zone int, action av.Action, p av.Params) error {
	if !action.Valid() {
		return fmt.Errorf("action %q: %w", action, av.ErrInvalidParameter)
	}
	if !d.cfg.HasZone(zone) {
		return fmt.Errorf("device %s has %d zones, got %d: %w", d.cfg.ID, d.cfg.Caps.Zones, zone, av.ErrInvalidZone)
	}
	if action == av.ActionSetSource && d.cfg.Caps.Sources > 0 && p.Source > d.cfg.Caps.Sources {
		return fmt.Errorf("device %s has %d sources, got %d: %w", d.cfg.ID, d.cfg.Caps.Sources, p.Source, av.ErrInvalidParameter)
	}
	return d.audio.Check(zone, action, p)
}

// requested converts a command into the state change it asks for.
func requested(deviceID string, zone int, action av.Action, p av.Params) (state.Update, bool) {
	u := state.Update{DeviceID: deviceID, Zone: zone}
	switch action {
	case av.ActionSetSource:
		u.Source = &p.Source
	case av.ActionSetVolume:
		u.Volume = &p.Volume
	case av.ActionSetMute:
		u.Mute = &p.Mute
	default:
		return u, false
	}
	return u, true
}

// Execute runs one zone command and returns the resulting zone state.
// Volume and mute changes are shown optimistically while the command is in
// flight; the device's answer replaces them. Commands are never retried.
func (e *Engine) Execute(ctx context.Context, deviceID string, zone int, action av.Action, p av.Params) (av.Zone, error) {
	d, err := e.audioDevice(deviceID)
	if err != nil {
		return av.Zone{}, err
	}
	if err := validate(d, zone, action, p); err != nil {
		return av.Zone{}, err
	}

	want, isSet := requested(deviceID, zone, action, p)
	var intent state.Intent
	if action == av.ActionSetVolume || action == av.ActionSetMute {
		if _, intent, err = e.states.ApplyOptimistic(want); err != nil {
			return av.Zone{}, err
		}
	}
	drv := d.driver.(*audioDriver)
	_, err = d.mgr.Send(ctx, conn.Request{
		Encode: func(key uint32) ([]byte, error) {
			return d.audio.EncodeAudioCommand(key, zone, action, p)
		},
		// Runs on the read loop, so notifications sent after the answer are
		// applied after it.
		OnResponse: func(in conn.Inbound) {
			defer e.states.Settle(intent)
			if in.Err != nil {
				return
			}
			resp, _ := in.Value.(codec.AudioResponse)
			covered := drv.apply(resp.Reports)
			if isSet && !covered[zone] {
				// Acknowledged without state: the device did what was asked.
				if _, _, err := e.states.Apply(want); err != nil {
					drv.logger.Warn("apply acknowledged command", "zone", zone, "err", err)
				}
			}
		},
		Summary: fmt.Sprintf("%s zone=%d", action, zone),
	})
	// A no-op after a response; reverts the view on timeouts and dropped links.
	e.states.Settle(intent)
	if err != nil {
		return av.Zone{}, err
	}
	return e.states.Get(deviceID, zone)
}

// QueryStatus polls every zone of an audio device concurrently and returns
// the refreshed snapshot. The send window bounds the concurrency.
func (e *Engine) QueryStatus(ctx context.Context, deviceID string) ([]av.Zone, error) {
	d, err := e.audioDevice(deviceID)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for zone := 1; zone <= d.cfg.Caps.Zones; zone++ {
		g.Go(func() error {
			_, err := e.Execute(gctx, deviceID, zone, av.ActionQueryStatus, av.Params{})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return e.states.Snapshot(deviceID)
}

// Zones returns the cached state of every zone without touching the device.
func (e *Engine) Zones(deviceID string) ([]av.Zone, error) {
	if _, err := e.audioDevice(deviceID); err != nil {
		return nil, err
	}
	return e.states.Snapshot(deviceID)
}

// Zone returns the cached state of one zone.
func (e *Engine) Zone(deviceID string, zone int) (av.Zone, error) {
	if _, err := e.audioDevice(deviceID); err != nil {
		return av.Zone{}, err
	}
	return e.states.Get(deviceID, zone)
}
