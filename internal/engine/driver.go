package engine

import (
	"errors"
	"log/slog"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/conn"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/irlearn"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/state"
)

// driver adapts one device kind to the connection manager: framing, the
// liveness probe and handling of unsolicited frames.
type driver interface {
	conn.Decoder
	heartbeat(key uint32) ([]byte, error)
	onMessage(in conn.Inbound)
}

// audioDriver speaks JSON-RPC to an audio processor and feeds zone reports
// into the state store.
type audioDriver struct {
	deviceID string
	codec    *codec.AudioCodec
	states   *state.Store
	logger   *slog.Logger
}

func (d *audioDriver) Decode(buf []byte) (conn.Inbound, int, error) {
	v, n, err := d.codec.DecodeAudioFrame(buf)
	if err != nil {
		return conn.Inbound{}, n, err
	}
	switch v := v.(type) {
	case codec.AudioResponse:
		return conn.Inbound{Key: v.ID, Response: true, Value: v, Err: v.Err, Summary: v.String()}, n, nil
	case codec.AudioNotification:
		return conn.Inbound{Value: v, Summary: v.String()}, n, nil
	}
	return conn.Inbound{}, n, nil
}

// heartbeat polls zone 1 so liveness probes also refresh state.
func (d *audioDriver) heartbeat(key uint32) ([]byte, error) {
	return d.codec.EncodeAudioCommand(key, 1, av.ActionQueryStatus, av.Params{})
}

func (d *audioDriver) onMessage(in conn.Inbound) {
	switch v := in.Value.(type) {
	case codec.AudioNotification:
		d.apply(v.Reports)
	case codec.AudioResponse:
		d.apply(v.Reports)
	}
}

// apply merges reports into the store and returns the zones that were
// covered, stale or not.
func (d *audioDriver) apply(reports []codec.ZoneReport) map[int]bool {
	covered := make(map[int]bool, len(reports))
	for _, r := range reports {
		_, applied, err := d.states.Apply(state.Update{
			DeviceID: d.deviceID,
			Zone:     r.Zone,
			Seq:      r.Seq,
			Source:   r.Source,
			Volume:   r.Volume,
			Mute:     r.Mute,
		})
		if errors.Is(err, av.ErrNotFound) {
			d.logger.Warn("report for unknown zone", "report", r.String())
			continue
		}
		if err != nil {
			d.logger.Warn("apply report", "report", r.String(), "err", err)
			continue
		}
		covered[r.Zone] = true
		if !applied {
			d.logger.Debug("stale report discarded", "report", r.String())
		}
	}
	return covered
}

// irDriver speaks the binary gateway protocol. Acks answer requests by seq;
// learn events go to the gateway's learner.
type irDriver struct {
	deviceID string
	learner  *irlearn.Learner
	logger   *slog.Logger
}

func (d *irDriver) Decode(buf []byte) (conn.Inbound, int, error) {
	f, n, err := codec.DecodeIRFrame(buf)
	if err != nil {
		return conn.Inbound{}, n, err
	}
	if f.Op == codec.IROpAck {
		ack, err := codec.DecodeIRAck(f)
		if err != nil {
			return conn.Inbound{}, n, err
		}
		return conn.Inbound{Key: uint32(ack.Seq), Response: true, Value: ack, Err: ack.Err(), Summary: ack.String()}, n, nil
	}
	ev, err := codec.DecodeIRLearnEvent(f)
	if err != nil {
		return conn.Inbound{}, n, err
	}
	return conn.Inbound{Value: ev, Summary: ev.String()}, n, nil
}

func (d *irDriver) heartbeat(key uint32) ([]byte, error) {
	return codec.EncodeIRPing(uint16(key))
}

func (d *irDriver) onMessage(in conn.Inbound) {
	if ev, ok := in.Value.(codec.IRLearnEvent); ok {
		d.learner.HandleEvent(ev)
	}
}
