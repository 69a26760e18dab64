package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// zoneRPC addresses zones by 1-based index with one object per zone.
type zoneRPC struct{}

type zoneRPCState struct {
	Zone   int      `json:"zone"`
	Seq    uint64   `json:"seq,omitempty"`
	Source *int     `json:"source,omitempty"`
	Gain   *float64 `json:"gain,omitempty"`
	Mute   *bool    `json:"mute,omitempty"`
}

func (zoneRPC) request(zone int, action av.Action, p av.Params, gain float64) (string, any) {
	st := zoneRPCState{Zone: zone}
	switch action {
	case av.ActionSetSource:
		st.Source = &p.Source
	case av.ActionSetVolume:
		st.Gain = &gain
	case av.ActionSetMute:
		st.Mute = &p.Mute
	case av.ActionQueryStatus:
		return "get", st
	}
	return "set", st
}

func (z zoneRPC) parseResult(raw json.RawMessage) ([]rawReport, error) {
	return z.parse(raw)
}

func (zoneRPC) notificationMethod() string { return "zone.update" }

func (z zoneRPC) parseNotification(raw json.RawMessage) ([]rawReport, error) {
	reports, err := z.parse(raw)
	if err == nil && len(reports) == 0 {
		return nil, fmt.Errorf("empty notification")
	}
	return reports, err
}

func (zoneRPC) parse(raw json.RawMessage) ([]rawReport, error) {
	states, err := oneOrMany[zoneRPCState](raw)
	if err != nil {
		return nil, fmt.Errorf("zone state: %w", err)
	}
	out := make([]rawReport, 0, len(states))
	for _, st := range states {
		if st.Zone < 1 {
			return nil, fmt.Errorf("zone index %d", st.Zone)
		}
		out = append(out, rawReport{Zone: st.Zone, Seq: st.Seq, Source: st.Source, Gain: st.Gain, Mute: st.Mute})
	}
	return out, nil
}

// atmosphere addresses individual parameters by name with a 0-based zone
// suffix, e.g. ZoneGain_0.
type atmosphere struct{}

const (
	paramSource = "ZoneSource"
	paramGain   = "ZoneGain"
	paramMute   = "ZoneMute"
)

type atmosphereParam struct {
	Param string          `json:"param"`
	Val   json.RawMessage `json:"val,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
}

type atmosphereSet struct {
	Param string `json:"param"`
	Val   any    `json:"val"`
}

func paramName(prefix string, zone int) string {
	return prefix + "_" + strconv.Itoa(zone-1)
}

func (atmosphere) request(zone int, action av.Action, p av.Params, gain float64) (string, any) {
	switch action {
	case av.ActionSetSource:
		return "set", atmosphereSet{Param: paramName(paramSource, zone), Val: p.Source}
	case av.ActionSetVolume:
		return "set", atmosphereSet{Param: paramName(paramGain, zone), Val: gain}
	case av.ActionSetMute:
		mute := 0
		if p.Mute {
			mute = 1
		}
		return "set", atmosphereSet{Param: paramName(paramMute, zone), Val: mute}
	}
	return "get", []atmosphereParam{
		{Param: paramName(paramSource, zone)},
		{Param: paramName(paramGain, zone)},
		{Param: paramName(paramMute, zone)},
	}
}

func (a atmosphere) parseResult(raw json.RawMessage) ([]rawReport, error) {
	return a.parse(raw)
}

func (atmosphere) notificationMethod() string { return "update" }

func (a atmosphere) parseNotification(raw json.RawMessage) ([]rawReport, error) {
	reports, err := a.parse(raw)
	if err == nil && len(reports) == 0 {
		return nil, fmt.Errorf("empty notification")
	}
	return reports, err
}

func (atmosphere) parse(raw json.RawMessage) ([]rawReport, error) {
	params, err := oneOrMany[atmosphereParam](raw)
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	byZone := make(map[int]*rawReport)
	var order []int
	for _, p := range params {
		prefix, idx, ok := strings.Cut(p.Param, "_")
		if !ok {
			return nil, fmt.Errorf("parameter %q: %w", p.Param, av.ErrUnsupportedOperation)
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("parameter %q: bad zone index", p.Param)
		}
		zone := i + 1
		r := byZone[zone]
		if r == nil {
			r = &rawReport{Zone: zone}
			byZone[zone] = r
			order = append(order, zone)
		}
		r.Seq = max(r.Seq, p.Seq)
		if len(p.Val) == 0 {
			continue
		}
		switch prefix {
		case paramSource:
			var v int
			if err := json.Unmarshal(p.Val, &v); err != nil {
				return nil, fmt.Errorf("%s: %w", p.Param, err)
			}
			r.Source = &v
		case paramGain:
			var v float64
			if err := json.Unmarshal(p.Val, &v); err != nil {
				return nil, fmt.Errorf("%s: %w", p.Param, err)
			}
			r.Gain = &v
		case paramMute:
			v, err := parseMute(p.Val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Param, err)
			}
			r.Mute = &v
		default:
			return nil, fmt.Errorf("parameter %q: %w", p.Param, av.ErrUnsupportedOperation)
		}
	}
	out := make([]rawReport, 0, len(order))
	for _, z := range order {
		out = append(out, *byZone[z])
	}
	return out, nil
}

// parseMute accepts true/false as well as 0/1.
func parseMute(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return false, err
	}
	return n != 0, nil
}
