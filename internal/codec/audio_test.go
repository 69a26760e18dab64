package codec

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

func newZoneRPC(t *testing.T) *AudioCodec {
	t.Helper()
	c, err := NewAudioCodec(ProtocolZoneRPC, av.DefaultVolumeRange)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestVolumeRoundTrip(t *testing.T) {
	scales := []av.VolumeRange{
		av.DefaultVolumeRange,
		{MinDB: -80, MaxDB: 0, StepDB: 1},
		{MinDB: -60, MaxDB: 12, StepDB: 0.1},
		{MinDB: -100, MaxDB: 10, StepDB: 2.5},
	}
	for _, r := range scales {
		// Quantization can shift the recovered value by at most one device step.
		tol := int(math.Ceil(r.StepDB * 100 / (r.MaxDB - r.MinDB)))
		for v := 0; v <= 100; v++ {
			db, err := Denormalize(r, v)
			if err != nil {
				t.Fatalf("Denormalize(%v, %d): %v", r, v, err)
			}
			if db < r.MinDB || db > r.MaxDB {
				t.Fatalf("Denormalize(%v, %d) = %v outside range", r, v, db)
			}
			got := Normalize(r, db)
			if d := got - v; d > tol || d < -tol {
				t.Errorf("range %v: %d -> %.2f dB -> %d (tolerance %d)", r, v, db, got, tol)
			}
		}
	}
}

func TestVolumeEndpoints(t *testing.T) {
	r := av.DefaultVolumeRange
	if db, _ := Denormalize(r, 0); db != -80 {
		t.Errorf("0 -> %v, want -80", db)
	}
	if db, _ := Denormalize(r, 100); db != 0 {
		t.Errorf("100 -> %v, want 0", db)
	}
	if got := Normalize(r, 6); got != 100 {
		t.Errorf("Normalize above range = %d, want 100", got)
	}
	if got := Normalize(r, -120); got != 0 {
		t.Errorf("Normalize below range = %d, want 0", got)
	}
}

func TestEncodeRejectsOutOfRangeVolume(t *testing.T) {
	c := newZoneRPC(t)
	for _, v := range []int{-1, 101, 1000} {
		_, err := c.EncodeAudioCommand(1, 1, av.ActionSetVolume, av.Params{Volume: v})
		if !errors.Is(err, av.ErrInvalidParameter) {
			t.Errorf("volume %d: err = %v, want InvalidParameter", v, err)
		}
	}
	if _, err := c.EncodeAudioCommand(1, 1, av.ActionSetSource, av.Params{Source: 0}); !errors.Is(err, av.ErrInvalidParameter) {
		t.Errorf("source 0: err = %v, want InvalidParameter", err)
	}
	if _, err := c.EncodeAudioCommand(1, 1, av.Action("reboot"), av.Params{}); !errors.Is(err, av.ErrUnsupportedOperation) {
		t.Errorf("unknown action: err = %v, want UnsupportedOperation", err)
	}
}

func TestEncodeZoneRPC(t *testing.T) {
	c := newZoneRPC(t)
	tests := []struct {
		action av.Action
		params av.Params
		want   string
	}{
		{av.ActionSetVolume, av.Params{Volume: 50}, `{"jsonrpc":"2.0","id":7,"method":"set","params":{"zone":2,"gain":-40}}`},
		{av.ActionSetSource, av.Params{Source: 3}, `{"jsonrpc":"2.0","id":7,"method":"set","params":{"zone":2,"source":3}}`},
		{av.ActionSetMute, av.Params{Mute: true}, `{"jsonrpc":"2.0","id":7,"method":"set","params":{"zone":2,"mute":true}}`},
		{av.ActionQueryStatus, av.Params{}, `{"jsonrpc":"2.0","id":7,"method":"get","params":{"zone":2}}`},
	}
	for _, tt := range tests {
		got, err := c.EncodeAudioCommand(7, 2, tt.action, tt.params)
		if err != nil {
			t.Fatalf("%s: %v", tt.action, err)
		}
		if string(got) != tt.want+"\n" {
			t.Errorf("%s:\n got %s\nwant %s", tt.action, got, tt.want)
		}
	}
}

func TestEncodeAtmosphere(t *testing.T) {
	c, err := NewAudioCodec(ProtocolAtmosphere, av.DefaultVolumeRange)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.EncodeAudioCommand(3, 1, av.ActionSetMute, av.Params{Mute: true})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"jsonrpc":"2.0","id":3,"method":"set","params":{"param":"ZoneMute_0","val":1}}` + "\n"
	if string(got) != want {
		t.Errorf("got %s want %s", got, want)
	}

	got, err = c.EncodeAudioCommand(4, 3, av.ActionQueryStatus, av.Params{})
	if err != nil {
		t.Fatal(err)
	}
	var req struct {
		Method string `json:"method"`
		Params []struct {
			Param string `json:"param"`
		} `json:"params"`
	}
	if err := json.Unmarshal(got, &req); err != nil {
		t.Fatal(err)
	}
	if req.Method != "get" || len(req.Params) != 3 || req.Params[1].Param != "ZoneGain_2" {
		t.Errorf("unexpected query: %s", got)
	}
}

func TestUnknownProtocol(t *testing.T) {
	if _, err := NewAudioCodec("telnet-v9", av.DefaultVolumeRange); !errors.Is(err, av.ErrUnsupportedOperation) {
		t.Errorf("err = %v, want UnsupportedOperation", err)
	}
}

func TestDecodeResponse(t *testing.T) {
	c := newZoneRPC(t)
	line := `{"jsonrpc":"2.0","id":9,"result":{"zone":2,"seq":12,"source":4,"gain":-20,"mute":false}}` + "\n"
	v, n, err := c.DecodeAudioFrame([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(line) {
		t.Errorf("consumed %d, want %d", n, len(line))
	}
	resp, ok := v.(AudioResponse)
	if !ok {
		t.Fatalf("got %T, want AudioResponse", v)
	}
	if resp.ID != 9 || resp.Err != nil || len(resp.Reports) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	r := resp.Reports[0]
	if r.Zone != 2 || r.Seq != 12 || *r.Source != 4 || *r.Volume != 75 || *r.Mute {
		t.Errorf("report = %s", r)
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	c := newZoneRPC(t)
	v, _, err := c.DecodeAudioFrame([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"bad zone"}}` + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	resp := v.(AudioResponse)
	if !errors.Is(resp.Err, av.ErrInvalidParameter) {
		t.Errorf("err = %v, want InvalidParameter", resp.Err)
	}
}

func TestDecodeBadResultIsDeliveredToCaller(t *testing.T) {
	c := newZoneRPC(t)
	v, _, err := c.DecodeAudioFrame([]byte(`{"jsonrpc":"2.0","id":5,"result":"ok?"}` + "\n"))
	if err != nil {
		t.Fatalf("framing error: %v", err)
	}
	resp := v.(AudioResponse)
	if resp.ID != 5 || !errors.Is(resp.Err, av.ErrProtocol) {
		t.Errorf("resp = %+v, want protocol error for id 5", resp)
	}
}

func TestDecodeNotification(t *testing.T) {
	c := newZoneRPC(t)
	v, _, err := c.DecodeAudioFrame([]byte(`{"jsonrpc":"2.0","method":"zone.update","params":{"zone":3,"seq":40,"mute":true}}` + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := v.(AudioNotification)
	if !ok || len(n.Reports) != 1 {
		t.Fatalf("got %#v", v)
	}
	r := n.Reports[0]
	if r.Zone != 3 || r.Seq != 40 || r.Mute == nil || !*r.Mute || r.Volume != nil || r.Source != nil {
		t.Errorf("report = %s", r)
	}
}

func TestDecodeAtmosphereNotification(t *testing.T) {
	c, _ := NewAudioCodec(ProtocolAtmosphere, av.DefaultVolumeRange)
	line := `{"jsonrpc":"2.0","method":"update","params":[{"param":"ZoneGain_1","val":-40,"seq":3},{"param":"ZoneMute_1","val":0,"seq":4}]}` + "\n"
	v, _, err := c.DecodeAudioFrame([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	r := v.(AudioNotification).Reports[0]
	if r.Zone != 2 || r.Seq != 4 || *r.Volume != 50 || *r.Mute {
		t.Errorf("report = %s", r)
	}

	_, _, err = c.DecodeAudioFrame([]byte(`{"jsonrpc":"2.0","method":"update","params":{"param":"ZoneBass_0","val":3}}` + "\n"))
	if !errors.Is(err, av.ErrUnsupportedOperation) {
		t.Errorf("unknown param: err = %v, want UnsupportedOperation", err)
	}
}

func TestDecodePartialFrame(t *testing.T) {
	c := newZoneRPC(t)
	full := `{"jsonrpc":"2.0","id":2,"result":{"zone":1,"seq":1}}` + "\n"
	for cut := 0; cut < len(full); cut++ {
		_, n, err := c.DecodeAudioFrame([]byte(full[:cut]))
		if !errors.Is(err, ErrNeedMoreData) || n != 0 {
			t.Fatalf("cut %d: n=%d err=%v, want need-more-data", cut, n, err)
		}
	}
}

func TestDecodeMalformedThenValid(t *testing.T) {
	c := newZoneRPC(t)
	good := `{"jsonrpc":"2.0","id":4,"result":{"zone":1,"seq":2}}` + "\n"
	buf := []byte("{not json\n" + good)

	_, n, err := c.DecodeAudioFrame(buf)
	var pe *av.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if string(pe.Raw) != "{not json" {
		t.Errorf("raw = %q", pe.Raw)
	}
	v, m, err := c.DecodeAudioFrame(buf[n:])
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if n+m != len(buf) || v.(AudioResponse).ID != 4 {
		t.Errorf("resume failed: n=%d m=%d v=%v", n, m, v)
	}
}

func TestDecodeUnknownMethodAndVersion(t *testing.T) {
	c := newZoneRPC(t)
	_, n, err := c.DecodeAudioFrame([]byte(`{"jsonrpc":"2.0","method":"reboot.notice","params":{}}` + "\n"))
	if !errors.Is(err, av.ErrUnsupportedOperation) || n == 0 {
		t.Errorf("unknown method: n=%d err=%v", n, err)
	}
	_, _, err = c.DecodeAudioFrame([]byte(`{"jsonrpc":"1.0","id":1,"result":{}}` + "\n"))
	if !errors.Is(err, av.ErrProtocol) {
		t.Errorf("version mismatch: err = %v, want ProtocolError", err)
	}
}

func TestDecodeBlankLineAndOversize(t *testing.T) {
	c := newZoneRPC(t)
	v, n, err := c.DecodeAudioFrame([]byte("\r\n"))
	if v != nil || n != 2 || err != nil {
		t.Errorf("blank line: v=%v n=%d err=%v", v, n, err)
	}
	big := []byte(strings.Repeat("x", maxLineLen+1))
	_, n, err = c.DecodeAudioFrame(big)
	if !errors.Is(err, av.ErrProtocol) || n != len(big) {
		t.Errorf("oversize: n=%d err=%v", n, err)
	}
}
