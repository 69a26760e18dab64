package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// Audio protocol version tags.
const (
	ProtocolZoneRPC    = "zone-rpc/1"
	ProtocolAtmosphere = "atmosphere"
)

// ZoneReport is zone state reported by a device. Nil fields were not reported.
type ZoneReport struct {
	Zone   int
	Seq    uint64
	Source *int
	Volume *int
	Mute   *bool
}

func (r ZoneReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zone=%d seq=%d", r.Zone, r.Seq)
	if r.Source != nil {
		fmt.Fprintf(&b, " source=%d", *r.Source)
	}
	if r.Volume != nil {
		fmt.Fprintf(&b, " volume=%d", *r.Volume)
	}
	if r.Mute != nil {
		fmt.Fprintf(&b, " mute=%t", *r.Mute)
	}
	return b.String()
}

// RPCError is an error object returned by the device.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}

// Is maps JSON-RPC error codes onto the error taxonomy.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case -32601:
		return target == av.ErrUnsupportedOperation
	case -32602:
		return target == av.ErrInvalidParameter
	case -32000:
		return target == av.ErrBusy
	}
	return target == av.ErrProtocol
}

// AudioResponse answers a request with the same ID. Err is set when the device
// returned an error object or when the result could not be interpreted.
type AudioResponse struct {
	ID      uint32
	Reports []ZoneReport
	Err     error
}

func (r AudioResponse) String() string {
	if r.Err != nil {
		return fmt.Sprintf("response id=%d err=%v", r.ID, r.Err)
	}
	return fmt.Sprintf("response id=%d %s", r.ID, joinReports(r.Reports))
}

// AudioNotification is unsolicited state pushed by the device.
type AudioNotification struct {
	Reports []ZoneReport
}

func (n AudioNotification) String() string {
	return "notify " + joinReports(n.Reports)
}

func joinReports(rs []ZoneReport) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

// rawReport is a zone report in native units, before normalization.
type rawReport struct {
	Zone   int
	Seq    uint64
	Source *int
	Gain   *float64
	Mute   *bool
}

// dialect is one JSON-RPC parameter layout.
type dialect interface {
	request(zone int, action av.Action, p av.Params, gain float64) (method string, params any)
	parseResult(raw json.RawMessage) ([]rawReport, error)
	notificationMethod() string
	parseNotification(raw json.RawMessage) ([]rawReport, error)
}

// AudioCodec speaks newline-delimited JSON-RPC 2.0 to an audio processor.
type AudioCodec struct {
	protocol string
	dialect  dialect
	scale    av.VolumeRange
}

// NewAudioCodec returns a codec for the protocol version tag. An empty tag
// selects zone-rpc/1.
func NewAudioCodec(protocol string, scale av.VolumeRange) (*AudioCodec, error) {
	c := &AudioCodec{protocol: protocol, scale: scale}
	switch protocol {
	case ProtocolZoneRPC, "":
		c.protocol = ProtocolZoneRPC
		c.dialect = zoneRPC{}
	case ProtocolAtmosphere:
		c.dialect = atmosphere{}
	default:
		return nil, fmt.Errorf("audio protocol %q: %w", protocol, av.ErrUnsupportedOperation)
	}
	return c, nil
}

// Protocol returns the version tag the codec speaks.
func (c *AudioCodec) Protocol() string { return c.protocol }

// Check validates an action and its parameters without encoding it.
func (c *AudioCodec) Check(zone int, action av.Action, p av.Params) error {
	_, err := c.prepare(zone, action, p)
	return err
}

func (c *AudioCodec) prepare(zone int, action av.Action, p av.Params) (float64, error) {
	if zone < 1 {
		return 0, fmt.Errorf("zone %d: %w", zone, av.ErrInvalidZone)
	}
	switch action {
	case av.ActionSetVolume:
		return Denormalize(c.scale, p.Volume)
	case av.ActionSetSource:
		if p.Source < 1 {
			return 0, fmt.Errorf("source %d: %w", p.Source, av.ErrInvalidParameter)
		}
	case av.ActionSetMute, av.ActionQueryStatus:
	default:
		return 0, fmt.Errorf("action %q: %w", action, av.ErrUnsupportedOperation)
	}
	return 0, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint32 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// EncodeAudioCommand renders one request line, newline included.
func (c *AudioCodec) EncodeAudioCommand(id uint32, zone int, action av.Action, p av.Params) ([]byte, error) {
	gain, err := c.prepare(zone, action, p)
	if err != nil {
		return nil, err
	}
	method, params := c.dialect.request(zone, action, p, gain)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint32         `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// DecodeAudioFrame decodes the first line of buf. It returns the decoded value
// (AudioResponse or AudioNotification) and the number of bytes consumed. A
// blank line is consumed with a nil value. Malformed and unsupported lines are
// consumed and reported as errors so decoding can continue with the next line.
func (c *AudioCodec) DecodeAudioFrame(buf []byte) (any, int, error) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		if len(buf) > maxLineLen {
			return nil, len(buf), av.NewProtocolError("line too long", buf[:64])
		}
		return nil, 0, ErrNeedMoreData
	}
	n := i + 1
	line := bytes.TrimSpace(buf[:i])
	if len(line) == 0 {
		return nil, n, nil
	}

	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, n, av.NewProtocolError("malformed json: "+err.Error(), line)
	}
	if msg.JSONRPC != "2.0" {
		return nil, n, av.NewProtocolError(fmt.Sprintf("jsonrpc version %q", msg.JSONRPC), line)
	}

	switch {
	case msg.ID != nil && msg.Method == "":
		resp := AudioResponse{ID: *msg.ID}
		if msg.Error != nil {
			resp.Err = msg.Error
			return resp, n, nil
		}
		raws, err := c.dialect.parseResult(msg.Result)
		if err != nil {
			resp.Err = wrapDecodeErr(err, line)
			return resp, n, nil
		}
		resp.Reports = c.normalize(raws)
		return resp, n, nil
	case msg.ID == nil && msg.Method == c.dialect.notificationMethod():
		raws, err := c.dialect.parseNotification(msg.Params)
		if err != nil {
			return nil, n, wrapDecodeErr(err, line)
		}
		return AudioNotification{Reports: c.normalize(raws)}, n, nil
	case msg.Method != "":
		return nil, n, fmt.Errorf("method %q: %w", msg.Method, av.ErrUnsupportedOperation)
	}
	return nil, n, av.NewProtocolError("neither response nor notification", line)
}

func wrapDecodeErr(err error, line []byte) error {
	if errors.Is(err, av.ErrUnsupportedOperation) {
		return err
	}
	return av.NewProtocolError(err.Error(), line)
}

func (c *AudioCodec) normalize(raws []rawReport) []ZoneReport {
	out := make([]ZoneReport, 0, len(raws))
	for _, r := range raws {
		zr := ZoneReport{Zone: r.Zone, Seq: r.Seq, Source: r.Source, Mute: r.Mute}
		if r.Gain != nil {
			v := Normalize(c.scale, *r.Gain)
			zr.Volume = &v
		}
		out = append(out, zr)
	}
	return out
}

// oneOrMany decodes either a JSON object or an array of objects.
func oneOrMany[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var out []T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
