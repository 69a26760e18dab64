package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// IR gateway frame: sync(1) | len(2 LE) | op(1) | port(1) | seq(2 LE) | payload | crc8(1).
// len counts op..payload; the CRC covers len..payload.
const (
	irSync       = 0xA5
	irHeaderSize = 7
	irMinLen     = 4
	irMaxPayload = 1024
)

// IR opcodes.
const (
	IROpSend         uint8 = 0x01
	IROpLearnArm     uint8 = 0x02
	IROpLearnDisarm  uint8 = 0x03
	IROpPing         uint8 = 0x04
	IROpAck          uint8 = 0x81
	IROpLearned      uint8 = 0x82
	IROpLearnTimeout uint8 = 0x83
	IROpLearnError   uint8 = 0x84
)

func irOpName(op uint8) string {
	switch op {
	case IROpSend:
		return "Send"
	case IROpLearnArm:
		return "LearnArm"
	case IROpLearnDisarm:
		return "LearnDisarm"
	case IROpPing:
		return "Ping"
	case IROpAck:
		return "Ack"
	case IROpLearned:
		return "Learned"
	case IROpLearnTimeout:
		return "LearnTimeout"
	case IROpLearnError:
		return "LearnError"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", op)
	}
}

// Ack status codes.
const (
	IRStatusOK      uint8 = 0x00
	IRStatusBusy    uint8 = 0x01
	IRStatusBadCode uint8 = 0x02
	IRStatusBadPort uint8 = 0x03
)

// IRFrame is one decoded gateway frame.
type IRFrame struct {
	Op      uint8
	Port    uint8
	Seq     uint16
	Payload []byte
}

func (f IRFrame) String() string {
	return fmt.Sprintf("%s port=%d seq=%d len=%d", irOpName(f.Op), f.Port, f.Seq, len(f.Payload))
}

// IRAck acknowledges a host request with the same port and seq.
type IRAck struct {
	Port   uint8
	Seq    uint16
	Status uint8
}

// Err maps the ack status onto the error taxonomy.
func (a IRAck) Err() error {
	switch a.Status {
	case IRStatusOK:
		return nil
	case IRStatusBusy:
		return fmt.Errorf("ir port %d: %w", a.Port, av.ErrBusy)
	case IRStatusBadCode:
		return fmt.Errorf("ir port %d: code rejected: %w", a.Port, av.ErrInvalidParameter)
	case IRStatusBadPort:
		return fmt.Errorf("ir port %d: no such port: %w", a.Port, av.ErrInvalidParameter)
	default:
		return av.NewProtocolError(fmt.Sprintf("ack status 0x%02X", a.Status), nil)
	}
}

func (a IRAck) String() string {
	return fmt.Sprintf("ack port=%d seq=%d status=0x%02X", a.Port, a.Seq, a.Status)
}

// LearnEventKind distinguishes learn-mode notifications.
type LearnEventKind int

const (
	LearnCaptured LearnEventKind = iota
	LearnTimedOut
	LearnFailed
)

// IRLearnEvent is an unsolicited learn-mode notification from a gateway.
type IRLearnEvent struct {
	Port   uint8
	Kind   LearnEventKind
	Code   []byte
	Reason uint8
}

func (e IRLearnEvent) String() string {
	switch e.Kind {
	case LearnCaptured:
		return fmt.Sprintf("learned port=%d %s", e.Port, DescribeIRCode(e.Code))
	case LearnTimedOut:
		return fmt.Sprintf("learn timeout port=%d", e.Port)
	default:
		return fmt.Sprintf("learn error port=%d reason=0x%02X", e.Port, e.Reason)
	}
}

// EncodeIRFrame builds a raw frame for any op.
func EncodeIRFrame(op, port uint8, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > irMaxPayload {
		return nil, fmt.Errorf("ir payload %d bytes exceeds %d: %w", len(payload), irMaxPayload, av.ErrInvalidParameter)
	}
	frame := make([]byte, irHeaderSize+len(payload)+1)
	frame[0] = irSync
	binary.LittleEndian.PutUint16(frame[1:3], uint16(irMinLen+len(payload)))
	frame[3] = op
	frame[4] = port
	binary.LittleEndian.PutUint16(frame[5:7], seq)
	copy(frame[7:], payload)
	frame[len(frame)-1] = crc8(frame[1 : len(frame)-1])
	return frame, nil
}

// EncodeIRSend builds a transmit request for code on port.
func EncodeIRSend(seq uint16, port uint8, code []byte) ([]byte, error) {
	if err := ValidateIRCode(code); err != nil {
		return nil, err
	}
	return EncodeIRFrame(IROpSend, port, seq, code)
}

// EncodeIRLearn arms or disarms learn mode on port.
func EncodeIRLearn(seq uint16, port uint8, arm bool) ([]byte, error) {
	op := IROpLearnDisarm
	if arm {
		op = IROpLearnArm
	}
	return EncodeIRFrame(op, port, seq, nil)
}

// EncodeIRPing builds a liveness probe.
func EncodeIRPing(seq uint16) ([]byte, error) {
	return EncodeIRFrame(IROpPing, 0, seq, nil)
}

// ParseIRFrame splits the first frame off buf regardless of its op and returns
// it with the number of bytes consumed. Leading garbage, oversized lengths and
// CRC mismatches yield a ProtocolError and skip ahead to the next candidate
// sync byte, so the remainder of the stream stays decodable.
func ParseIRFrame(buf []byte) (IRFrame, int, error) {
	if len(buf) == 0 {
		return IRFrame{}, 0, ErrNeedMoreData
	}
	if buf[0] != irSync {
		skip := bytes.IndexByte(buf, irSync)
		if skip < 0 {
			skip = len(buf)
		}
		return IRFrame{}, skip, av.NewProtocolError("missing sync", buf[:skip])
	}
	if len(buf) < 3 {
		return IRFrame{}, 0, ErrNeedMoreData
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if length < irMinLen || length > irMinLen+irMaxPayload {
		return IRFrame{}, 1, av.NewProtocolError(fmt.Sprintf("bad length %d", length), buf[:3])
	}
	total := 3 + length + 1
	if len(buf) < total {
		return IRFrame{}, 0, ErrNeedMoreData
	}
	frame := buf[:total]
	if got, want := frame[total-1], crc8(frame[1:total-1]); got != want {
		return IRFrame{}, 1, av.NewProtocolError(fmt.Sprintf("crc mismatch: got 0x%02X, want 0x%02X", got, want), frame)
	}
	return IRFrame{
		Op:      frame[3],
		Port:    frame[4],
		Seq:     binary.LittleEndian.Uint16(frame[5:7]),
		Payload: append([]byte(nil), frame[7:total-1]...),
	}, total, nil
}

// DecodeIRFrame decodes the first gateway-to-host frame in buf. Frames with
// host or unknown ops are consumed and reported as UnsupportedOperation.
func DecodeIRFrame(buf []byte) (IRFrame, int, error) {
	f, n, err := ParseIRFrame(buf)
	if err != nil {
		return f, n, err
	}
	switch f.Op {
	case IROpAck, IROpLearned, IROpLearnTimeout, IROpLearnError:
		return f, n, nil
	}
	return f, n, fmt.Errorf("ir op %s: %w", irOpName(f.Op), av.ErrUnsupportedOperation)
}

// DecodeIRAck interprets f as an acknowledgement.
func DecodeIRAck(f IRFrame) (IRAck, error) {
	if f.Op != IROpAck {
		return IRAck{}, fmt.Errorf("frame %s is not an ack: %w", irOpName(f.Op), av.ErrProtocol)
	}
	if len(f.Payload) != 1 {
		return IRAck{}, av.NewProtocolError(fmt.Sprintf("ack payload length %d", len(f.Payload)), f.Payload)
	}
	return IRAck{Port: f.Port, Seq: f.Seq, Status: f.Payload[0]}, nil
}

// DecodeIRLearnEvent interprets f as a learn-mode notification.
func DecodeIRLearnEvent(f IRFrame) (IRLearnEvent, error) {
	ev := IRLearnEvent{Port: f.Port}
	switch f.Op {
	case IROpLearned:
		ev.Kind = LearnCaptured
		ev.Code = f.Payload
	case IROpLearnTimeout:
		ev.Kind = LearnTimedOut
	case IROpLearnError:
		ev.Kind = LearnFailed
		if len(f.Payload) > 0 {
			ev.Reason = f.Payload[0]
		}
	default:
		return IRLearnEvent{}, fmt.Errorf("frame %s is not a learn event: %w", irOpName(f.Op), av.ErrProtocol)
	}
	return ev, nil
}
