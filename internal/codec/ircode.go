package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// IR code payload: carrier kHz(1) | repeat(1) | pulse durations in µs (2 LE each).
// Pulses alternate mark/space and always come in pairs.
const (
	irMinCarrier = 30
	irMaxCarrier = 60
	irMaxRepeat  = 15
	irMaxPulses  = (irMaxPayload - 2) / 2
)

// ValidateIRCode checks that code is a well-formed IR payload.
func ValidateIRCode(code []byte) error {
	if len(code) < 2+4 {
		return fmt.Errorf("ir code too short (%d bytes): %w", len(code), av.ErrInvalidParameter)
	}
	if c := code[0]; c < irMinCarrier || c > irMaxCarrier {
		return fmt.Errorf("ir carrier %d kHz outside %d-%d: %w", c, irMinCarrier, irMaxCarrier, av.ErrInvalidParameter)
	}
	if code[1] > irMaxRepeat {
		return fmt.Errorf("ir repeat %d exceeds %d: %w", code[1], irMaxRepeat, av.ErrInvalidParameter)
	}
	body := code[2:]
	if len(body)%4 != 0 {
		return fmt.Errorf("ir pulses must be mark/space pairs: %w", av.ErrInvalidParameter)
	}
	if len(body)/2 > irMaxPulses {
		return fmt.Errorf("ir code has %d pulses, max %d: %w", len(body)/2, irMaxPulses, av.ErrInvalidParameter)
	}
	for i := 0; i < len(body); i += 2 {
		if binary.LittleEndian.Uint16(body[i:]) == 0 {
			return fmt.Errorf("ir pulse %d has zero duration: %w", i/2, av.ErrInvalidParameter)
		}
	}
	return nil
}

// BuildIRCode assembles a payload from its parts.
func BuildIRCode(carrierKHz, repeat uint8, pulses []uint16) []byte {
	code := make([]byte, 2+2*len(pulses))
	code[0] = carrierKHz
	code[1] = repeat
	for i, p := range pulses {
		binary.LittleEndian.PutUint16(code[2+2*i:], p)
	}
	return code
}

// DescribeIRCode summarizes a payload for logs.
func DescribeIRCode(code []byte) string {
	if len(code) < 2 {
		return fmt.Sprintf("code(%d bytes)", len(code))
	}
	return fmt.Sprintf("code(carrier=%dkHz repeat=%d pulses=%d)", code[0], code[1], (len(code)-2)/2)
}
