package av

import (
	"fmt"
	"time"
)

// Kind is the closed set of device families the engine can drive.
type Kind string

const (
	KindAudioProcessor Kind = "audio-processor"
	KindIRGateway      Kind = "ir-gateway"
)

// Transport selects how the engine reaches a device.
type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportSerial Transport = "serial"
)

// Status is the connection state of a device session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
)

// Capabilities describes what a device model supports.
type Capabilities struct {
	Zones     int  `json:"zones,omitempty"`
	Sources   int  `json:"sources,omitempty"`
	Amplifier bool `json:"amplifier,omitempty"`
	IRPorts   int  `json:"ir_ports,omitempty"`
	LearnPort int  `json:"learn_port,omitempty"`
}

// VolumeRange is the native gain range of an audio processor in dB.
type VolumeRange struct {
	MinDB  float64 `json:"min_db"`
	MaxDB  float64 `json:"max_db"`
	StepDB float64 `json:"step_db"`
}

// DefaultVolumeRange matches the common -80..0 dB range in half-dB steps.
var DefaultVolumeRange = VolumeRange{MinDB: -80, MaxDB: 0, StepDB: 0.5}

// Device is a configured piece of AV hardware.
type Device struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Kind      Kind         `json:"kind"`
	Transport Transport    `json:"transport"`
	Address   string       `json:"address"`
	Port      int          `json:"port,omitempty"`
	Baud      int          `json:"baud,omitempty"`
	Protocol  string       `json:"protocol,omitempty"`
	Caps      Capabilities `json:"capabilities"`
	Volume    VolumeRange  `json:"volume"`
}

// Endpoint returns the dial target: host:port for TCP, the device path for serial.
func (d Device) Endpoint() string {
	if d.Transport == TransportSerial {
		return d.Address
	}
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// HasZone reports whether the 1-based zone index exists on the device.
func (d Device) HasZone(zone int) bool {
	return zone >= 1 && zone <= d.Caps.Zones
}

// Validate checks the static configuration of a device.
func (d Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Address == "" {
		return fmt.Errorf("device %s: address is required", d.ID)
	}
	switch d.Transport {
	case TransportTCP:
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("device %s: port must be 1-65535, got %d", d.ID, d.Port)
		}
	case TransportSerial:
		if d.Baud <= 0 {
			return fmt.Errorf("device %s: baud must be positive", d.ID)
		}
	default:
		return fmt.Errorf("device %s: unknown transport %q", d.ID, d.Transport)
	}
	switch d.Kind {
	case KindAudioProcessor:
		if d.Caps.Zones <= 0 {
			return fmt.Errorf("device %s: zones must be positive", d.ID)
		}
		if d.Volume.MaxDB <= d.Volume.MinDB {
			return fmt.Errorf("device %s: volume max_db must exceed min_db", d.ID)
		}
		if d.Volume.StepDB <= 0 {
			return fmt.Errorf("device %s: volume step_db must be positive", d.ID)
		}
	case KindIRGateway:
		if d.Caps.IRPorts <= 0 {
			return fmt.Errorf("device %s: ir_ports must be positive", d.ID)
		}
	default:
		return fmt.Errorf("device %s: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}

// Zone is the last known state of one output zone.
type Zone struct {
	DeviceID   string    `json:"device_id"`
	Index      int       `json:"zone"`
	Source     int       `json:"source"`
	Volume     int       `json:"volume"`
	Mute       bool      `json:"mute"`
	Seq        uint64    `json:"seq"`
	UpdatedAt  time.Time `json:"updated_at"`
	Optimistic bool      `json:"optimistic,omitempty"`
}

// Action is an operation on an audio zone.
type Action string

const (
	ActionSetSource   Action = "set-source"
	ActionSetVolume   Action = "set-volume"
	ActionSetMute     Action = "set-mute"
	ActionQueryStatus Action = "query-status"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionSetSource, ActionSetVolume, ActionSetMute, ActionQueryStatus:
		return true
	}
	return false
}

// Params carries the argument of an action. Only the field matching the
// action is read.
type Params struct {
	Source int  `json:"source,omitempty"`
	Volume int  `json:"volume,omitempty"`
	Mute   bool `json:"mute,omitempty"`
}
