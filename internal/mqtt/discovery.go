//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/number/avctl_amp/zone1_volume/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Options           []string `json:"options,omitempty"`
	Min               *int     `json:"min,omitempty"`
	Max               *int     `json:"max,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// nodeName keeps only characters HA accepts in node and object ids.
func nodeName(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(id))
}

// displayName is the configured name of a device, or its id.
func displayName(d av.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

func deviceIdentifier(id string) string {
	return "avctl_" + nodeName(id)
}

func intPtr(n int) *int { return &n }

func configTopic(component, nodeID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, objectID)
}

// buildDeviceDiscovery describes a device's connectivity and, for audio
// processors, the volume, mute and source controls of every zone.
func buildDeviceDiscovery(d engine.DeviceInfo, t topics) []discoveryMsg {
	nodeID := deviceIdentifier(d.ID)
	name := displayName(d.Device)
	avail := t.bridgeState()
	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       string(d.Kind),
		Name:        name,
	}

	msgs := []discoveryMsg{{
		Topic: configTopic("binary_sensor", nodeID, "connectivity"),
		Payload: mustJSON(haDiscovery{
			Name:              name + " Connection",
			UniqueID:          nodeID + "_connectivity",
			StateTopic:        t.deviceStatus(d.ID),
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ 'ON' if value in ['connected', 'degraded'] else 'OFF' }}",
			DeviceClass:       "connectivity",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Device:            haDev,
		}),
	}}
	if d.Kind != av.KindAudioProcessor {
		return msgs
	}

	sources := make([]string, 0, d.Caps.Sources)
	for i := 1; i <= d.Caps.Sources; i++ {
		sources = append(sources, strconv.Itoa(i))
	}
	for z := 1; z <= d.Caps.Zones; z++ {
		obj := fmt.Sprintf("zone%d", z)
		label := fmt.Sprintf("%s Zone %d", name, z)
		state := t.zone(d.ID, z)
		cmd := t.zoneSet(d.ID, z)

		msgs = append(msgs,
			discoveryMsg{
				Topic: configTopic("number", nodeID, obj+"_volume"),
				Payload: mustJSON(haDiscovery{
					Name:              label + " Volume",
					UniqueID:          nodeID + "_" + obj + "_volume",
					StateTopic:        state,
					CommandTopic:      cmd,
					CommandTemplate:   `{"volume": {{ value | int }}}`,
					AvailabilityTopic: avail,
					ValueTemplate:     "{{ value_json.volume }}",
					Min:               intPtr(0),
					Max:               intPtr(100),
					Mode:              "slider",
					Icon:              "mdi:volume-high",
					Device:            haDev,
				}),
			},
			discoveryMsg{
				Topic: configTopic("switch", nodeID, obj+"_mute"),
				Payload: mustJSON(haDiscovery{
					Name:              label + " Mute",
					UniqueID:          nodeID + "_" + obj + "_mute",
					StateTopic:        state,
					CommandTopic:      cmd,
					AvailabilityTopic: avail,
					ValueTemplate:     "{{ 'ON' if value_json.mute else 'OFF' }}",
					PayloadOn:         `{"mute": true}`,
					PayloadOff:        `{"mute": false}`,
					StateOn:           "ON",
					StateOff:          "OFF",
					Icon:              "mdi:volume-off",
					Device:            haDev,
				}),
			},
		)
		if len(sources) > 0 {
			msgs = append(msgs, discoveryMsg{
				Topic: configTopic("select", nodeID, obj+"_source"),
				Payload: mustJSON(haDiscovery{
					Name:              label + " Source",
					UniqueID:          nodeID + "_" + obj + "_source",
					StateTopic:        state,
					CommandTopic:      cmd,
					CommandTemplate:   `{"source": {{ value | int }}}`,
					AvailabilityTopic: avail,
					ValueTemplate:     "{{ value_json.source }}",
					Options:           sources,
					Device:            haDev,
				}),
			})
		}
	}
	return msgs
}

// buildProfileDiscovery publishes one HA button per known button of a
// profile. Buttons are the union of the required and the learned ones.
func buildProfileDiscovery(p engine.ProfileStatus, learned []string, t topics) []discoveryMsg {
	nodeID := deviceIdentifier("ir_" + p.ProfileID)
	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       "IR profile",
		Name:        p.ProfileID,
	}

	set := make(map[string]bool)
	for _, b := range p.Required {
		set[b] = true
	}
	for _, b := range learned {
		set[b] = true
	}
	buttons := make([]string, 0, len(set))
	for b := range set {
		buttons = append(buttons, b)
	}
	sort.Strings(buttons)

	msgs := make([]discoveryMsg, 0, len(buttons))
	for _, b := range buttons {
		obj := "button_" + nodeName(b)
		msgs = append(msgs, discoveryMsg{
			Topic: configTopic("button", nodeID, obj),
			Payload: mustJSON(haDiscovery{
				Name:              p.ProfileID + " " + b,
				UniqueID:          nodeID + "_" + obj,
				CommandTopic:      t.press(p.ProfileID, b),
				AvailabilityTopic: t.bridgeState(),
				PayloadPress:      "PRESS",
				Icon:              "mdi:remote",
				Device:            haDev,
			}),
		})
	}
	return msgs
}

// staleDiscovery returns empty retained messages for topics published
// before that are no longer part of the current set.
func staleDiscovery(previous map[string]bool, current []discoveryMsg) []discoveryMsg {
	keep := make(map[string]bool, len(current))
	for _, m := range current {
		keep[m.Topic] = true
	}
	var msgs []discoveryMsg
	for topic := range previous {
		if !keep[topic] {
			msgs = append(msgs, discoveryMsg{Topic: topic})
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Topic < msgs[j].Topic })
	return msgs
}
