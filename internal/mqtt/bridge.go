//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller is the engine surface the bridge publishes and drives.
type Controller interface {
	Devices() []engine.DeviceInfo
	Zones(deviceID string) ([]av.Zone, error)
	Execute(ctx context.Context, deviceID string, zone int, action av.Action, p av.Params) (av.Zone, error)
	Play(ctx context.Context, profileID, button string) error
	Profiles() ([]engine.ProfileStatus, error)
	Codes(profileID string) ([]ircode.Command, error)
}

// client is the part of the paho client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

const (
	commandTimeout = 15 * time.Second
	discoveryDelay = 500 * time.Millisecond
)

// Bridge publishes engine state to MQTT with HA autodiscovery and turns
// command topics into engine calls.
type Bridge struct {
	client client
	ctl    Controller
	bus    *events.Bus
	topics topics
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refresh chan struct{}

	mu        sync.Mutex
	known     map[string]bool // device ids covered by the last discovery
	published map[string]bool // discovery topics currently retained
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctl Controller, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctl, bus, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topics.bridgeState(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(ctl Controller, bus *events.Bus, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctl:       ctl,
		bus:       bus,
		topics:    topics{prefix: prefix},
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
		refresh:   make(chan struct{}, 1),
		known:     make(map[string]bool),
		published: make(map[string]bool),
	}
}

// Start subscribes to engine events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.wg.Add(1)
	go b.discoveryLoop()
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publish(b.topics.bridgeState(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connect: the broker may have lost retained
// state, so everything is published again.
func (b *Bridge) onConnect() {
	b.publish(b.topics.bridgeState(), []byte("online"), true)
	b.publishSnapshot()
	b.publishDiscovery()
	b.subscribeCommands()
}

func (b *Bridge) publishSnapshot() {
	for _, d := range b.ctl.Devices() {
		b.publish(b.topics.deviceStatus(d.ID), []byte(d.Status), true)
		if d.Kind != av.KindAudioProcessor {
			continue
		}
		zones, err := b.ctl.Zones(d.ID)
		if err != nil {
			b.logger.Warn("list zones", "device", d.ID, "err", err)
			continue
		}
		for _, z := range zones {
			b.publishZone(z)
		}
	}
}

func (b *Bridge) publishZone(z av.Zone) {
	b.publish(b.topics.zone(z.DeviceID, z.Index), mustJSON(z), true)
}

func (b *Bridge) handleEvent(e events.Event) {
	switch e.Type {
	case events.ZoneState:
		if z, ok := e.Data.(av.Zone); ok {
			b.publishZone(z)
		}
	case events.DeviceStatus:
		if s, ok := e.Data.(av.Status); ok {
			b.publish(b.topics.deviceStatus(e.DeviceID), []byte(s), true)
		}
		b.mu.Lock()
		known := b.known[e.DeviceID]
		b.mu.Unlock()
		if !known {
			b.requestDiscovery()
		}
	case events.LearnSession:
		b.publish(b.topics.learn(e.DeviceID), mustJSON(e.Data), true)
	case events.CodeSaved:
		b.requestDiscovery()
	}
}

// requestDiscovery schedules a discovery refresh. Events may be emitted while
// the engine holds its own locks, so the refresh never runs inline.
func (b *Bridge) requestDiscovery() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

func (b *Bridge) discoveryLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.refresh:
		}
		// Let a burst of device starts settle into one refresh.
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(discoveryDelay):
		}
		b.publishDiscovery()
	}
}

// publishDiscovery publishes the current discovery set and clears entries of
// devices, zones and buttons that disappeared since the last run.
func (b *Bridge) publishDiscovery() {
	devices := b.ctl.Devices()
	var msgs []discoveryMsg
	known := make(map[string]bool, len(devices))
	for _, d := range devices {
		known[d.ID] = true
		msgs = append(msgs, buildDeviceDiscovery(d, b.topics)...)
	}

	profiles, err := b.ctl.Profiles()
	if err != nil {
		b.logger.Error("list profiles for discovery", "err", err)
	}
	for _, p := range profiles {
		cmds, err := b.ctl.Codes(p.ProfileID)
		if err != nil {
			b.logger.Warn("list codes for discovery", "profile", p.ProfileID, "err", err)
		}
		learned := make([]string, 0, len(cmds))
		for _, c := range cmds {
			learned = append(learned, c.Button)
		}
		msgs = append(msgs, buildProfileDiscovery(p, learned, b.topics)...)
	}

	b.mu.Lock()
	stale := staleDiscovery(b.published, msgs)
	b.published = make(map[string]bool, len(msgs))
	for _, m := range msgs {
		b.published[m.Topic] = true
	}
	b.known = known
	b.mu.Unlock()

	for _, m := range stale {
		b.publish(m.Topic, m.Payload, true)
	}
	for _, m := range msgs {
		b.publish(m.Topic, m.Payload, true)
	}
	b.logger.Info("published HA discovery", "entities", len(msgs), "removed", len(stale))
}

func (b *Bridge) subscribeCommands() {
	for _, filter := range b.topics.commandFilters() {
		b.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleMessage(msg.Topic(), msg.Payload())
		})
	}
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	cmd, ok := b.topics.parseCommand(topic)
	if !ok {
		b.logger.Debug("ignoring topic", "topic", topic)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch cmd.kind {
	case commandZoneSet:
		steps, err := zoneSteps(payload)
		if err != nil {
			b.logger.Warn("invalid zone command", "topic", topic, "err", err)
			return
		}
		for _, s := range steps {
			if _, err := b.ctl.Execute(ctx, cmd.target, cmd.zone, s.action, s.params); err != nil {
				b.logger.Warn("zone command failed", "device", cmd.target, "zone", cmd.zone,
					"action", s.action, "kind", av.KindOf(err), "err", err)
				return
			}
		}
	case commandPress:
		if err := b.ctl.Play(ctx, cmd.target, cmd.button); err != nil {
			b.logger.Warn("ir press failed", "profile", cmd.target, "button", cmd.button,
				"kind", av.KindOf(err), "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// topics builds and parses the bridge's topic layout under one prefix:
//
//	<prefix>/bridge/state                  online | offline (retained, LWT)
//	<prefix>/<device>/status               connection status (retained)
//	<prefix>/<device>/zone/<n>             zone state JSON (retained)
//	<prefix>/<device>/zone/<n>/set         {"source":n,"volume":n,"mute":b}
//	<prefix>/<gateway>/learn               learning session JSON (retained)
//	<prefix>/ir/<profile>/<button>/press   play a stored IR code
type topics struct {
	prefix string
}

func (t topics) bridgeState() string           { return t.prefix + "/bridge/state" }
func (t topics) deviceStatus(id string) string { return t.prefix + "/" + id + "/status" }
func (t topics) learn(id string) string        { return t.prefix + "/" + id + "/learn" }

func (t topics) zone(id string, zone int) string {
	return t.prefix + "/" + id + "/zone/" + strconv.Itoa(zone)
}

func (t topics) zoneSet(id string, zone int) string { return t.zone(id, zone) + "/set" }

func (t topics) press(profile, button string) string {
	return t.prefix + "/ir/" + profile + "/" + button + "/press"
}

func (t topics) commandFilters() []string {
	return []string{t.prefix + "/+/zone/+/set", t.prefix + "/ir/+/+/press"}
}

type commandKind int

const (
	commandZoneSet commandKind = iota + 1
	commandPress
)

type command struct {
	kind   commandKind
	target string // device or profile id
	zone   int
	button string
}

func (t topics) parseCommand(topic string) (command, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return command{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return command{}, false
	}
	switch {
	case parts[1] == "zone" && parts[3] == "set":
		zone, err := strconv.Atoi(parts[2])
		if err != nil || parts[0] == "" {
			return command{}, false
		}
		return command{kind: commandZoneSet, target: parts[0], zone: zone}, true
	case parts[0] == "ir" && parts[3] == "press":
		if parts[1] == "" || parts[2] == "" {
			return command{}, false
		}
		return command{kind: commandPress, target: parts[1], button: parts[2]}, true
	}
	return command{}, false
}

type zoneStep struct {
	action av.Action
	params av.Params
}

// zoneSteps turns a set payload into actions, applied source first, then
// volume, then mute.
func zoneSteps(payload []byte) ([]zoneStep, error) {
	var req struct {
		Source *int  `json:"source"`
		Volume *int  `json:"volume"`
		Mute   *bool `json:"mute"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var steps []zoneStep
	if req.Source != nil {
		steps = append(steps, zoneStep{av.ActionSetSource, av.Params{Source: *req.Source}})
	}
	if req.Volume != nil {
		steps = append(steps, zoneStep{av.ActionSetVolume, av.Params{Volume: *req.Volume}})
	}
	if req.Mute != nil {
		steps = append(steps, zoneStep{av.ActionSetMute, av.Params{Mute: *req.Mute}})
	}
	if len(steps) == 0 {
		return nil, errors.New("empty zone command")
	}
	return steps, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
