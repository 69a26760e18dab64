// Package engine owns the device sessions and exposes the operations callers
// use: zone commands, status polls, IR learning and IR playback.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/conn"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/irlearn"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/state"
)

// Options holds the engine timing knobs. Zero values take the defaults.
type Options struct {
	CommandTimeout    time.Duration
	IRCommandTimeout  time.Duration
	CaptureTimeout    time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Window            int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	StableAfter       time.Duration

	// Dial overrides how device transports are opened.
	Dial func(av.Device) conn.Dialer
}

func (o *Options) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.IRCommandTimeout <= 0 {
		o.IRCommandTimeout = 10 * time.Second
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = 15 * time.Second
	}
	if o.Dial == nil {
		o.Dial = defaultDial
	}
}

func defaultDial(d av.Device) conn.Dialer {
	if d.Transport == av.TransportSerial {
		return conn.SerialDialer(d.Address, d.Baud)
	}
	return conn.TCPDialer(d.Endpoint())
}

// device is one configured device and everything that serves it.
type device struct {
	cfg     av.Device
	mgr     *conn.Manager
	audio   *codec.AudioCodec
	driver  driver
	gw      *irGateway
	learner *irlearn.Learner
}

// DeviceInfo is a device with its live connection status.
type DeviceInfo struct {
	av.Device
	Status av.Status `json:"status"`
}

// Engine coordinates devices, zone state and IR codes.
type Engine struct {
	opts     Options
	root     *slog.Logger
	logger   *slog.Logger
	bus      *events.Bus
	states   *state.Store
	codes    ircode.Store
	player   *ircode.Player
	registry *conn.Registry

	mu      sync.RWMutex
	devices map[string]*device

	sub  *state.Subscription
	done chan struct{}
}

// New creates an engine with no devices. Call Apply to configure it.
func New(opts Options, codes ircode.Store, bus *events.Bus, logger *slog.Logger) *Engine {
	opts.setDefaults()
	e := &Engine{
		opts:     opts,
		root:     logger,
		logger:   logger.With("component", "engine"),
		bus:      bus,
		states:   state.New(),
		codes:    codes,
		registry: conn.NewRegistry(),
		devices:  make(map[string]*device),
		done:     make(chan struct{}),
	}
	e.player = ircode.NewPlayer(codes, e, logger)
	e.sub = e.states.Subscribe(256)
	go e.forwardZones()
	return e
}

func (e *Engine) forwardZones() {
	defer close(e.done)
	for z := range e.sub.C() {
		e.bus.Emit(events.Event{Type: events.ZoneState, DeviceID: z.DeviceID, Data: z})
	}
}

// Apply reconciles the running devices with the configuration and connects
// them: new devices are started, removed ones torn down and changed ones restarted. Unchanged
// devices keep their sessions. Invalid configuration is rejected as a whole.
func (e *Engine) Apply(devices []av.Device, bindings []ircode.Binding) error {
	want := make(map[string]av.Device, len(devices))
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%w: %w", err, av.ErrInvalidParameter)
		}
		if _, dup := want[d.ID]; dup {
			return fmt.Errorf("duplicate device id %s: %w", d.ID, av.ErrInvalidParameter)
		}
		if d.Kind == av.KindAudioProcessor {
			if _, err := codec.NewAudioCodec(d.Protocol, d.Volume); err != nil {
				return fmt.Errorf("device %s: %w", d.ID, err)
			}
		}
		want[d.ID] = d
	}
	for _, b := range bindings {
		gw, ok := want[b.GatewayID]
		if !ok || gw.Kind != av.KindIRGateway {
			return fmt.Errorf("profile %s: gateway %s: %w", b.ProfileID, b.GatewayID, av.ErrNotFound)
		}
		if b.Port < 1 || b.Port > gw.Caps.IRPorts {
			return fmt.Errorf("profile %s: gateway %s has no port %d: %w", b.ProfileID, b.GatewayID, b.Port, av.ErrInvalidParameter)
		}
	}

	e.mu.Lock()
	var stale []*device
	for id, cur := range e.devices {
		if d, ok := want[id]; !ok || d != cur.cfg {
			stale = append(stale, cur)
			delete(e.devices, id)
		}
	}
	e.mu.Unlock()
	for _, d := range stale {
		e.stopDevice(d)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, d := range devices {
		if _, running := e.devices[d.ID]; running {
			continue
		}
		dev, err := e.startDevice(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.devices[d.ID] = dev
	}
	e.player.SetBindings(bindings)
	e.logger.Info("configuration applied", "devices", len(e.devices), "profiles", len(bindings), "restarted", len(stale))
	return errors.Join(errs...)
}

func (e *Engine) startDevice(d av.Device) (*device, error) {
	dev := &device{cfg: d}
	opts := conn.Options{
		DeviceID:          d.ID,
		Dial:              e.opts.Dial(d),
		Window:            e.opts.Window,
		IdleTimeout:       e.opts.IdleTimeout,
		HeartbeatInterval: e.opts.HeartbeatInterval,
		HeartbeatTimeout:  e.opts.HeartbeatTimeout,
		BackoffBase:       e.opts.BackoffBase,
		BackoffMax:        e.opts.BackoffMax,
		StableAfter:       e.opts.StableAfter,
	}
	logger := e.root.With("component", "driver", "device", d.ID)

	var ir *irDriver
	switch d.Kind {
	case av.KindAudioProcessor:
		c, err := codec.NewAudioCodec(d.Protocol, d.Volume)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		dev.audio = c
		dev.driver = &audioDriver{deviceID: d.ID, codec: c, states: e.states, logger: logger}
		opts.RequestTimeout = e.opts.CommandTimeout
	case av.KindIRGateway:
		ir = &irDriver{deviceID: d.ID, logger: logger}
		dev.driver = ir
		opts.RequestTimeout = e.opts.IRCommandTimeout
		opts.MaxKey = math.MaxUint16
	}

	opts.Decoder = dev.driver
	opts.Heartbeat = dev.driver.heartbeat
	dev.mgr = conn.NewManager(opts, e.root)
	if ir != nil {
		dev.gw = newIRGateway(d, dev.mgr, e.opts.IRCommandTimeout)
		dev.learner = irlearn.New(d.ID, dev.gw, e.codes, irlearn.Options{
			LearnPort:      d.Caps.LearnPort,
			CaptureTimeout: e.opts.CaptureTimeout,
		}, e.root, e.learnChanged)
		ir.learner = dev.learner
	}
	dev.mgr.OnMessage(dev.driver.onMessage)
	dev.mgr.OnStatus(func(s av.Status) {
		e.bus.Emit(events.Event{Type: events.DeviceStatus, DeviceID: d.ID, Data: s})
	})
	if err := e.registry.Add(dev.mgr); err != nil {
		return nil, err
	}
	if d.Kind == av.KindAudioProcessor {
		e.states.Register(d.ID, d.Caps.Zones)
	}
	dev.mgr.Start()
	e.logger.Info("device started", "device", d.ID, "kind", d.Kind, "endpoint", d.Endpoint())
	return dev, nil
}

func (e *Engine) stopDevice(d *device) {
	if d.learner != nil {
		d.learner.Close()
	}
	e.registry.Remove(d.cfg.ID)
	if d.cfg.Kind == av.KindAudioProcessor {
		e.states.Unregister(d.cfg.ID)
	}
	e.logger.Info("device stopped", "device", d.cfg.ID)
}

// Stop tears down every device session.
func (e *Engine) Stop() {
	e.mu.Lock()
	devices := e.devices
	e.devices = make(map[string]*device)
	e.mu.Unlock()
	for _, d := range devices {
		if d.learner != nil {
			d.learner.Close()
		}
	}
	e.registry.CloseAll()
	e.sub.Close()
	<-e.done
	e.logger.Info("engine stopped")
}

func (e *Engine) device(id string) (*device, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, av.ErrNotFound)
	}
	return d, nil
}

// Devices returns every configured device with its status, sorted by id.
func (e *Engine) Devices() []DeviceInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, DeviceInfo{Device: d.cfg, Status: d.mgr.Status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the connection status of one device.
func (e *Engine) Status(deviceID string) (av.Status, error) {
	d, err := e.device(deviceID)
	if err != nil {
		return "", err
	}
	return d.mgr.Status(), nil
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }
