// Package config loads the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
)

type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Macros struct {
		Dir     string        `yaml:"dir"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"macros"`
	Engine   EngineConfig    `yaml:"engine"`
	Devices  []DeviceConfig  `yaml:"devices"`
	Profiles []ProfileConfig `yaml:"profiles"`
}

// EngineConfig holds session timing. Zero values fall back to engine defaults.
type EngineConfig struct {
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	IRCommandTimeout  time.Duration `yaml:"ir_command_timeout"`
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
	IdleReadTimeout   time.Duration `yaml:"idle_read_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatSLA      time.Duration `yaml:"heartbeat_sla"`
	SendWindow        int           `yaml:"send_window"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	StableAfter       time.Duration `yaml:"stable_after"`
}

type DeviceConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Transport string `yaml:"transport"`
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Baud      int    `yaml:"baud"`
	Protocol  string `yaml:"protocol"`
	Zones     int    `yaml:"zones"`
	Sources   int    `yaml:"sources"`
	Amplifier bool   `yaml:"amplifier"`
	IRPorts   int    `yaml:"ir_ports"`
	LearnPort int    `yaml:"learn_port"`
	Volume    *struct {
		MinDB  float64 `yaml:"min_db"`
		MaxDB  float64 `yaml:"max_db"`
		StepDB float64 `yaml:"step_db"`
	} `yaml:"volume"`
}

type ProfileConfig struct {
	ID              string   `yaml:"id"`
	Gateway         string   `yaml:"gateway"`
	Port            int      `yaml:"port"`
	RequiredButtons []string `yaml:"required_buttons"`
}

// Load reads path, expanding ${VAR} references from the environment and from
// a .env file next to it, and fills in defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Path == "" {
		c.Store.Path = "avctl.db"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "avctl"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "avctl"
	}
	if c.Macros.Dir == "" {
		c.Macros.Dir = "macros"
	}
	if c.Macros.Timeout == 0 {
		c.Macros.Timeout = 30 * time.Second
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Transport == "" {
			d.Transport = string(av.TransportTCP)
		}
		if d.Transport == string(av.TransportSerial) && d.Baud == 0 {
			d.Baud = 115200
		}
		if d.Kind == string(av.KindAudioProcessor) && d.Protocol == "" {
			d.Protocol = "zone-rpc/1"
		}
	}
}

// Validate checks the whole file, including that every profile is bound to a
// configured gateway port.
func (c *Config) Validate() error {
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	gateways := make(map[string]av.Device)
	seen := make(map[string]bool)
	for _, d := range c.AVDevices() {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		if d.Kind == av.KindIRGateway {
			gateways[d.ID] = d
		}
	}
	profiles := make(map[string]bool)
	for _, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile id is required")
		}
		if profiles[p.ID] {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		profiles[p.ID] = true
		gw, ok := gateways[p.Gateway]
		if !ok {
			return fmt.Errorf("profile %s: gateway %q is not a configured ir-gateway", p.ID, p.Gateway)
		}
		if p.Port < 1 || p.Port > gw.Caps.IRPorts {
			return fmt.Errorf("profile %s: port must be 1-%d, got %d", p.ID, gw.Caps.IRPorts, p.Port)
		}
	}
	return nil
}

// AVDevices converts the device entries to domain devices.
func (c *Config) AVDevices() []av.Device {
	out := make([]av.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		dev := av.Device{
			ID:        d.ID,
			Name:      d.Name,
			Kind:      av.Kind(d.Kind),
			Transport: av.Transport(d.Transport),
			Address:   d.Address,
			Port:      d.Port,
			Baud:      d.Baud,
			Protocol:  d.Protocol,
			Caps: av.Capabilities{
				Zones:     d.Zones,
				Sources:   d.Sources,
				Amplifier: d.Amplifier,
				IRPorts:   d.IRPorts,
				LearnPort: d.LearnPort,
			},
		}
		if dev.Kind == av.KindAudioProcessor {
			dev.Volume = av.DefaultVolumeRange
			if d.Volume != nil {
				dev.Volume = av.VolumeRange{MinDB: d.Volume.MinDB, MaxDB: d.Volume.MaxDB, StepDB: d.Volume.StepDB}
			}
		}
		out = append(out, dev)
	}
	return out
}

// Bindings converts the profile entries to player bindings.
func (c *Config) Bindings() []ircode.Binding {
	out := make([]ircode.Binding, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		out = append(out, ircode.Binding{
			ProfileID: p.ID,
			GatewayID: p.Gateway,
			Port:      p.Port,
			Required:  p.RequiredButtons,
		})
	}
	return out
}

// EngineOptions maps the engine section onto engine options.
func (c *Config) EngineOptions() engine.Options {
	e := c.Engine
	return engine.Options{
		CommandTimeout:    e.CommandTimeout,
		IRCommandTimeout:  e.IRCommandTimeout,
		CaptureTimeout:    e.CaptureTimeout,
		IdleTimeout:       e.IdleReadTimeout,
		HeartbeatInterval: e.HeartbeatInterval,
		HeartbeatTimeout:  e.HeartbeatSLA,
		Window:            e.SendWindow,
		BackoffBase:       e.BackoffBase,
		BackoffMax:        e.BackoffMax,
		StableAfter:       e.StableAfter,
	}
}
