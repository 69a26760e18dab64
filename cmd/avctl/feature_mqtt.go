//go:build !no_mqtt

package main

import (
	"log/slog"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/config"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
	mqttbridge "github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(eng *engine.Engine, bus *events.Bus, cfg *config.Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(eng, bus, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
