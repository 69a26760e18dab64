//go:build no_mqtt

package main

import (
	"log/slog"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/config"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *engine.Engine, _ *events.Bus, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
