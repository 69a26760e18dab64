//go:build no_macro

package main

import (
	"log/slog"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/config"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/web"
)

func initMacros(_ *engine.Engine, _ *config.Config, _ *slog.Logger) []web.ServerOption {
	return nil
}
