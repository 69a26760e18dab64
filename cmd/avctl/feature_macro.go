//go:build !no_macro

package main

import (
	"log/slog"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/config"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/macro"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/web"
)

func initMacros(eng *engine.Engine, cfg *config.Config, logger *slog.Logger) []web.ServerOption {
	mgr, err := macro.NewManager(cfg.Macros.Dir, logger)
	if err != nil {
		logger.Error("create macro manager", "err", err)
		return nil
	}
	runner := macro.NewRunner(eng, mgr, cfg.Macros.Timeout, logger)
	return []web.ServerOption{web.WithMacros(runner)}
}
