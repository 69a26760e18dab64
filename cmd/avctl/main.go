package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/config"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("avctl starting", "version", version)

	codes, err := ircode.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer codes.Close()

	bus := events.NewBus(logger)
	eng := engine.New(cfg.EngineOptions(), codes, bus, logger)
	if err := eng.Apply(cfg.AVDevices(), cfg.Bindings()); err != nil {
		logger.Error("apply devices", "err", err)
		eng.Stop()
		codes.Close()
		os.Exit(1)
	}
	logger.Info("engine started", "devices", len(cfg.Devices), "profiles", len(cfg.Profiles))

	// Macros are a no-op when built with the no_macro tag.
	macroOpts := initMacros(eng, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, macroOpts...)

	webServer := web.NewServer(eng, bus, logger, webOpts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(eng, bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reload(eng, cfgPath, logger)
			continue
		}
		logger.Info("shutting down", "signal", sig)
		break
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	eng.Stop()

	logger.Info("goodbye")
}

// reload re-reads the config file and applies its device and profile
// sections. Engine timing, web and mqtt settings need a restart.
func reload(eng *engine.Engine, path string, logger *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("reload config", "err", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("reload config: invalid", "err", err)
		return
	}
	if err := eng.Apply(cfg.AVDevices(), cfg.Bindings()); err != nil {
		logger.Error("reload config: apply", "err", err)
		return
	}
	logger.Info("config reloaded", "devices", len(cfg.Devices), "profiles", len(cfg.Profiles))
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
