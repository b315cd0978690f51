package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"examguard/internal/alerts"
	"examguard/internal/config"
	"examguard/internal/detector"
	"examguard/internal/engine"
	"examguard/internal/incidents"
	"examguard/internal/logging"
	"examguard/internal/metrics"
	"examguard/internal/notify"
	"examguard/internal/session"
	"examguard/internal/storage"
	"examguard/internal/telemetry"
)

// app holds the wired pipeline shared by serve and replay.
type app struct {
	cfg       *config.Manager
	logger    *slog.Logger
	providers *telemetry.Providers
	store     storage.Store
	events    *notify.Notifier
	recent    *alerts.Store
	snapshots *metrics.Store
	escalator *incidents.Escalator
	engine    *engine.Engine
	sessions  *session.Manager
}

func loadConfig(path string) (*config.Manager, error) {
	if path != "" {
		return config.NewManager(config.ResolvePath(path))
	}
	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return config.NewStaticManager(cfg), nil
}

func newApp(ctx context.Context, cfgManager *config.Manager) (*app, error) {
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	a := &app{cfg: cfgManager, logger: logger}

	providers, err := telemetry.NewProviders(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	a.providers = providers
	inst, err := metrics.NewInstruments(providers.MeterProvider.Meter("examguard"))
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("instruments: %w", err)
	}

	base, err := storage.NewStore(cfg.Storage)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = storage.WithRetry(base, storage.PolicyFromConfig(cfg.Retry), logger)
	if err := a.store.Init(ctx); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("storage init: %w", err)
	}
	logger.Info("storage ready", "enabled", cfg.Storage.Enabled, "driver", cfg.Storage.Driver)

	a.events = notify.FromConfig(cfg.Events, logger)

	inner, err := detector.New(ctx, cfg.Detection, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("detector: %w", err)
	}

	a.recent = alerts.NewStore(cfg.Alerts.StoreLimit)
	a.snapshots = metrics.NewStore(cfg.Metrics.StoreLimit)
	gen, err := alerts.NewGenerator(a.store, cfg.Alerts.DedupeCacheSize, logger,
		alerts.WithRecent(a.recent),
		alerts.WithNotifier(a.events),
		alerts.WithInstruments(inst),
	)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("alert generator: %w", err)
	}
	a.escalator = incidents.NewEscalator(a.store, incidents.SettingsFromConfig(cfg.Escalation), logger, a.events, inst)

	a.engine, err = engine.NewEngine(cfg, engine.Deps{
		Detector:    detector.NewGuarded(inner, cfg.Detection.Timeout, logger),
		Alerts:      gen,
		Escalator:   a.escalator,
		Lookup:      a.store,
		Snapshots:   a.snapshots,
		Instruments: inst,
		Events:      a.events,
		Logger:      logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("engine: %w", err)
	}

	a.sessions = session.NewManager(a.store, a.engine, a.escalator, cfg.Lifecycle.AutoFlagThreshold, a.events, logger)
	a.sessions.SetInstruments(inst)
	return a, nil
}

// applyConfig pushes a reloaded config into the running components.
func (a *app) applyConfig(cfg *config.Config) {
	a.engine.UpdateConfig(cfg)
	a.sessions.SetAutoFlagThreshold(cfg.Lifecycle.AutoFlagThreshold)
	logging.SetLevel(cfg.LogLevel)
	a.logger.Info("config reloaded", "path", a.cfg.Path())
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("shutdown", "err", err)
	}
}
