package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"behaviorbench/internal/behavior"
	"behaviorbench/internal/config"
	"behaviorbench/internal/driver"
	"behaviorbench/internal/driver/discord"
	"behaviorbench/internal/driver/sim"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/llm"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/monitoring"
	"behaviorbench/internal/orchestrator"
	"behaviorbench/internal/profiles"
	"behaviorbench/internal/repository"
)

// app holds the wired core shared by the serve and run commands.
type app struct {
	repo    repository.Repository
	bus     *eventbus.Bus
	mirror  *eventbus.RedisMirror
	drv     driver.Driver
	catalog *profiles.Catalog
	models  *llm.Registry
	orch    *orchestrator.Orchestrator
	monitor *monitoring.Monitor
}

// newApp wires every component from cfg. clock may be nil for real time.
func newApp(ctx context.Context, cfg config.Config, clock behavior.Clock) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.catalog, err = loadCatalog(cfg.ProfilesPath); err != nil {
		return nil, err
	}
	if a.repo, err = openRepository(cfg.Database); err != nil {
		return nil, err
	}

	a.bus = eventbus.New(cfg.Events.BufferSize)
	if cfg.Events.RedisURL != "" {
		if a.mirror, err = eventbus.NewRedisMirror(cfg.Events.RedisURL, cfg.Events.RedisStream, cfg.Events.RedisMaxLen); err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.mirror.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis mirror unreachable: %w", err)
		}
		a.mirror.Attach(a.bus)
	}

	if a.drv, err = openDriver(cfg); err != nil {
		return nil, err
	}

	a.models = llm.NewRegistry(cfg.LLM)
	a.monitor = monitoring.NewMonitor(a.bus)
	a.monitor.Attach(a.bus)
	a.orch = orchestrator.New(orchestrator.Deps{
		Repo:    a.repo,
		Bus:     a.bus,
		Driver:  a.drv,
		Catalog: a.catalog,
		Models:  a.models,
		Clock:   clock,
	}, cfg.OrchestratorConfig())

	logger.Logger.Info("core ready",
		"database", cfg.Database.Driver,
		"driver", a.drv.Name(),
		"provider", cfg.LLM.DefaultProvider,
		"redis", a.mirror != nil)
	return a, nil
}

// Close tears components down in reverse order of construction.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.drv != nil {
		if err := a.drv.Close(); err != nil {
			logger.Logger.Warn("driver close failed", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			logger.Logger.Warn("redis mirror close failed", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			logger.Logger.Warn("repository close failed", "error", err)
		}
	}
}

func loadCatalog(path string) (*profiles.Catalog, error) {
	if path == "" {
		return profiles.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	return profiles.Load(data)
}

func openRepository(db config.DatabaseConfig) (repository.Repository, error) {
	if db.Driver == config.DatabaseMemory {
		return repository.NewMemory(), nil
	}
	repo, err := repository.OpenGorm(db.Driver, db.DSN)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func openDriver(cfg config.Config) (driver.Driver, error) {
	switch cfg.Driver.Kind {
	case config.DriverDiscord:
		d, err := discord.New(cfg.DiscordConfig())
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return sim.New(cfg.SimOptions()), nil
	}
}
