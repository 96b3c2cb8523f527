package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/posbridge/posbridge/internal/api"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/observability"
	"github.com/posbridge/posbridge/internal/pool"
	"github.com/posbridge/posbridge/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "posbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	env, err := config.ReadEnv()
	if err != nil {
		return err
	}
	cfg, err := config.Load(env.ConfigPath)
	if err != nil {
		return err
	}

	logger, err := observability.New(cfg.Application.LogLevel, env.Environment)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := pool.Initialize(pool.SettingsFromConfig(cfg.Database), logger).
		WithManagerMetrics(pool.NewMetrics(registry))
	defer pool.Destroy()

	if err := manager.ConfigurePools(cfg.DatabasePools); err != nil {
		return err
	}

	// All HTTP data access goes through the first configured pool; the
	// remaining pools serve programmatic consumers of the manager.
	source := &storage.PoolSource{
		Manager:  manager,
		PoolName: cfg.DatabasePools[0].Name,
	}

	server := api.New(cfg, env, api.Deps{
		Logger:   logger,
		Manager:  manager,
		Source:   source,
		Registry: registry,
	})
	return server.Start(context.Background())
}
