// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// outpostd is the gateway daemon: it listens for operations from the
// controller and executes them against locally reachable backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/outpost/internal/agent"
	"github.com/tombee/outpost/internal/clientcache"
	"github.com/tombee/outpost/internal/config"
	"github.com/tombee/outpost/internal/credentials"
	"github.com/tombee/outpost/internal/daemon"
	"github.com/tombee/outpost/internal/envelope"
	"github.com/tombee/outpost/internal/log"
	"github.com/tombee/outpost/internal/metrics"
	"github.com/tombee/outpost/internal/objectstore"
	"github.com/tombee/outpost/internal/sandbox"
	"github.com/tombee/outpost/internal/tracing"

	// Built-in connectors register themselves with the proxy factory
	// registry.
	_ "github.com/tombee/outpost/internal/proxy/httpproxy"
	_ "github.com/tombee/outpost/internal/proxy/sqlproxy"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		listenAddr  = flag.String("listen", "", "Address to listen on (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("outpostd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if err := run(*configPath, *listenAddr, logger); err != nil {
		logger.Error("gateway exited with error", log.Error(err))
		os.Exit(1)
	}
}

func run(configPath, listenAddr string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Pretty:         cfg.Tracing.Pretty,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Warn("flushing traces", log.Error(err))
		}
	}()

	var store objectstore.Store
	if cfg.Storage.Backend == "s3" {
		store, err = objectstore.NewS3Store(ctx, cfg.Storage.S3)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	cacheOpts := []clientcache.Option{
		clientcache.WithTTL(cfg.Cache.TTL),
		clientcache.WithLogger(logger),
	}
	if m != nil {
		cacheOpts = append(cacheOpts, clientcache.WithMetrics(m))
	}
	if cfg.Cache.Disabled {
		cacheOpts = append(cacheOpts, clientcache.Disabled())
	}
	cache := clientcache.New(cacheOpts...)
	defer cache.Close(context.Background())

	envelopeOpts := []envelope.Option{
		envelope.WithURLExpiry(cfg.Storage.URLExpiry),
		envelope.WithLogger(logger),
	}
	if m != nil {
		envelopeOpts = append(envelopeOpts, envelope.WithMetrics(m))
	}

	gateway := agent.New(agent.Config{
		Cache:    cache,
		Creds:    credentials.NewDefaultResolver(),
		Envelope: envelope.New(store, envelopeOpts...),
		Sandbox: sandbox.NewEngine(sandbox.Config{
			AllowedModules: cfg.Sandbox.AllowedModules,
			MaxSteps:       cfg.Sandbox.MaxSteps,
		}),
		Metrics: m,
		Logger:  logger,
	})

	server := daemon.New(cfg.Server, gateway, m, logger)
	return server.Run(ctx)
}
