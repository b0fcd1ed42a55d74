// Copyright 2026 The OpenTrusty Authors
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
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/opentrusty/accessgate/internal/audit"
	"github.com/opentrusty/accessgate/internal/authz"
	"github.com/opentrusty/accessgate/internal/cluster"
	"github.com/opentrusty/accessgate/internal/config"
	"github.com/opentrusty/accessgate/internal/housekeeping"
	"github.com/opentrusty/accessgate/internal/identity"
	"github.com/opentrusty/accessgate/internal/monitor"
	"github.com/opentrusty/accessgate/internal/observability/logger"
	"github.com/opentrusty/accessgate/internal/observability/metrics"
	"github.com/opentrusty/accessgate/internal/observability/tracing"
	"github.com/opentrusty/accessgate/internal/routeguard"
	"github.com/opentrusty/accessgate/internal/store/memory"
	"github.com/opentrusty/accessgate/internal/store/postgres"
	transportHTTP "github.com/opentrusty/accessgate/internal/transport/http"
)

// grantBackend is what the server needs from a grant store.
type grantBackend interface {
	authz.GrantStore
	housekeeping.Store
}

func main() {
	var routesFile, webRoot string
	flagSet := pflag.NewFlagSet("accessgate", pflag.ContinueOnError)
	flagSet.StringVar(&routesFile, "routes", "", "route registry file (overrides ROUTES_FILE)")
	flagSet.StringVar(&webRoot, "web-root", "", "directory served behind the page guard under /app")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "accessgate: %v\n", err)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if routesFile != "" {
		cfg.Routes.File = routesFile
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting accessgate", slog.String("store", cfg.Store.Driver))

	if err := run(cfg, webRoot); err != nil {
		slog.Error("accessgate stopped with error", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg *config.Config, webRoot string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		tracer = tracing.Noop()
	}
	defer tracer.Shutdown(context.Background())

	// Initialize meter
	meter := metrics.New(metrics.Config{Enabled: cfg.Observability.OTELEnabled}, cfg.Observability.ServiceName)
	instruments, err := metrics.NewAccessInstruments(meter)
	if err != nil {
		slog.Error("failed to initialize access instruments", logger.Error(err))
		instruments = metrics.NoopAccessInstruments()
	}

	// Route registry is fatal: serving with a partial rule set would open routes.
	registry, err := routeguard.LoadRegistryFile(cfg.Routes.File)
	if err != nil {
		return fmt.Errorf("failed to load route registry %s: %w", cfg.Routes.File, err)
	}
	slog.Info("loaded route registry",
		slog.String("file", cfg.Routes.File),
		slog.Int("routes", len(registry.Routes)),
		slog.Int("deny", len(registry.Deny)),
	)

	// Initialize grant store
	store, ready, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	auditLogger := audit.NewSlogLogger(slog.Default())

	opts := []authz.Option{
		authz.WithAuditLogger(auditLogger),
		authz.WithInstruments(instruments),
		authz.WithTracer(tracer),
	}

	// Cross-replica invalidation
	var bus *cluster.Bus
	if cfg.Cluster.RedisURL != "" {
		bus, err = cluster.NewBus(ctx, cfg.Cluster.RedisURL, cfg.Cluster.Channel, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer bus.Close()
		opts = append(opts, authz.WithPublisher(bus))
	} else {
		slog.Warn("REDIS_URL not set; peer replicas rely on cache TTL for grant changes")
	}

	cache := authz.NewDecisionCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	authzService := authz.NewService(store, cache, monitor.New(cfg.Monitor.Capacity), opts...)

	if bus != nil {
		sub, err := bus.Subscribe(ctx, authzService.Cache())
		if err != nil {
			return fmt.Errorf("failed to subscribe to invalidations: %w", err)
		}
		defer sub.Close()
	}

	// Identity provider
	provider, err := identity.NewJWTProvider(ctx, identity.JWTConfig{
		Secret:  cfg.Auth.JWTSecret,
		JWKSURL: cfg.Auth.JWKSURL,
		Issuer:  cfg.Auth.Issuer,
		Leeway:  cfg.Auth.Leeway,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	// Housekeeping
	if cfg.Maintenance.PurgeSchedule != "" {
		purger := housekeeping.NewPurger(store, cfg.Maintenance.PurgeRetention, auditLogger, slog.Default())
		scheduler, err := purger.Schedule(ctx, cfg.Maintenance.PurgeSchedule)
		if err != nil {
			return err
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	var staticFS fs.FS
	if webRoot != "" {
		staticFS = os.DirFS(webRoot)
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()

	// Initialize HTTP handler
	guard := routeguard.New(registry, authzService, authzService.Hierarchy())
	handler := transportHTTP.NewHandler(authzService, guard, provider, auditLogger, ready, transportHTTP.Config{
		DenialDisplayPeriod: cfg.Routes.DenialDisplayPeriod,
		StaticFS:            staticFS,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      transportHTTP.NewRouter(handler, rateLimiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// openStore returns the configured grant store, its readiness probe and a
// close function.
func openStore(ctx context.Context, cfg *config.Config) (grantBackend, transportHTTP.Pinger, func(), error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		slog.Warn("using in-memory grant store; grants are lost on restart")
		return memory.NewGrantStore(), nil, func() {}, nil
	}

	dbCfg := dbConfig(&cfg.Database)
	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(dbCfg); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		slog.Info("database migrations applied")
	}

	db, err := postgres.New(ctx, dbCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database")

	return postgres.NewGrantRepository(db, slog.Default()), db, db.Close, nil
}

func dbConfig(db *config.DatabaseConfig) postgres.Config {
	return postgres.Config{
		Host:         db.Host,
		Port:         db.Port,
		User:         db.User,
		Password:     db.Password,
		Database:     db.Database,
		SSLMode:      db.SSLMode,
		MaxOpenConns: db.MaxOpenConns,
		MaxIdleConns: db.MaxIdleConns,
	}
}
