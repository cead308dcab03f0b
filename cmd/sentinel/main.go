// Command sentinel runs the source selection and reconciliation
// engine as an HTTP service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/healthsignal/sentinel/pkg/api"
	"github.com/healthsignal/sentinel/pkg/auth"
	"github.com/healthsignal/sentinel/pkg/catalog"
	"github.com/healthsignal/sentinel/pkg/compare"
	"github.com/healthsignal/sentinel/pkg/config"
	"github.com/healthsignal/sentinel/pkg/credentials"
	"github.com/healthsignal/sentinel/pkg/fetch"
	"github.com/healthsignal/sentinel/pkg/health"
	"github.com/healthsignal/sentinel/pkg/observability"
	"github.com/healthsignal/sentinel/pkg/reconcile"
	"github.com/healthsignal/sentinel/pkg/selector"
	"github.com/healthsignal/sentinel/pkg/store"
	"github.com/healthsignal/sentinel/pkg/transport"
	"github.com/healthsignal/sentinel/pkg/validate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sentinel exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded", "path", cfg.CatalogPath, "sources", len(cat.List()))

	rules, err := validate.LoadRules(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	validator, err := validate.New(rules)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	snapshots, closeStore, err := openSnapshotStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("snapshot store ready", "backend", string(cfg.SnapshotBackend))

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = cfg.OTLPInsecure
		obsCfg.Environment = cfg.Environment
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return fmt.Errorf("init observability: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	creds := credentials.NewStore(nil, credentials.WithEnvFallback(true))
	authProvider := auth.NewProvider(cat, creds)
	tracker := health.NewTracker()

	fetchOpts := []fetch.Option{fetch.WithTimeout(cfg.FetchTimeout)}
	if obs != nil {
		fetchOpts = append(fetchOpts, fetch.WithMetrics(obs))
	}
	fetcher := fetch.New(authProvider, transport.New(), tracker, validator, fetchOpts...)

	engineOpts := []reconcile.Option{reconcile.WithMaxAge(cfg.SnapshotMaxAge)}
	if obs != nil {
		engineOpts = append(engineOpts, reconcile.WithMetrics(obs))
	}
	engine := reconcile.New(
		selector.New(cat, tracker),
		fetcher,
		validator,
		compare.New(),
		cat,
		snapshots,
		engineOpts...,
	)

	limiter := api.NewRateLimiter(20, 40)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(api.NewServer(engine, tracker, logger).Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openSnapshotStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.SnapshotBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), noop, nil

	case config.BackendSQLite:
		s, err := store.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := store.NewPostgresStore(db)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, func() { _ = db.Close() }, nil

	case config.BackendRedis:
		s := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
}
