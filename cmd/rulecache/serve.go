package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/liamcoop/rulecache/internal/config"
	"github.com/liamcoop/rulecache/internal/metrics"
	"github.com/liamcoop/rulecache/migrations"
	"github.com/liamcoop/rulecache/rules"
)

func newServeCmd(load loadFunc) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

// app is everything serve wires together
type app struct {
	store    rules.RuleStore
	cache    *rules.RuleCache
	compiler *rules.Compiler
	db       *sql.DB
	registry *prometheus.Registry
	close    func()
}

// buildApp wires the store, compiler, cache and metrics described by cfg.
// An empty database URL keeps rules in memory.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) (*app, error) {
	a := &app{close: func() {}}

	if cfg.Database.URL == "" {
		log.Warn("no database configured, rules are held in memory")
		a.store = rules.NewInMemoryRuleProvider()
	} else {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if migrate {
			// migrations.Up closes the connection it is given
			mdb, err := sql.Open("postgres", cfg.Database.URL)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to open database: %w", err)
			}
			if err := migrations.Up(mdb); err != nil {
				db.Close()
				return nil, err
			}
			log.Info("migrations applied")
		}
		a.db = db
		a.store = rules.NewPostgresRuleProvider(db)
	}

	compiler, err := rules.NewCompiler(cfg.CompilerConfig(log))
	if err != nil {
		a.closeDB()
		return nil, fmt.Errorf("failed to create compiler: %w", err)
	}
	a.compiler = compiler
	a.cache = rules.NewRuleCache(compiler, a.store, cfg.CacheConfig(log))

	var stopEvents func()
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		stopEvents, err = metrics.Register(a.registry, a.cache)
		if err != nil {
			a.cache.Dispose()
			a.closeDB()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	a.close = func() {
		if stopEvents != nil {
			stopEvents()
		}
		a.cache.Dispose()
		a.closeDB()
	}
	return a, nil
}

func (a *app) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) server(cfg *config.Config, log *slog.Logger) *Server {
	opts := ServerOptions{
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         log,
	}
	if a.db != nil {
		opts.DB = a.db
	}
	if a.registry != nil {
		opts.Metrics = a.registry
		opts.MetricsPath = cfg.Metrics.Path
	}
	return NewServer(a.store, a.cache, a.compiler, opts)
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) error {
	a, err := buildApp(ctx, cfg, log, migrate)
	if err != nil {
		return err
	}
	defer a.close()

	// Warm the cache so the first requests are served from memory
	if result, err := a.cache.Refresh(ctx, rules.RefreshOptions{Full: true}); err != nil {
		log.Warn("initial refresh failed", "error", err)
	} else {
		log.Info("cache warmed", "count", result.Refreshed, "errors", result.Errors)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      a.server(cfg, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "listen", cfg.Server.Listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := a.cache.WaitIdle(shutdownCtx); err != nil {
		log.Warn("background work still running at shutdown", "error", err)
	}
	return nil
}
