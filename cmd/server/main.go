package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/ledgerclose/internal/catalog"
	"github.com/JonMunkholm/ledgerclose/internal/config"
	"github.com/JonMunkholm/ledgerclose/internal/core"
	"github.com/JonMunkholm/ledgerclose/internal/incidence"
	"github.com/JonMunkholm/ledgerclose/internal/logging"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store/postgres"
	"github.com/JonMunkholm/ledgerclose/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Overload lets a local .env win over the shell environment.
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"pipeline_workers", cfg.Pipeline.Workers,
		"pipeline_max_active", cfg.Pipeline.MaxActive,
		"snapshot_cache", cfg.Cache.Driver,
	)

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	st := postgres.New(pool)
	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("database schema applied")
	}

	if cfg.Catalog.SeedFile != "" {
		cat, err := catalog.LoadFile(cfg.Catalog.SeedFile)
		if err != nil {
			return err
		}
		if err := catalog.Apply(ctx, st, cat); err != nil {
			return err
		}
		slog.Info("catalog seeded", "file", cfg.Catalog.SeedFile, "clients", len(cat.Clients))
	}

	cache, err := snapshot.OpenCache(cfg.Cache.Driver, cfg.Cache.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			slog.Warn("snapshot cache close failed", "error", err)
		}
	}()

	files, err := core.NewDirFileStore(cfg.Storage.UploadsDir)
	if err != nil {
		return err
	}

	engine := incidence.NewEngine(st, incidence.Options{
		Tolerance:  cfg.Incidence.Tolerance,
		SampleRows: cfg.Incidence.SampleRows,
	})
	snapshots := snapshot.NewService(st, cache, engine)
	pipeline := core.NewPipeline(st, files, engine, snapshots, core.PipelineOptions{
		MaxFileSize:         cfg.Pipeline.MaxFileSize,
		MaxRowErrors:        cfg.Pipeline.MaxRowErrors,
		MaxHeaderSearchRows: cfg.Pipeline.MaxHeaderSearchRows,
	})
	limiter := core.NewUploadLimiter(cfg.Pipeline.MaxActive, cfg.Pipeline.MaxWait)
	dispatcher := core.NewDispatcher(pipeline, limiter, core.DispatcherOptions{
		Workers:      cfg.Pipeline.Workers,
		StageTimeout: cfg.Pipeline.StageTimeout,
	})
	service := core.NewService(st, files, snapshots, pipeline, dispatcher, limiter)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	dispatcher.Start(jobCtx)
	if n, err := service.Resume(jobCtx); err != nil {
		slog.Warn("resume of active uploads failed", "error", err, "resumed", n)
	} else if n > 0 {
		slog.Info("resumed active uploads", "count", n)
	}

	sweeper := core.NewSweeper(pipeline, dispatcher, core.SweepConfig{
		StaleAfter:    cfg.Pipeline.StaleAfter,
		CheckInterval: cfg.Pipeline.SweepInterval,
	})
	go sweeper.Run(jobCtx)

	server := web.NewServer(service, cfg)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr())
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down...", "signal", sig.String())
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			cancelJobs()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	status := service.LimiterStatus()
	if status.Active > 0 {
		slog.Info("waiting for uploads to complete", "active", status.Active)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Warn("uploads did not complete in time; they resume on next start", "error", err)
	} else {
		slog.Info("all uploads completed")
	}
	cancelJobs()
	return nil
}
