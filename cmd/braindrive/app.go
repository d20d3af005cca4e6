package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"braindrive/internal/archive"
	"braindrive/internal/cleanup"
	"braindrive/internal/config"
	"braindrive/internal/lifecycle"
	"braindrive/internal/modelinstall"
	"braindrive/internal/plugins"
	"braindrive/internal/serviceinstaller"
	"braindrive/internal/storage"
	"braindrive/internal/store"
	"braindrive/internal/versions"
)

// app holds the wired components of one process.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	db       *store.Store
	storage  *storage.Manager
	versions *versions.Manager
	registry *lifecycle.Registry
	services *serviceinstaller.Installer
	plugins  *plugins.Service
	cleaner  *cleanup.Service
	models   *modelinstall.Installer
}

func newLogger(cfg config.Config, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "braindrive").Logger(), nil
}

// loadConfig reads path (optional), then environment overrides, then defaults.
func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	cfg.ApplyEnv()
	if err := cfg.ApplyDefaults(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("plugins dir: %w", err)
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	sm, err := storage.New(cfg.PluginsDir, storage.WithLogger(log))
	if err != nil {
		db.Close()
		return nil, err
	}
	env, err := config.LoadEnv(cfg.EnvFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	reg := lifecycle.NewRegistry(lifecycle.RegistryConfig{
		EvictionInterval: cfg.EvictionInterval.Duration,
		IdleTimeout:      cfg.Cleanup.ManagerIdleTimeout.Duration,
		Publisher:        lifecycle.NewLogPublisher(log),
		Logger:           log,
	})
	vm := versions.New(sm, log)
	downloader := newDownloader(cfg.Download, sm.TempDir(), log)
	services := serviceinstaller.New(serviceinstaller.Config{
		Root:       filepath.Join(cfg.PluginsDir, "services"),
		Env:        env,
		Downloader: downloader,
		Logger:     log,
	})
	svc := plugins.New(plugins.Config{
		Storage:           sm,
		Versions:          vm,
		Registry:          reg,
		Store:             db,
		Downloader:        downloader,
		Hooks:             services,
		AutoStartServices: cfg.AutoStartServices,
		Logger:            log,
	})
	cl := cleanup.New(cleanup.Config{
		Managers: reg,
		Versions: vm,
		Files:    sm,
		Settings: cleanup.Settings{
			Interval:           cfg.Cleanup.Interval.Duration,
			ManagerIdleTimeout: cfg.Cleanup.ManagerIdleTimeout.Duration,
			TempRetention:      cfg.Cleanup.TempRetention.Duration,
		},
		Logger: log,
	})
	models := modelinstall.New(modelinstall.Options{
		MaxConcurrent:  cfg.ModelInstall.MaxConcurrent,
		Retention:      cfg.ModelInstall.Retention.Duration,
		HistorySize:    cfg.ModelInstall.HistorySize,
		RequestTimeout: cfg.ModelInstall.RequestTimeout.Duration,
		Logger:         log,
	})
	return &app{
		cfg: cfg, log: log, db: db, storage: sm, versions: vm, registry: reg,
		services: services, plugins: svc, cleaner: cl, models: models,
	}, nil
}

func newDownloader(cfg config.DownloadConfig, tempDir string, log zerolog.Logger) *archive.Downloader {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout.Duration
	return archive.NewDownloader(
		archive.WithHTTPClient(client),
		archive.WithMaxSize(cfg.MaxBytes),
		archive.WithRetries(cfg.Retries, 500*time.Millisecond, 5*time.Second),
		archive.WithTempDir(tempDir),
		archive.WithLogger(log),
	)
}

// reconcile repairs metadata drift before traffic is accepted.
func (a *app) reconcile(ctx context.Context) (plugins.ReconcileReport, error) {
	return a.plugins.Reconcile(ctx)
}

// Close stops background work and releases the database.
func (a *app) Close() error {
	a.cleaner.Stop()
	a.models.Shutdown()
	a.plugins.Close()
	a.services.Shutdown()
	a.registry.Shutdown()
	return a.db.Close()
}
