package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"braindrive/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath  string
	addr        string
	corsOrigins string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "braindrive",
		Short:         "Plugin lifecycle server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("BRAINDRIVE_CONFIG"), "Path to config file (.yaml, .json, .toml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address, overrides config")
	serve.Flags().StringVar(&opts.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; enables CORS")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup cycle and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(a *app) error {
				rep := a.cleaner.ForceCleanup(cmd.Context())
				return printJSON(cmd, rep)
			})
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair drift between disk, metadata and database",
		Long: "Repair drift between disk, metadata and database.\n\n" +
			"Run it while no server uses the same plugins dir; a running server reconciles on startup.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(a *app) error {
				rep, err := a.reconcile(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			})
		},
	}

	root.AddCommand(serve, sweep, reconcile)
	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp builds the component graph for a one-shot command.
func withApp(opts *rootOptions, fn func(*app) error) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	return errors.Join(fn(a), a.Close())
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}
	if origins := splitCSV(opts.corsOrigins); len(origins) > 0 {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowedOrigins = origins
	}
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)

	var ready atomic.Bool
	mux := httpapi.NewMux(httpapi.Deps{
		Plugins:  a.plugins,
		Services: a.services,
		Cleanup:  a.cleaner,
		Models:   a.models,
		Managers: a.registry,
		Ready:    ready.Load,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	// no route is live until metadata agrees with the database
	rep, err := a.reconcile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup reconcile failed")
	} else {
		log.Info().Interface("report", rep).Msg("startup reconcile done")
	}
	if !cfg.Cleanup.Disabled {
		a.cleaner.Start(ctx)
	}
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("plugins_dir", cfg.PluginsDir).Msg("braindrive listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server error")
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return errors.Join(serveErr, a.Close())
}

// splitCSV splits a comma-separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
