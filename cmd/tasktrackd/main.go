// Command tasktrackd is the tasktrack server daemon. It serves the REST API,
// streams notifications, and runs the reopen SLA monitor.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/config"
	"github.com/GoCodeAlone/tasktrack/internal/clock"
	"github.com/GoCodeAlone/tasktrack/internal/version"
	"github.com/GoCodeAlone/tasktrack/lifecycle"
	"github.com/GoCodeAlone/tasktrack/monitor"
	"github.com/GoCodeAlone/tasktrack/server"
	"github.com/GoCodeAlone/tasktrack/task"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "tasktrackd",
		Short:         "Employee task lifecycle server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tasktrack.yaml", "path to YAML config file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the reopen SLA monitor",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath, cmd.Flags().Changed("config"))
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one monitor sweep against the database and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return sweep(cmd.Context(), configPath, cmd.Flags().Changed("config"))
			},
		},
		&cobra.Command{
			Use:   "hash-password <password>",
			Short: "Print the bcrypt hash for a config user entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				h, err := server.HashPassword(args[0])
				if err != nil {
					return err
				}
				fmt.Println(h)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(*cobra.Command, []string) {
				fmt.Println(version.String("tasktrackd"))
			},
		},
	)
	return cmd
}

// loadConfig reads path. A missing file falls back to defaults unless the
// path was given explicitly.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return config.DefaultConfig(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(cfg *config.Config) (*task.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tasktrack.db"))
}

func serve(ctx context.Context, configPath string, explicit bool) error {
	cfg, fromFile, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting tasktrackd",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"config_loaded", fromFile,
	)
	if len(cfg.Auth.Users) == 0 {
		logger.Warn("no users configured; every login will be rejected")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	bus := comms.NewInMemoryBus(cfg.Notify.HistorySize)
	notifier := comms.Fanout{bus}
	if cfg.Notify.NATSURL != "" {
		nc, err := comms.DialNATS(cfg.Notify.NATSURL, "tasktrackd")
		if err != nil {
			return err
		}
		defer nc.Drain() //nolint:errcheck
		notifier = append(notifier, comms.NewNATSNotifier(nc, cfg.Notify.SubjectPrefix))
		logger.Info("publishing notifications to NATS", "url", cfg.Notify.NATSURL, "prefix", cfg.Notify.SubjectPrefix)
	}

	svc := lifecycle.NewService(store, notifier,
		lifecycle.WithLogger(logger),
		lifecycle.WithPolicy(cfg.Lifecycle),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mon, err := monitor.New(store, svc, monitor.Config{Interval: cfg.Lifecycle.MonitorInterval},
		clock.Real{}, monitor.NewMetrics(reg), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if fromFile {
		w, err := config.NewWatcher(configPath, func(c *config.Config) {
			if err := svc.SetPolicy(c.Lifecycle); err != nil {
				logger.Warn("lifecycle policy rejected", "error", err)
			}
		}, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer w.Close() //nolint:errcheck
			go w.Run(ctx)
		}
	}

	if err := mon.Start(ctx); err != nil {
		return err
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetService(svc)
	srv.SetBus(bus)
	srv.SetMetrics(reg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	if err := mon.Stop(10 * time.Second); err != nil {
		logger.Error("monitor stop error", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

func sweep(ctx context.Context, configPath string, explicit bool) error {
	cfg, _, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	svc := lifecycle.NewService(store, nil,
		lifecycle.WithLogger(logger),
		lifecycle.WithPolicy(cfg.Lifecycle),
	)
	mon, err := monitor.New(store, svc, monitor.Config{Interval: cfg.Lifecycle.MonitorInterval},
		clock.Real{}, nil, logger)
	if err != nil {
		return err
	}

	rep := mon.RunOnce(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if rep.Errors > 0 {
		return fmt.Errorf("sweep finished with %d error(s)", rep.Errors)
	}
	return nil
}
