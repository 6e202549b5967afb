// Command renderq runs the job-dispatch and real-time notification server for
// text-to-image generation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/renderq/renderq/config"
	"github.com/renderq/renderq/jobs"
	"github.com/renderq/renderq/logger"
	"github.com/renderq/renderq/server"
	"github.com/renderq/renderq/t2i"
)

const shutdownTimeout = 30 * time.Second

var (
	flagConfig   string
	flagPort     int
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "renderq",
	Short: "renderq - job dispatch and real-time notification server for GPU inference",
	Long: `renderq dispatches text-to-image generation jobs over a WebSocket
protocol, deduplicates them by content-addressed identity, executes them under
a strict concurrency bound, and streams progress and lifecycle events back to
every subscriber — across disconnects and reconnects.

Examples:
  renderq serve                   # Start the server with defaults
  renderq serve --port 8004       # Override the listen port
  renderq config init             # Write a default renderq.toml`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job dispatch server",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage renderq configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default renderq.toml to the working directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path := config.DefaultConfigFile
		if flagConfig != "" {
			path = flagConfig
		}
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default: ./renderq.toml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit JSON structured logs")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, configCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}

	if err := logger.Initialize(flagJSONLogs || cfg.Log.JSON, cfg.Log.Verbosity); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := jobs.NewRegistry(ctx, cfg.Jobs.MaxConcurrency, log)
	registry.Register(t2i.TaskType, t2i.NewHandler(
		&t2i.Placeholder{StepDelay: 200 * time.Millisecond},
		cfg.T2I.OutputDir,
		cfg.Jobs.CacheDir,
		log,
	))

	srv := server.New(cfg, registry, log)
	srv.Start()

	startConfigWatcher(cfg, registry, log)
	startJanitor(cfg, log)

	log.Infow("renderq starting",
		"port", cfg.Server.Port,
		"max_concurrency", cfg.Jobs.MaxConcurrency,
		"cache_dir", cfg.Jobs.CacheDir,
		"output_dir", cfg.T2I.OutputDir,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infow("Signal received, shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFromFile(flagConfig)
	}
	return config.Load()
}

// startConfigWatcher hot-applies jobs.max_concurrency changes when the config
// file is edited; other keys take effect on restart. Missing config file just means nothing to watch.
func startConfigWatcher(cfg *config.Config, registry *jobs.Registry, log *zap.SugaredLogger) {
	path := flagConfig
	if path == "" {
		path = config.DefaultConfigFile
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warnw("Config watcher unavailable", "path", path, "error", err)
		return
	}
	watcher.OnReload(func(newCfg *config.Config) error {
		registry.SetMaxConcurrency(newCfg.Jobs.MaxConcurrency)
		return nil
	})
	watcher.Start()
}

// startJanitor schedules cache expiry sweeps when a TTL is configured.
func startJanitor(cfg *config.Config, log *zap.SugaredLogger) {
	if cfg.Jobs.CacheTTLHours <= 0 {
		return
	}
	janitor, err := jobs.NewJanitor(cfg.Jobs.CacheDir, time.Duration(cfg.Jobs.CacheTTLHours)*time.Hour, log)
	if err != nil {
		log.Warnw("Cache janitor unavailable", "error", err)
		return
	}
	janitor.Start()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
