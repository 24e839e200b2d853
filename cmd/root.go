package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/config"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/metrics"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/store"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "osm-mirror",
	Short: "Keep a version-controlled OSM entity mirror in sync with the OSM API",
	Long: `osm-mirror maintains a mirror of OSM nodes, ways and relations, one record
per entity, and reconciles it with the OSM API through changeset exchange.

A typical round trip:
  git diff --name-status HEAD^ HEAD | osm-mirror generate -c 1234 -o change.osc --placeholders ph.json
  # upload change.osc, save the server's diffResult as result.xml
  osm-mirror reconcile --diff-result result.xml --placeholders ph.json --map map.json
  osm-mirror renumber --map map.json

Seeding a new mirror from an extract:
  osm-mirror seed region.osm.pbf 123.osc.gz

Storage backends:
  - file      one YAML file per entity under nodes/ ways/ relations/, history from git
  - bolt      embedded bbolt database
  - postgres  PostgreSQL tables, one per kind`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfig(cfg, cmd.Flags(), configFile); err != nil {
				return err
			}
		}

		logger.Init(logger.Options{Debug: cfg.Verbose, LogFile: cfg.LogFile})
		return cfg.Validate()
	},
	SilenceUsage: true,
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose output")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers")

	// Storage flags
	rootCmd.PersistentFlags().StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: file, bolt or postgres")
	rootCmd.PersistentFlags().StringVarP(&cfg.StoreDir, "store", "s", cfg.StoreDir, "Root of the nodes/ ways/ relations/ tree (file backend)")
	rootCmd.PersistentFlags().StringVar(&cfg.BoltPath, "bolt-path", cfg.BoltPath, "Database file (bolt backend)")
	rootCmd.PersistentFlags().StringVar(&cfg.GitRev, "git-rev", cfg.GitRev, "Revision holding the previous version of a record (file backend)")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for progress and system metrics logging, 0 disables (e.g., 10s, 1m)")

	// Database flags (persistent so they're available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// loadConfig reads the config file at path into c. Flags set on the command
// line keep their values.
func loadConfig(c *config.Config, flags *pflag.FlagSet, path string) error {
	given := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		given[f.Name] = f.Value.String()
	})

	if err := c.LoadFile(path); err != nil {
		return err
	}

	for name, value := range given {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return nil
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	os.Exit(1)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	log := logger.Get()
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func openStore(ctx context.Context) store.Store {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		exitWithError("failed to open store", err)
	}
	return st
}

// startMetrics logs progress and system metrics until the returned stop function is called
func startMetrics(ctx context.Context, probe metrics.Probe) (stop func()) {
	if cfg.MetricsInterval <= 0 {
		return func() {}
	}

	mctx, cancel := context.WithCancel(ctx)
	collector := metrics.NewCollector(cfg.MetricsInterval, logger.Named("metrics"), probe)
	done := make(chan struct{})
	go func() {
		collector.Start(mctx)
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

// openOutput returns path for writing, or stdout when path is empty or "-"
func openOutput(path string) (*os.File, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, f.Close, nil
}

// openInput returns path for reading, or stdin when path is empty or "-"
func openInput(path string) (*os.File, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, f.Close, nil
}

func printSummary(s *pipeline.Summary) {
	fmt.Fprint(os.Stderr, s.String())
}
