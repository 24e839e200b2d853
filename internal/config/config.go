package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osm-mirror/internal/pipeline"
)

// Storage backends
const (
	BackendFile     = "file"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Version resolution modes
const (
	ResolverLocal  = "local"
	ResolverRemote = "remote"
)

// DefaultBatchSize is the number of entities per remote version lookup
const DefaultBatchSize = 25

// Config holds the global configuration for a pipeline run
type Config struct {
	// Storage settings
	Backend  string `yaml:"backend"`   // file, bolt or postgres
	StoreDir string `yaml:"store_dir"` // root of the nodes/ ways/ relations/ tree
	BoltPath string `yaml:"bolt_path"` // database file for the bolt backend
	GitRev   string `yaml:"git_rev"`   // revision holding the previous version of a record

	// Database settings (postgres backend)
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// Changeset settings
	ChangesetID int64  `yaml:"changeset_id"`
	Generator   string `yaml:"generator"`

	// Version resolution
	Resolver   string        `yaml:"resolver"` // local or remote
	APIURL     string        `yaml:"api_url"`
	BatchSize  int           `yaml:"batch_size"`
	APITimeout time.Duration `yaml:"api_timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Unresolved entity policy: skip, fail or retry
	OnUnresolved       string `yaml:"on_unresolved"`
	OnUnresolvedDelete string `yaml:"on_unresolved_delete"`

	// Processing settings
	Workers int `yaml:"workers"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend:            BackendFile,
		StoreDir:           ".",
		BoltPath:           "mirror.db",
		GitRev:             "HEAD^",
		DBHost:             "localhost",
		DBPort:             5432,
		DBName:             "osm",
		DBUser:             "postgres",
		DBSchema:           "public",
		Generator:          "osm-mirror",
		Resolver:           ResolverLocal,
		APIURL:             "https://api.openstreetmap.org/api/0.6",
		BatchSize:          DefaultBatchSize,
		APITimeout:         60 * time.Second,
		MaxRetries:         3,
		RetryDelay:         5 * time.Second,
		OnUnresolved:       string(pipeline.DecisionSkip),
		OnUnresolvedDelete: string(pipeline.DecisionSkip),
		Workers:            runtime.NumCPU(),
	}
}

// LoadFile overlays settings from a YAML file onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Policy returns the unresolved entity policy
func (c *Config) Policy() (pipeline.Policy, error) {
	unresolved, err := pipeline.ParseDecision(c.OnUnresolved)
	if err != nil {
		return pipeline.Policy{}, fmt.Errorf("on_unresolved: %w", err)
	}
	unresolvedDelete, err := pipeline.ParseDecision(c.OnUnresolvedDelete)
	if err != nil {
		return pipeline.Policy{}, fmt.Errorf("on_unresolved_delete: %w", err)
	}
	return pipeline.Policy{
		Unresolved:       unresolved,
		UnresolvedDelete: unresolvedDelete,
	}, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if c.StoreDir == "" {
			return fmt.Errorf("store directory is required")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("bolt path is required")
		}
	case BackendPostgres:
		if c.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown backend %q (want file, bolt or postgres)", c.Backend)
	}

	switch c.Resolver {
	case ResolverLocal:
	case ResolverRemote:
		if c.APIURL == "" {
			return fmt.Errorf("api url is required for remote version resolution")
		}
	default:
		return fmt.Errorf("unknown resolver %q (want local or remote)", c.Resolver)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}
