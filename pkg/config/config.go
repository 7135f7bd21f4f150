package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-synth.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Input documents and the output file.
	SchemaPath string `yaml:"schema_path" env:"SYNTH_SCHEMA_PATH" env-default:"schema.yaml"`
	ChainsPath string `yaml:"chains_path" env:"SYNTH_CHAINS_PATH" env-default:"chains.json"`
	OutputPath string `yaml:"output_path" env:"SYNTH_OUTPUT_PATH" env-default:"output.json"`

	// Seed makes a run reproducible: equal inputs and seeds give equal output.
	Seed uint64 `yaml:"seed" env:"SYNTH_SEED" env-default:"1"`

	Generation GenerationConfig `yaml:"generation"`
	Solver     SolverConfig     `yaml:"solver"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Statistics StatisticsConfig `yaml:"statistics"`
}

// GenerationConfig sizes the row-vector worker pool.
type GenerationConfig struct {
	// Workers is the number of goroutines per vector operation; 0 uses GOMAXPROCS.
	Workers   int `yaml:"workers" env:"SYNTH_WORKERS" env-default:"0"`
	ChunkSize int `yaml:"chunk_size" env:"SYNTH_CHUNK_SIZE" env-default:"4096"`
}

// SolverConfig bounds the cardinality solver.
type SolverConfig struct {
	Timeout  time.Duration `yaml:"timeout" env:"SYNTH_SOLVER_TIMEOUT" env-default:"60s"`
	MaxNodes int64         `yaml:"max_nodes" env:"SYNTH_SOLVER_MAX_NODES" env-default:"2000000"`
	// MaxFanout is the largest number of FK rows one PK group may receive
	// when a distinct count is observed.
	MaxFanout int `yaml:"max_fanout" env:"SYNTH_SOLVER_MAX_FANOUT" env-default:"8"`
	// Strategy is serialized, throttled or parallel.
	Strategy    string `yaml:"strategy" env:"SYNTH_SOLVER_STRATEGY" env-default:"throttled"`
	Concurrency int    `yaml:"concurrency" env:"SYNTH_SOLVER_CONCURRENCY" env-default:"1"`
}

// ExchangeConfig describes the shard set and the shared join-info directory.
type ExchangeConfig struct {
	Dir          string        `yaml:"dir" env:"SYNTH_JOININFO_DIR" env-default:"joininfo"`
	ShardID      int           `yaml:"shard_id" env:"SYNTH_SHARD_ID" env-default:"0"`
	ShardCount   int           `yaml:"shard_count" env:"SYNTH_SHARD_COUNT" env-default:"1"`
	PollInterval time.Duration `yaml:"poll_interval" env:"SYNTH_POLL_INTERVAL" env-default:"1s"`
	// MaxAttempts bounds the polls for peer files; 0 waits until the run
	// is cancelled.
	MaxAttempts int `yaml:"max_attempts" env:"SYNTH_POLL_MAX_ATTEMPTS" env-default:"0"`
}

// StatisticsConfig holds the optional PostgreSQL statistics source.
type StatisticsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"SYNTH_STATS_ENABLED" env-default:"false"`
	Host       string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port       int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User       string `yaml:"user" env:"PGUSER" env-default:"postgres"`
	Password   string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database   string `yaml:"database" env:"PGDATABASE" env-default:"postgres"`
	SSLMode    string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConns   int32  `yaml:"max_conns" env:"PGMAX_CONNECTIONS" env-default:"4"`
	SampleSize int    `yaml:"sample_size" env:"SYNTH_STATS_SAMPLE_SIZE" env-default:"1000"`
	// Schema is discovered from the database when the schema document is absent.
	Schema string `yaml:"schema" env:"SYNTH_STATS_SCHEMA" env-default:"public"`
}

// Load reads configuration from path with environment variable overrides.
// A missing file is not an error: configuration then comes from the
// environment and defaults alone.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Exchange.ShardCount < 1 {
		return fmt.Errorf("exchange.shard_count must be positive, got %d", c.Exchange.ShardCount)
	}
	if c.Exchange.ShardID < 0 || c.Exchange.ShardID >= c.Exchange.ShardCount {
		return fmt.Errorf("exchange.shard_id %d outside [0,%d)", c.Exchange.ShardID, c.Exchange.ShardCount)
	}
	if c.Exchange.PollInterval <= 0 {
		return fmt.Errorf("exchange.poll_interval must be positive, got %s", c.Exchange.PollInterval)
	}
	if c.Exchange.MaxAttempts < 0 {
		return fmt.Errorf("exchange.max_attempts must not be negative, got %d", c.Exchange.MaxAttempts)
	}
	if c.Generation.Workers < 0 {
		return fmt.Errorf("generation.workers must not be negative, got %d", c.Generation.Workers)
	}
	if c.Solver.MaxFanout < 1 {
		return fmt.Errorf("solver.max_fanout must be at least 1, got %d", c.Solver.MaxFanout)
	}
	switch c.Solver.Strategy {
	case "serialized", "throttled", "parallel":
	default:
		return fmt.Errorf("unknown solver.strategy %q", c.Solver.Strategy)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *StatisticsConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
