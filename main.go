package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-synth/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-synth/pkg/config"
	"github.com/ekaya-inc/ekaya-synth/pkg/joininfo"
	"github.com/ekaya-inc/ekaya-synth/pkg/logging"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
	"github.com/ekaya-inc/ekaya-synth/pkg/retry"
	"github.com/ekaya-inc/ekaya-synth/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	configPath := os.Getenv("SYNTH_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath, Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Generation failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("schema", cfg.SchemaPath),
		zap.String("chains", cfg.ChainsPath),
		zap.Int("shard_id", cfg.Exchange.ShardID),
		zap.Int("shard_count", cfg.Exchange.ShardCount),
		zap.Uint64("seed", cfg.Seed),
		zap.Bool("statistics", cfg.Statistics.Enabled))

	data, err := os.ReadFile(cfg.ChainsPath)
	if err != nil {
		return fmt.Errorf("read chain document: %w", err)
	}
	chains, err := models.ParseChainDocument(data)
	if err != nil {
		return err
	}

	var provider *postgres.StatsProvider
	if cfg.Statistics.Enabled {
		provider, err = postgres.NewStatsProvider(ctx, &cfg.Statistics, logger)
		if err != nil {
			return err
		}
		defer provider.Close()
	}

	schema, discovered, err := loadSchema(ctx, cfg, provider, logger)
	if err != nil {
		return err
	}

	exchange, err := joininfo.NewExchange(joininfo.ExchangeConfig{
		Dir:     cfg.Exchange.Dir,
		ShardID: cfg.Exchange.ShardID,
		Shards:  cfg.Exchange.ShardCount,
		Poll: retry.PollConfig{
			Interval:    cfg.Exchange.PollInterval,
			MaxAttempts: cfg.Exchange.MaxAttempts,
		},
	}, logger)
	if err != nil {
		return err
	}

	// A discovered schema already carries the planner statistics.
	var stats services.StatsSource
	if provider != nil && !discovered {
		stats = provider
	}

	generator := services.NewGeneratorService(services.GeneratorConfig{
		Seed:              cfg.Seed,
		ShardID:           cfg.Exchange.ShardID,
		ShardCount:        cfg.Exchange.ShardCount,
		Workers:           cfg.Generation.Workers,
		ChunkSize:         cfg.Generation.ChunkSize,
		SolverTimeout:     cfg.Solver.Timeout,
		SolverMaxNodes:    cfg.Solver.MaxNodes,
		MaxFanout:         cfg.Solver.MaxFanout,
		SolverStrategy:    cfg.Solver.Strategy,
		SolverConcurrency: cfg.Solver.Concurrency,
	}, exchange, stats, logger)

	out, err := generator.Run(ctx, schema, chains)
	if err != nil {
		return err
	}
	if err := services.WriteOutput(cfg.OutputPath, out); err != nil {
		return err
	}

	logger.Info("Wrote output",
		zap.String("path", cfg.OutputPath),
		zap.String("run_id", out.RunID.String()),
		zap.Int("tables", len(out.Tables)))
	return nil
}

// loadSchema reads the schema document, or discovers it from the statistics
// source when the file does not exist.
func loadSchema(ctx context.Context, cfg *config.Config, provider *postgres.StatsProvider, logger *zap.Logger) (*models.SchemaDocument, bool, error) {
	data, err := os.ReadFile(cfg.SchemaPath)
	if err == nil {
		schema, err := models.ParseSchemaDocument(data)
		return schema, false, err
	}
	if !errors.Is(err, os.ErrNotExist) || provider == nil {
		return nil, false, fmt.Errorf("read schema document: %w", err)
	}

	logger.Info("Schema document not found, discovering from statistics source",
		zap.String("path", cfg.SchemaPath),
		zap.String("schema", cfg.Statistics.Schema))
	schema, err := provider.Discover(ctx, cfg.Statistics.Schema)
	if err != nil {
		return nil, false, err
	}
	return schema, true, nil
}
