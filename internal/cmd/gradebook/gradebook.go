// Package gradebook parses service configuration and starts the grading core.
package gradebook

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/gradebook/internal/platform/cmd"
	server "github.com/louisbranch/gradebook/internal/services/grading/app"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/pipeline"
)

// Config holds service configuration. Environment variables carry the
// GRADEBOOK_ prefix.
type Config struct {
	DBPath         string        `env:"DB_PATH" envDefault:"data/gradebook-events.db"`
	DispatchMode   string        `env:"DISPATCH_MODE" envDefault:"inline"`
	OutboxInterval time.Duration `env:"OUTBOX_INTERVAL" envDefault:"2s"`
	OutboxBatch    int           `env:"OUTBOX_BATCH" envDefault:"64"`
	GradingWorkers int           `env:"GRADING_WORKERS" envDefault:"4"`
	MetricsAddr    string        `env:"METRICS_ADDR"`
	RebuildLimit   int           `env:"REBUILD_LIMIT" envDefault:"10000"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite event log")
	fs.StringVar(&cfg.DispatchMode, "dispatch", cfg.DispatchMode, "Handler dispatch mode: inline or outbox")
	fs.IntVar(&cfg.GradingWorkers, "workers", cfg.GradingWorkers, "Concurrent background gradings (0 grades synchronously)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if _, err := eventstore.ParseDispatchMode(cfg.DispatchMode); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the grading service.
func Run(ctx context.Context, cfg Config) error {
	mode, err := eventstore.ParseDispatchMode(cfg.DispatchMode)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGradebook, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			DBPath:         cfg.DBPath,
			DispatchMode:   mode,
			OutboxInterval: cfg.OutboxInterval,
			OutboxBatch:    cfg.OutboxBatch,
			GradingWorkers: cfg.GradingWorkers,
			MetricsAddr:    cfg.MetricsAddr,
			RebuildLimit:   cfg.RebuildLimit,
			Scorer:         pipeline.StaticScorer{},
		})
	})
}
