// Package maintenance implements the gradebook maintenance CLI: event log
// inspection, projection reports, outbox repair and fixture seeding.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/louisbranch/gradebook/internal/platform/config"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/projection"
	"github.com/louisbranch/gradebook/internal/services/grading/storage/sqlite"
	"github.com/spf13/cobra"
)

// Config holds maintenance defaults read from the environment.
type Config struct {
	DBPath  string        `env:"DB_PATH" envDefault:"data/gradebook-events.db"`
	Timeout time.Duration `env:"MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// options are the persistent flags shared by every subcommand.
type options struct {
	dbPath     string
	jsonOutput bool
	timeout    time.Duration
	now        func() time.Time
}

// NewRootCommand builds the maintenance command tree. Output goes to out and
// errOut rather than the process streams so tests can capture it.
func NewRootCommand(out, errOut io.Writer) (*cobra.Command, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}
	opts := &options{
		dbPath:  cfg.DBPath,
		timeout: cfg.Timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}

	root := &cobra.Command{
		Use:           "maintenance",
		Short:         "Inspect and repair the gradebook event log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&opts.dbPath, "db", opts.dbPath, "path to the SQLite event log (default: GRADEBOOK_DB_PATH or data/gradebook-events.db)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON reports")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", opts.timeout, "overall timeout")

	root.AddCommand(
		newEventsCommand(opts),
		newFeedCommand(opts),
		newStatsCommand(opts),
		newUserCommand(opts),
		newGradingCommand(opts),
		newOutboxCommand(opts),
		newSeedCommand(opts),
	)
	return root, nil
}

// commandContext applies the configured timeout to the command context.
func (o *options) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// withEvents opens the event log for the duration of fn.
func (o *options) withEvents(cmd *cobra.Command, fn func(ctx context.Context, store *sqlite.Store, events *eventstore.Service) error) error {
	ctx, cancel := o.commandContext(cmd)
	defer cancel()

	store, err := openEventStore(o.dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: close event store: %v\n", closeErr)
		}
	}()
	events, err := eventstore.New(store)
	if err != nil {
		return err
	}
	return fn(ctx, store, events)
}

// withProjections rebuilds the views from the whole log and hands them to fn.
func (o *options) withProjections(cmd *cobra.Command, fn func(ctx context.Context, views *projection.Manager) error) error {
	return o.withEvents(cmd, func(ctx context.Context, _ *sqlite.Store, events *eventstore.Service) error {
		views, err := projection.NewManager(events)
		if err != nil {
			return err
		}
		if err := views.RebuildAll(ctx, 0); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
		return fn(ctx, views)
	})
}

func openEventStore(path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return nil, fmt.Errorf("events db path is required")
	}
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open events store: %w", err)
	}
	return store, nil
}

func writeJSON(out io.Writer, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}
