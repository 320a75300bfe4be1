package maintenance

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
	"github.com/louisbranch/gradebook/internal/services/grading/storage/sqlite"
	"github.com/spf13/cobra"
)

func newEventsCommand(opts *options) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "events <aggregate-id>",
		Short: "List the events of one aggregate in version order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEvents(cmd, func(ctx context.Context, _ *sqlite.Store, events *eventstore.Service) error {
				list, err := events.GetEvents(ctx, args[0], from, to)
				if err != nil {
					return fmt.Errorf("get events: %w", err)
				}
				return printEvents(cmd.OutOrStdout(), list, opts.jsonOutput)
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first version to include")
	cmd.Flags().Uint64Var(&to, "to", 0, "last version to include (0 = latest)")
	return cmd
}

func newFeedCommand(opts *options) *cobra.Command {
	var (
		eventType    string
		since, until string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "List the global event feed in timestamp order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.EventFilter{Type: event.Type(eventType), Limit: limit}
			var err error
			if filter.Since, err = parseTime("since", since); err != nil {
				return err
			}
			if filter.Until, err = parseTime("until", until); err != nil {
				return err
			}
			return opts.withEvents(cmd, func(ctx context.Context, _ *sqlite.Store, events *eventstore.Service) error {
				list, err := events.GetAllEvents(ctx, filter)
				if err != nil {
					return fmt.Errorf("get feed: %w", err)
				}
				return printEvents(cmd.OutOrStdout(), list, opts.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&since, "since", "", "only events at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "only events at or before this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", eventstore.DefaultFeedLimit, "max events to list (negative = no limit)")
	return cmd
}

func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC 3339: %w", name, err)
	}
	return parsed.UTC(), nil
}

func printEvents(out io.Writer, list []event.Event, jsonOutput bool) error {
	if jsonOutput {
		if list == nil {
			list = []event.Event{}
		}
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No events found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tAGGREGATE\tVERSION\tTYPE\tTIMESTAMP")
	for _, evt := range list {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			evt.Seq,
			evt.AggregateID,
			evt.Version,
			evt.Type,
			evt.Timestamp.Format(time.RFC3339),
		)
	}
	return w.Flush()
}
