package maintenance

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
	"github.com/louisbranch/gradebook/internal/services/grading/storage/sqlite"
	"github.com/spf13/cobra"
)

const defaultOutboxLimit = 50

type outboxInspector interface {
	GetHandlerOutboxSummary(ctx context.Context) (storage.OutboxSummary, error)
	ListHandlerOutboxRows(ctx context.Context, status storage.OutboxStatus, limit int) ([]storage.OutboxRow, error)
}

type outboxRequeuer interface {
	RequeueDeadHandlerOutboxRows(ctx context.Context, now time.Time, limit int) (int, error)
}

type outboxReport struct {
	Mode    string                `json:"mode"`
	Status  string                `json:"status,omitempty"`
	Limit   int                   `json:"limit"`
	Summary storage.OutboxSummary `json:"summary"`
	Rows    []storage.OutboxRow   `json:"rows"`
}

type outboxRequeueResult struct {
	Mode     string `json:"mode"`
	Limit    int    `json:"limit"`
	Requeued int    `json:"requeued"`
}

func newOutboxCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair handler delivery",
	}

	var (
		status      string
		reportLimit int
	)
	report := &cobra.Command{
		Use:   "report",
		Short: "Report outbox depth and rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEvents(cmd, func(ctx context.Context, store *sqlite.Store, _ *eventstore.Service) error {
				return runOutboxReport(ctx, store, status, reportLimit, opts.jsonOutput, cmd.OutOrStdout())
			})
		},
	}
	report.Flags().StringVar(&status, "status", "", "optional status filter (pending|processing|failed|dead)")
	report.Flags().IntVar(&reportLimit, "limit", defaultOutboxLimit, "max rows to list")

	var requeueLimit int
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Move dead rows back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEvents(cmd, func(ctx context.Context, store *sqlite.Store, _ *eventstore.Service) error {
				return runOutboxRequeueDeadRows(ctx, store, requeueLimit, opts.now(), opts.jsonOutput, cmd.OutOrStdout())
			})
		},
	}
	requeue.Flags().IntVar(&requeueLimit, "limit", 0, "max dead rows to requeue (required)")

	cmd.AddCommand(report, requeue)
	return cmd
}

func runOutboxReport(ctx context.Context, inspector outboxInspector, status string, limit int, jsonOutput bool, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if inspector == nil {
		return fmt.Errorf("outbox inspector is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox limit must be > 0")
	}
	status = strings.TrimSpace(status)

	summary, err := inspector.GetHandlerOutboxSummary(ctx)
	if err != nil {
		return fmt.Errorf("read outbox summary: %w", err)
	}
	rows, err := inspector.ListHandlerOutboxRows(ctx, storage.OutboxStatus(status), limit)
	if err != nil {
		return fmt.Errorf("list outbox rows: %w", err)
	}

	if jsonOutput {
		if rows == nil {
			rows = []storage.OutboxRow{}
		}
		return writeJSON(out, outboxReport{
			Mode:    "outbox",
			Status:  status,
			Limit:   limit,
			Summary: summary,
			Rows:    rows,
		})
	}

	fmt.Fprintf(
		out,
		"Outbox summary: pending=%d processing=%d failed=%d dead=%d\n",
		summary.Pending,
		summary.Processing,
		summary.Failed,
		summary.Dead,
	)
	if summary.OldestPendingSeq == 0 {
		fmt.Fprintln(out, "Oldest pending/failed row: none")
	} else {
		fmt.Fprintf(out, "Oldest pending/failed row: seq=%d\n", summary.OldestPendingSeq)
	}
	if status == "" {
		fmt.Fprintf(out, "Rows (all statuses, limit=%d):\n", limit)
	} else {
		fmt.Fprintf(out, "Rows (status=%s, limit=%d):\n", status, limit)
	}
	for _, row := range rows {
		fmt.Fprintf(
			out,
			"- %d status=%s attempts=%d next_attempt_at=%s type=%s\n",
			row.Seq,
			row.Status,
			row.AttemptCount,
			row.NextAttemptAt.Format(time.RFC3339),
			row.EventType,
		)
		if strings.TrimSpace(row.LastError) != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

func runOutboxRequeueDeadRows(ctx context.Context, requeuer outboxRequeuer, limit int, now time.Time, jsonOutput bool, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if requeuer == nil {
		return fmt.Errorf("outbox requeuer is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox requeue limit must be > 0")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	requeued, err := requeuer.RequeueDeadHandlerOutboxRows(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	if jsonOutput {
		return writeJSON(out, outboxRequeueResult{
			Mode:     "outbox-requeue-dead",
			Limit:    limit,
			Requeued: requeued,
		})
	}
	fmt.Fprintf(out, "Requeued dead outbox rows: %d (limit=%d)\n", requeued, limit)
	return nil
}
