package maintenance

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/louisbranch/gradebook/internal/services/grading/projection"
	"github.com/spf13/cobra"
)

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Rebuild the user views and print aggregate statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withProjections(cmd, func(_ context.Context, views *projection.Manager) error {
				stats := views.UserStatistics(opts.now())
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, stats)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Users:\t%d\n", stats.TotalUsers)
				fmt.Fprintf(w, "Active users:\t%d\n", stats.ActiveUsers)
				fmt.Fprintf(w, "Gradings:\t%d\n", stats.TotalGradings)
				fmt.Fprintf(w, "Average score:\t%.2f\n", stats.AverageScore)
				return w.Flush()
			})
		},
	}
}

func newUserCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "user <user-id|all>",
		Short: "Show one user view, or every user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withProjections(cmd, func(_ context.Context, views *projection.Manager) error {
				out := cmd.OutOrStdout()
				if args[0] == "all" {
					users := views.Users()
					sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
					if opts.jsonOutput {
						return writeJSON(out, users)
					}
					return printUsers(out, users)
				}
				user, ok := views.GetUser(args[0])
				if !ok {
					return fmt.Errorf("user not found: %s", args[0])
				}
				if opts.jsonOutput {
					return writeJSON(out, user)
				}
				return printUsers(out, []projection.UserProjection{user})
			})
		},
	}
}

func newGradingCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "grading <grading-id>",
		Short: "Show one grading view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withProjections(cmd, func(_ context.Context, views *projection.Manager) error {
				grading, ok := views.GetGrading(args[0])
				if !ok {
					return fmt.Errorf("grading not found: %s", args[0])
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, grading)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Grading:\t%s\n", grading.GradingID)
				fmt.Fprintf(w, "User:\t%s\n", grading.UserID)
				fmt.Fprintf(w, "Status:\t%s\n", grading.Status)
				fmt.Fprintf(w, "Language:\t%s\n", grading.Language)
				fmt.Fprintf(w, "Dimensions:\t%v\n", grading.Dimensions)
				if grading.Score != nil {
					fmt.Fprintf(w, "Score:\t%.2f\n", *grading.Score)
				}
				if grading.DurationMS != nil {
					fmt.Fprintf(w, "Duration:\t%s\n", time.Duration(*grading.DurationMS)*time.Millisecond)
				}
				fmt.Fprintf(w, "Feedback received:\t%t\n", grading.FeedbackReceived)
				return w.Flush()
			})
		},
	}
}

func printUsers(out io.Writer, users []projection.UserProjection) error {
	if len(users) == 0 {
		fmt.Fprintln(out, "No users found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tGRADINGS\tAVERAGE\tFEEDBACK\tSTRATEGIES\tLAST ACTIVITY")
	for _, u := range users {
		last := "-"
		if !u.LastActivity.IsZero() {
			last = u.LastActivity.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%d\t%d\t%s\n",
			u.UserID,
			u.Username,
			u.TotalGradings,
			u.AverageScore,
			u.FeedbackCount,
			u.StrategiesLearned,
			last,
		)
	}
	return w.Flush()
}
