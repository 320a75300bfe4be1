package maintenance

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/louisbranch/gradebook/internal/seed"
	"github.com/louisbranch/gradebook/internal/seed/generator"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/command"
	"github.com/louisbranch/gradebook/internal/services/grading/eventstore"
	"github.com/louisbranch/gradebook/internal/services/grading/storage/sqlite"
	"github.com/spf13/cobra"
)

func newSeedCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load development fixtures into the event log",
	}

	apply := &cobra.Command{
		Use:   "apply <fixture.yaml>",
		Short: "Append the users and gradings of a YAML fixture",
		Long: "Append the users and gradings of a YAML fixture through the grading commands.\n" +
			"A running service picks the new events up on its next start.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture, err := seed.LoadFile(args[0])
			if err != nil {
				return err
			}
			return applyFixture(cmd, opts, fixture)
		},
	}

	var (
		preset string
		seedN  int64
		users  int
		write  bool
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a fixture from a preset",
		Long:  "Generate a fixture from a preset and print it as YAML, or append it with --apply.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !knownPreset(generator.Preset(preset)) {
				return fmt.Errorf("unknown preset %q (want one of %s)", preset, presetNames())
			}
			gen := generator.New(generator.Config{
				Preset: generator.Preset(preset),
				Seed:   seedN,
				Users:  users,
			})
			fixture := gen.Fixture()
			fmt.Fprintf(cmd.ErrOrStderr(), "Using seed: %d\n", gen.Seed())
			if write {
				return applyFixture(cmd, opts, fixture)
			}
			return seed.Encode(cmd.OutOrStdout(), fixture)
		},
	}
	generate.Flags().StringVar(&preset, "preset", string(generator.PresetDemo), "fixture preset ("+presetNames()+")")
	generate.Flags().Int64Var(&seedN, "seed", 0, "random seed (0 = time based)")
	generate.Flags().IntVar(&users, "users", 0, "override the preset's user count")
	generate.Flags().BoolVar(&write, "apply", false, "append the fixture instead of printing it")

	cmd.AddCommand(apply, generate)
	return cmd
}

func applyFixture(cmd *cobra.Command, opts *options, fixture seed.Fixture) error {
	return opts.withEvents(cmd, func(ctx context.Context, _ *sqlite.Store, events *eventstore.Service) error {
		handler, err := command.NewHandler(events, nil)
		if err != nil {
			return err
		}
		result, err := seed.Apply(ctx, handler, fixture)
		if err != nil {
			return fmt.Errorf("apply fixture: %w", err)
		}
		return printSeedResult(cmd.OutOrStdout(), result, opts.jsonOutput)
	})
}

func printSeedResult(out io.Writer, result seed.Result, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(out, result)
	}
	fmt.Fprintf(out, "Users created: %d (existing: %d)\n", result.UsersCreated, result.UsersExisting)
	fmt.Fprintf(out, "Gradings: %d (completed: %d)\n", len(result.GradingIDs), result.GradingsComplete)
	fmt.Fprintf(out, "Feedback: %d\n", result.Feedback)
	return nil
}

func knownPreset(preset generator.Preset) bool {
	for _, p := range generator.Presets() {
		if p == preset {
			return true
		}
	}
	return false
}

func presetNames() string {
	names := make([]string, 0, len(generator.Presets()))
	for _, p := range generator.Presets() {
		names = append(names, string(p))
	}
	return strings.Join(names, "|")
}
