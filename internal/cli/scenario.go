package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/relay/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Filter string // scenario filter (glob pattern on the file name)
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <path>...",
		Short: "Run scenario files against a manual-clock dispatcher",
		Long: `Run YAML scenarios through the conformance harness.

Each path is a scenario file or a directory of *.yaml/*.yml files.
Scenarios run on a manual clock, so their traces and digests are
deterministic.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  relay scenario ./testdata/scenarios
  relay scenario ./testdata/scenarios --filter "recall_*"
  relay scenario ./ping_pong.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	files, err := harness.FindScenarios(paths)
	if err != nil {
		var notFound *harness.ScenarioNotFoundError
		if errors.As(err, &notFound) {
			return WrapExitError(ExitCommandError, "scenario path not found", err)
		}
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	files, err = filterScenarios(files, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	result := harness.RunSuite(files)

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	if f.JSON() {
		return outputScenarioJSON(f, result)
	}
	return outputScenarioText(f, result)
}

// filterScenarios keeps files whose base name, without extension,
// matches the glob.
func filterScenarios(files []string, filter string) ([]string, error) {
	if filter == "" {
		return files, nil
	}
	kept := []string{}
	for _, f := range files {
		base := filepath.Base(f)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		matched, err := filepath.Match(filter, name)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		if matched {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

func suiteFailure(result *harness.SuiteResult) *ExitError {
	return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed)).
		WithKind(CodeScenarioFailed)
}

// outputScenarioJSON outputs the suite result as JSON.
func outputScenarioJSON(f *OutputFormatter, result *harness.SuiteResult) error {
	if result.Failed > 0 {
		return f.Failure(result, result.Failures, suiteFailure(result))
	}
	return f.Success(result)
}

// outputScenarioText outputs the suite result as text.
func outputScenarioText(f *OutputFormatter, result *harness.SuiteResult) error {
	w := f.Writer

	if result.TotalScenarios == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}

	for _, r := range result.Results {
		if r.Pass {
			fmt.Fprintf(w, "✓ %s (%d events, %s)\n", r.Name, r.Events, shortDigest(r.Digest))
		}
	}
	for _, f := range result.Failures {
		name := f.Name
		if name == "" {
			name = filepath.Base(f.ScenarioPath)
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		fmt.Fprintf(w, "  %s\n", f.Error)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.TotalScenarios)

	if result.Failed > 0 {
		return suiteFailure(result)
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}

// shortDigest truncates a digest for display.
func shortDigest(d string) string {
	if len(d) <= 12 {
		return d
	}
	return d[:12]
}
