package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/relay/internal/store"
	"github.com/roach88/relay/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Envelope string // optional - filter to one envelope
}

// TraceResult holds the output of `trace show`.
type TraceResult struct {
	Run    store.Run            `json:"run"`
	Events []trace.Event        `json:"events"`
	Kinds  map[trace.Kind]int64 `json:"kinds"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect journalled runs",
		Long: `Inspect runs recorded by 'relay run --journal'.

Subcommands:
  list            every run, oldest first
  show <run-id>   the lifecycle events of one run
  verify <run-id> recompute the trace digest and compare it with the stored one

Examples:
  relay trace list --db ./relay.db
  relay trace show --db ./relay.db 0190a1b2-... --envelope 0190a1b3-...
  relay trace verify --db ./relay.db 0190a1b2-... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List journalled runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(st *store.Store) error {
				return runTraceList(opts, st, cmd)
			})
		},
	})

	show := &cobra.Command{
		Use:           "show <run-id>",
		Short:         "Show the events of one run",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(st *store.Store) error {
				return runTraceShow(opts, st, args[0], cmd)
			})
		},
	}
	show.Flags().StringVar(&opts.Envelope, "envelope", "", "filter to one envelope")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:           "verify <run-id>",
		Short:         "Verify a run's stored digest",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(st *store.Store) error {
				return runTraceVerify(opts, st, args[0], cmd)
			})
		},
	})

	return cmd
}

// withStore opens the database named by --db for the duration of fn.
func withStore(opts *TraceOptions, fn func(*store.Store) error) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()
	return fn(st)
}

func runTraceList(opts *TraceOptions, st *store.Store, cmd *cobra.Command) error {
	runs, err := st.ListRuns(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	if f.JSON() {
		return f.Success(runs)
	}

	w := f.Writer
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-12s %s  %6d events  %s\n",
			r.ID, r.Name, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), r.EventCount, completeStatus(r.Finished))
	}
	return nil
}

func runTraceShow(opts *TraceOptions, st *store.Store, runID string, cmd *cobra.Command) error {
	ctx := context.Background()

	run, events, err := st.ReadRun(ctx, runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return WrapExitError(ExitCommandError, "unknown run", err).WithKind(CodeRunNotFound)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	if opts.Envelope != "" {
		events, err = st.EnvelopeHistory(ctx, runID, opts.Envelope)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read envelope history", err)
		}
	}

	kinds, err := st.KindCounts(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count events", err)
	}

	result := TraceResult{Run: run, Events: events, Kinds: kinds}
	if f := newFormatter(opts.RootOptions, cmd.OutOrStdout()); f.JSON() {
		return f.Success(result)
	}
	return outputTraceText(cmd, result, opts.Verbose)
}

func runTraceVerify(opts *TraceOptions, st *store.Store, runID string, cmd *cobra.Command) error {
	v, err := st.VerifyRun(context.Background(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return WrapExitError(ExitCommandError, "unknown run", err).WithKind(CodeRunNotFound)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to verify run", err)
	}

	var mismatch *ExitError
	if !v.Match {
		mismatch = NewExitError(ExitFailure, fmt.Sprintf("run %s does not match its digest", runID)).
			WithKind(CodeDigestMismatch)
	}

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	if f.JSON() {
		if mismatch != nil {
			return f.Failure(v, nil, mismatch)
		}
		return f.Success(v)
	}

	w := f.Writer
	fmt.Fprintf(w, "Run: %s\n", v.RunID)
	fmt.Fprintf(w, "Events:   %d\n", v.Events)
	fmt.Fprintf(w, "Stored:   %s\n", v.Stored)
	fmt.Fprintf(w, "Computed: %s\n", v.Computed)
	if mismatch != nil {
		fmt.Fprintln(w, "✗ Digest mismatch")
		return mismatch
	}
	fmt.Fprintln(w, "✓ Digest matches")
	return nil
}

// outputTraceText outputs one run as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()
	run := result.Run

	fmt.Fprintf(w, "Trace for Run: %s (%s)\n", run.ID, run.Name)
	fmt.Fprintf(w, "Status: %s\n", completeStatus(run.Finished))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Finished At: %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	if verbose && run.Digest != "" {
		fmt.Fprintf(w, "Digest: %s\n", run.Digest)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Events ===")
	if len(result.Events) == 0 {
		fmt.Fprintln(w, "  (no events)")
	} else {
		for _, ev := range result.Events {
			fmt.Fprintf(w, "  %s\n", ev)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Kinds ===")
	kinds := make([]string, 0, len(result.Kinds))
	for k := range result.Kinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-13s %d\n", k, result.Kinds[trace.Kind(k)])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", run.EventCount)
	fmt.Fprintf(w, "  Dispatched:   %d\n", run.Stats.Dispatched)
	fmt.Fprintf(w, "  Fired:        %d\n", run.Stats.Fired)
	fmt.Fprintf(w, "  Failures:     %d\n", run.Stats.Failures)

	return nil
}

// completeStatus returns a human-readable completion status.
func completeStatus(finished bool) string {
	if finished {
		return "Finished"
	}
	return "Unfinished"
}
