package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/relay/internal/config"
	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/store"
	"github.com/roach88/relay/internal/trace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal   string
	Pairs     int
	Volley    int
	Heartbeat time.Duration
	Duration  time.Duration

	// IDs overrides the envelope and run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.IDGenerator
}

// RunReport summarizes one workload run.
type RunReport struct {
	RunID    string           `json:"run_id,omitempty"`
	Name     string           `json:"name"`
	Pairs    int              `json:"pairs"`
	Elapsed  string           `json:"elapsed"`
	Kicks    int64            `json:"kicks"`
	Replies  int64            `json:"replies"`
	Missed   int64            `json:"missed"`
	Recalls  map[string]int64 `json:"recalls"`
	Events   int              `json:"events"`
	Digest   string           `json:"digest"`
	Failures []string         `json:"failures,omitempty"`
	Stats    engine.Stats     `json:"stats"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a ping-pong workload through a dispatcher",
		Long: `Start a dispatcher and bounce commands between paired envelopes.

Every heartbeat a kicker goroutine reclaims the first envelope of each
pair (occupy, queue recovery, wait, forced release) and sends command 1.
Each delivery answers c with c+1 on the opponent until the volley limit.

With --journal, every lifecycle event is written to a SQLite database in
batches and the run is closed with its trace digest, so that it can be
inspected and verified later with 'relay trace'.

Example:
  relay run --duration 2s --pairs 4
  relay run --journal ./relay.db --config ./relay.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (overrides journal.path)")
	cmd.Flags().IntVar(&opts.Pairs, "pairs", 0, "number of envelope pairs (overrides workload.pairs)")
	cmd.Flags().IntVar(&opts.Volley, "volley", 16, "last command of each volley")
	cmd.Flags().DurationVar(&opts.Heartbeat, "heartbeat", 0, "kick period (overrides workload.heartbeat)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "run time (overrides workload.duration)")

	return cmd
}

// applyFlags overlays command-line values on cfg.
func (o *RunOptions) applyFlags(cfg *config.Config) error {
	if o.Journal != "" {
		cfg.Journal.Path = o.Journal
	}
	if o.Pairs > 0 {
		cfg.Workload.Pairs = o.Pairs
	}
	if o.Heartbeat > 0 {
		cfg.Workload.Heartbeat = config.Duration(o.Heartbeat)
	}
	if o.Duration > 0 {
		cfg.Workload.Duration = config.Duration(o.Duration)
	}
	if o.Volley < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("volley must be at least 1, got %d", o.Volley))
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return WrapExitError(ExitCommandError, "invalid configuration", errs)
	}
	return nil
}

func runWorkload(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := opts.applyFlags(cfg); err != nil {
		return err
	}

	logger := cfg.NewLogger(cmd.ErrOrStderr(), opts.Verbose)

	ids := opts.IDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, cfg.Workload.Duration.D())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	report := RunReport{
		Name:    cfg.Dispatcher.Name,
		Pairs:   cfg.Workload.Pairs,
		Recalls: map[string]int64{},
	}

	var journal *store.Journal
	var recOpts []trace.RecorderOption
	if cfg.Journal.Path != "" {
		st, err := store.Open(cfg.Journal.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()

		report.RunID = ids.Generate()
		if err := st.BeginRun(parentCtx, report.RunID, cfg.Dispatcher.Name, time.Now()); err != nil {
			return WrapExitError(ExitCommandError, "failed to begin run", err)
		}
		journal = store.NewJournal(st, report.RunID, logger)
		recOpts = append(recOpts, trace.WithSink(journal.Append))
		logger.Info("journal ready", "path", cfg.Journal.Path, "run", report.RunID)
	}
	rec := trace.NewRecorder(recOpts...)

	var failMu sync.Mutex
	onFailure := func(err error) {
		failMu.Lock()
		report.Failures = append(report.Failures, err.Error())
		failMu.Unlock()
	}
	d := engine.NewDispatcher(append(cfg.DispatcherOptions(logger), engine.WithFailureHook(onFailure))...)

	v := &volley{d: d, rec: rec, limit: opts.Volley}
	envOpts := append(cfg.EnvelopeOptions(logger), engine.WithNotifier(rec))
	pairs := make([][2]*engine.Envelope, cfg.Workload.Pairs)
	for i := range pairs {
		a, b := engine.NewPairedEnvelopes(ids, envOpts...)
		pairs[i] = [2]*engine.Envelope{a, b}
	}

	if journal != nil {
		journal.FlushOrder(cfg.Journal.FlushInterval.D()).Activate(d, cfg.Journal.FlushInterval.D())
	}
	status := engine.NewRecurringOrder("status", time.Second, func() {
		logger.Debug("dispatcher status", "info", d.StateInfo(), "volley", v.StateInfo())
	})
	status.Activate(d, time.Second)

	k := newKicker(pairs, v, cfg.Envelope.RecallTimeout.D())
	kickCtx, stopKicks := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		k.run(kickCtx, cfg.Workload.Heartbeat.D())
	}()

	logger.Info("workload starting",
		"pairs", cfg.Workload.Pairs,
		"heartbeat", cfg.Workload.Heartbeat,
		"duration", cfg.Workload.Duration,
	)
	started := time.Now()
	runErr := d.Run(ctx)
	stopKicks()
	wg.Wait()
	report.Elapsed = time.Since(started).Round(time.Millisecond).String()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "dispatcher error", runErr).WithKind(CodeDispatcher)
	}

	events := rec.Events()
	report.Stats = d.Stats()
	report.Events = len(events)
	report.Kicks, report.Recalls = k.snapshot()
	report.Replies = v.replies.Load()
	report.Missed = v.missed.Load()

	if journal != nil {
		// The loop has exited, so the journal is closed with a fresh context.
		report.Digest, err = journal.Close(context.Background(), events, report.Stats)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to close journal", err)
		}
	} else {
		report.Digest, err = trace.Digest(events)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to digest trace", err)
		}
	}
	logger.Info("workload stopped", "events", report.Events, "dispatched", report.Stats.Dispatched)

	if f := newFormatter(opts.RootOptions, cmd.OutOrStdout()); f.JSON() {
		return f.Success(report)
	}
	return outputRunText(cmd, report)
}

func outputRunText(cmd *cobra.Command, r RunReport) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Run: %s\n", r.Name)
	if r.RunID != "" {
		fmt.Fprintf(w, "Run ID: %s\n", r.RunID)
	}
	fmt.Fprintf(w, "Elapsed: %s (%d pairs)\n", r.Elapsed, r.Pairs)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Workload ===")
	fmt.Fprintf(w, "  Kicks:   %d\n", r.Kicks)
	fmt.Fprintf(w, "  Replies: %d\n", r.Replies)
	fmt.Fprintf(w, "  Missed:  %d\n", r.Missed)
	results := make([]string, 0, len(r.Recalls))
	for res := range r.Recalls {
		results = append(results, res)
	}
	sort.Strings(results)
	for _, res := range results {
		fmt.Fprintf(w, "  Recall %-9s %d\n", res+":", r.Recalls[res])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Dispatcher ===")
	fmt.Fprintf(w, "  Dispatched: %d\n", r.Stats.Dispatched)
	fmt.Fprintf(w, "  Fired:      %d\n", r.Stats.Fired)
	fmt.Fprintf(w, "  Skipped:    %d\n", r.Stats.Skipped)
	fmt.Fprintf(w, "  Failures:   %d\n", r.Stats.Failures)
	fmt.Fprintf(w, "  Wakeups:    %d\n", r.Stats.Wakeups)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Events: %d\n", r.Events)
	fmt.Fprintf(w, "Digest: %s\n", r.Digest)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failure: %s\n", f)
	}
	return nil
}
