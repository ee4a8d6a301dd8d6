package harness

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/testutil"
	"github.com/roach88/relay/internal/trace"
)

// Harness is the scenario execution engine.
// It drives one Dispatcher through Tick with a manual clock, so every run
// of a scenario produces the same trace.
type Harness struct {
	dispatcher *engine.Dispatcher
	clock      *testutil.ManualClock
	recorder   *trace.Recorder
	logger     *slog.Logger

	envelopes map[string]*binding
	entries   map[string]*engine.TimedEntry
	orders    map[string]*engine.ExecutableOrder
}

// binding ties a declared envelope to its consumer behavior.
type binding struct {
	spec     EnvelopeSpec
	env      *engine.Envelope
	consumer engine.Consumer
}

// Option configures a harness run.
type Option func(*Harness)

// WithLogger routes engine logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh dispatcher, recorder and manual
// clock. Step errors and failed assertions are collected in the result;
// the returned error is reserved for scenarios that cannot be set up.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		clock:     testutil.NewManualClock(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		envelopes: make(map[string]*binding),
		entries:   make(map[string]*engine.TimedEntry),
		orders:    make(map[string]*engine.ExecutableOrder),
	}
	for _, opt := range opts {
		opt(h)
	}

	result := NewResult()
	h.recorder = trace.NewRecorder(trace.WithTime(h.clock))

	dopts := []engine.DispatcherOption{
		engine.WithName(scenario.Name),
		engine.WithTimeSource(h.clock),
		engine.WithLogger(h.logger),
		engine.WithFailureHook(result.AddFailure),
	}
	if scenario.Settings.Tolerance > 0 {
		dopts = append(dopts, engine.WithTolerance(scenario.Settings.Tolerance.D()))
	}
	if scenario.Settings.StuckAfter > 0 {
		dopts = append(dopts, engine.WithStuckAfter(scenario.Settings.StuckAfter.D()))
	}
	h.dispatcher = engine.NewDispatcher(dopts...)

	if err := h.declare(scenario); err != nil {
		return nil, fmt.Errorf("failed to set up scenario %q: %w", scenario.Name, err)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			result.AddError(fmt.Sprintf("step %d (%s): %v", i, step.op(), err))
			break
		}
	}

	result.Trace = h.recorder.Events()
	result.Stats = h.dispatcher.Stats()
	for name, b := range h.envelopes {
		result.State[name] = b.env.State().String()
	}
	for name, te := range h.entries {
		result.State[name] = te.State().String()
	}

	digest, err := trace.Digest(result.Trace)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", scenario.Name, err)
	}
	result.Digest = digest

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	h.logger.Info("scenario finished",
		"scenario", scenario.Name,
		"events", len(result.Trace),
		"pass", result.Pass,
	)
	return result, nil
}

// declare creates the scenario's envelopes and timers.
func (h *Harness) declare(s *Scenario) error {
	eopts := []engine.EnvelopeOption{
		engine.WithNotifier(h.recorder),
		engine.WithEnvelopeTime(h.clock),
		engine.WithEnvelopeLogger(h.logger),
	}
	if s.Settings.HangThreshold > 0 {
		eopts = append(eopts, engine.WithHangThreshold(s.Settings.HangThreshold.D()))
	}

	for _, spec := range s.Envelopes {
		b := &binding{spec: spec, env: engine.NewEnvelope(spec.Name, eopts...)}
		b.consumer = h.consumerFor(spec.Consumer, spec.ReplyUntil)
		h.envelopes[spec.Name] = b
	}
	for _, spec := range s.Envelopes {
		if spec.Pair == "" {
			continue
		}
		a, b := h.envelopes[spec.Name].env, h.envelopes[spec.Pair].env
		if a.Opponent() == b {
			continue
		}
		if err := engine.Pair(a, b); err != nil {
			return fmt.Errorf("pair %s with %s: %w", spec.Name, spec.Pair, err)
		}
	}

	for _, spec := range s.Timers {
		if spec.Kind == TimerOrder {
			h.orders[spec.Name] = h.newOrder(spec, eopts)
			continue
		}
		h.entries[spec.Name] = engine.NewTimedEntry(spec.Name, h.consumerFor(spec.Consumer, 0), spec.Cmd, eopts...)
	}
	return nil
}

func (h *Harness) newOrder(spec TimerSpec, eopts []engine.EnvelopeOption) *engine.ExecutableOrder {
	runs := 0
	action := func() {
		runs++
		h.recorder.Note(trace.KindExecuted, spec.Name, runs, "")
	}
	if spec.Period > 0 {
		return engine.NewRecurringOrder(spec.Name, spec.Period.D(), action, eopts...)
	}
	return engine.NewExecutableOrder(spec.Name, action, eopts...)
}

// timer returns the TimedEntry behind a timer name, for entries and orders alike.
func (h *Harness) timer(name string) *engine.TimedEntry {
	if te, ok := h.entries[name]; ok {
		return te
	}
	if o, ok := h.orders[name]; ok {
		return &o.TimedEntry
	}
	return nil
}

// execute performs one step.
func (h *Harness) execute(step Step) error {
	switch step.op() {
	case "send":
		return h.send(h.envelopes[step.Send.Envelope], step.Send.Cmd)

	case "occupy":
		b := h.envelopes[step.Occupy]
		h.occupy(b)
		return nil

	case "relinquish":
		h.envelopes[step.Relinquish].env.Relinquish()
		return nil

	case "recall":
		b := h.envelopes[step.Recall.Envelope]
		res := b.env.OccupyRecall(step.Recall.Timeout.D(), h.recorder, b.consumer, h.dispatcherFor(b), true)
		h.recorder.Note(trace.KindRecall, b.spec.Name, 0, res.String())
		return nil

	case "arm":
		te := h.timer(step.Arm.Timer)
		delay := step.Arm.Delay.D()
		if te.ActivateWithin(h.dispatcher, delay, step.Arm.Within.D()) {
			h.recorder.Note(trace.KindArmed, step.Arm.Timer, 0, delay.String())
		} else {
			h.recorder.Note(trace.KindWindup, step.Arm.Timer, 0, delay.String())
		}
		return nil

	case "cancel":
		if h.timer(step.Cancel).Deactivate() {
			h.recorder.Note(trace.KindCanceled, step.Cancel, 0, "")
		}
		return nil

	case "advance":
		h.clock.Advance(step.Advance.D())
		return nil

	case "tick":
		for i := 0; i < step.Tick; i++ {
			h.dispatcher.Tick()
		}
		return nil
	}
	return fmt.Errorf("unsupported step")
}

func (h *Harness) dispatcherFor(b *binding) *engine.Dispatcher {
	if b.spec.Inline {
		return nil
	}
	return h.dispatcher
}

// occupy takes the envelope for its consumer unless the harness already
// holds it (allocated by a recall or deferred by its consumer). A refusal
// is recorded by the notifier as occupy_denied.
func (h *Harness) occupy(b *binding) bool {
	switch b.env.State() {
	case engine.StateAllocated, engine.StateDeferred:
		return true
	}
	return b.env.Occupy(h.recorder, b.consumer, h.dispatcherFor(b), true)
}

// send notes and performs a send. A busy envelope is not an error: the
// denial is part of the trace.
func (h *Harness) send(b *binding, cmd int) error {
	if !h.occupy(b) {
		return nil
	}
	h.recorder.Note(trace.KindSent, b.spec.Name, cmd, "")
	if !b.env.Send(cmd) {
		return fmt.Errorf("send %s cmd=%d refused in state %s", b.spec.Name, cmd, b.env.State())
	}
	return nil
}

// consumerFor builds the consumer behavior named by kind.
func (h *Harness) consumerFor(kind string, replyUntil int) engine.Consumer {
	switch kind {
	case ConsumerEcho:
		return &echoConsumer{h: h, until: replyUntil}
	case ConsumerDefer:
		return engine.ConsumerFunc(func(*engine.Envelope) engine.ResultFlags {
			return engine.ResultConsumed | engine.ResultDoNotRelinquish
		})
	case ConsumerPanic:
		return engine.ConsumerFunc(func(ev *engine.Envelope) engine.ResultFlags {
			panic(fmt.Sprintf("%s rejected cmd %d", ev.Name(), ev.Command()))
		})
	default:
		return engine.ConsumerFunc(func(*engine.Envelope) engine.ResultFlags {
			return engine.ResultConsumed
		})
	}
}

// echoConsumer answers command c with c+1 on the opponent envelope.
type echoConsumer struct {
	h       *Harness
	until   int
	replies int
}

func (c *echoConsumer) ProcessEvent(ev *engine.Envelope) engine.ResultFlags {
	cmd := ev.Command()
	opp := ev.Opponent()
	if cmd >= c.until || opp == nil {
		return engine.ResultConsumed
	}
	b, ok := c.h.envelopes[opp.Name()]
	if !ok {
		return engine.ResultConsumed
	}
	if err := c.h.send(b, cmd+1); err == nil {
		c.replies++
	}
	return engine.ResultConsumed
}

func (c *echoConsumer) StateInfo() string {
	return fmt.Sprintf("echo until=%d replies=%d", c.until, c.replies)
}
