package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/relay/internal/config"
	"github.com/roach88/relay/internal/trace"
)

// Scenario defines a dispatcher scenario.
// A scenario declares envelopes and timers, drives them through a list of
// steps against a manual clock, and asserts on the resulting trace and
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Settings overrides dispatcher and envelope defaults.
	Settings Settings `yaml:"settings,omitempty"`

	// Envelopes are the reusable envelopes the steps send through.
	Envelopes []EnvelopeSpec `yaml:"envelopes"`

	// Timers are timed entries and executable orders the steps arm.
	Timers []TimerSpec `yaml:"timers,omitempty"`

	// Steps run in order. Each step performs exactly one operation.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state, stats
	Assertions []Assertion `yaml:"assertions"`
}

// Settings overrides defaults. Zero values keep the engine defaults.
type Settings struct {
	Tolerance     config.Duration `yaml:"tolerance,omitempty"`
	StuckAfter    config.Duration `yaml:"stuck_after,omitempty"`
	HangThreshold config.Duration `yaml:"hang_threshold,omitempty"`
}

// EnvelopeSpec declares one envelope.
type EnvelopeSpec struct {
	Name string `yaml:"name"`

	// Consumer selects the behavior that receives the envelope:
	// sink (default), echo, defer, panic.
	Consumer string `yaml:"consumer,omitempty"`

	// Pair names the opponent envelope. Pairing is mutual, so only one
	// side needs to declare it.
	Pair string `yaml:"pair,omitempty"`

	// ReplyUntil bounds an echo consumer: it answers command c with c+1
	// on the opponent while c < ReplyUntil.
	ReplyUntil int `yaml:"reply_until,omitempty"`

	// Inline runs the consumer on the sender's goroutine instead of
	// queueing on the dispatcher.
	Inline bool `yaml:"inline,omitempty"`
}

// TimerSpec declares a timed entry or an executable order.
type TimerSpec struct {
	Name string `yaml:"name"`

	// Kind is "entry" (default) or "order".
	Kind string `yaml:"kind,omitempty"`

	// Consumer and Cmd apply to entries.
	Consumer string `yaml:"consumer,omitempty"`
	Cmd      int    `yaml:"cmd,omitempty"`

	// Period makes an order recurring.
	Period config.Duration `yaml:"period,omitempty"`
}

// Step is a single driver operation. Exactly one field is set.
type Step struct {
	Send       *SendStep        `yaml:"send,omitempty"`
	Occupy     string           `yaml:"occupy,omitempty"`
	Relinquish string           `yaml:"relinquish,omitempty"`
	Recall     *RecallStep      `yaml:"recall,omitempty"`
	Arm        *ArmStep         `yaml:"arm,omitempty"`
	Cancel     string           `yaml:"cancel,omitempty"`
	Advance    *config.Duration `yaml:"advance,omitempty"`
	Tick       int              `yaml:"tick,omitempty"`
}

// SendStep occupies an envelope if needed and sends cmd through it.
type SendStep struct {
	Envelope string `yaml:"envelope"`
	Cmd      int    `yaml:"cmd"`
}

// RecallStep takes an envelope with OccupyRecall.
type RecallStep struct {
	Envelope string          `yaml:"envelope"`
	Timeout  config.Duration `yaml:"timeout,omitempty"`
}

// ArmStep activates a timer delay from now. A non-zero Within bounds
// later re-arms.
type ArmStep struct {
	Timer  string          `yaml:"timer"`
	Delay  config.Duration `yaml:"delay"`
	Within config.Duration `yaml:"within,omitempty"`
}

// op names the operation a step performs, or "" if none or several are set.
func (s Step) op() string {
	var ops []string
	if s.Send != nil {
		ops = append(ops, "send")
	}
	if s.Occupy != "" {
		ops = append(ops, "occupy")
	}
	if s.Relinquish != "" {
		ops = append(ops, "relinquish")
	}
	if s.Recall != nil {
		ops = append(ops, "recall")
	}
	if s.Arm != nil {
		ops = append(ops, "arm")
	}
	if s.Cancel != "" {
		ops = append(ops, "cancel")
	}
	if s.Advance != nil {
		ops = append(ops, "advance")
	}
	if s.Tick != 0 {
		ops = append(ops, "tick")
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event matching kind/envelope/cmd/detail exists
	// - "trace_order": events appear in order (intervening events allowed)
	// - "trace_count": events matching kind/envelope occur exactly Count times
	// - "final_state": envelope ends in State
	// - "stats": dispatcher counters equal the given values
	Type string `yaml:"type"`

	Kind     string `yaml:"kind,omitempty"`
	Envelope string `yaml:"envelope,omitempty"`
	Cmd      *int   `yaml:"cmd,omitempty"`
	Detail   string `yaml:"detail,omitempty"`

	// Count is the expected number of matches (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected order (used by trace_order), each written
	// as "kind envelope" or "kind envelope cmd".
	Events []string `yaml:"events,omitempty"`

	// State is the expected envelope state (used by final_state).
	State string `yaml:"state,omitempty"`

	// Stats maps counter names to expected values (used by stats).
	Stats map[string]int64 `yaml:"stats,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStats         = "stats"
)

// Consumer behaviors.
const (
	ConsumerSink  = "sink"
	ConsumerEcho  = "echo"
	ConsumerDefer = "defer"
	ConsumerPanic = "panic"
)

// Timer kinds.
const (
	TimerEntry = "entry"
	TimerOrder = "order"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// reference resolves.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Envelopes) == 0 && len(s.Timers) == 0 {
		return fmt.Errorf("at least one envelope or timer is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	envelopes := make(map[string]bool)
	timers := make(map[string]bool)
	for i, e := range s.Envelopes {
		if e.Name == "" {
			return fmt.Errorf("envelopes[%d]: name is required", i)
		}
		if envelopes[e.Name] {
			return fmt.Errorf("envelopes[%d]: duplicate name %q", i, e.Name)
		}
		if !knownConsumer(e.Consumer) {
			return fmt.Errorf("envelopes[%d]: unknown consumer %q", i, e.Consumer)
		}
		envelopes[e.Name] = true
	}
	for i, e := range s.Envelopes {
		if e.Pair == "" {
			continue
		}
		if e.Pair == e.Name {
			return fmt.Errorf("envelopes[%d]: %q cannot pair with itself", i, e.Name)
		}
		if !envelopes[e.Pair] {
			return fmt.Errorf("envelopes[%d]: pair %q is not declared", i, e.Pair)
		}
	}

	for i, t := range s.Timers {
		if t.Name == "" {
			return fmt.Errorf("timers[%d]: name is required", i)
		}
		if timers[t.Name] || envelopes[t.Name] {
			return fmt.Errorf("timers[%d]: duplicate name %q", i, t.Name)
		}
		switch t.Kind {
		case "", TimerEntry:
			if !knownConsumer(t.Consumer) {
				return fmt.Errorf("timers[%d]: unknown consumer %q", i, t.Consumer)
			}
			if t.Period != 0 {
				return fmt.Errorf("timers[%d]: period applies to orders only", i)
			}
		case TimerOrder:
			if t.Consumer != "" {
				return fmt.Errorf("timers[%d]: orders run an action, not a consumer", i)
			}
		default:
			return fmt.Errorf("timers[%d]: unknown kind %q", i, t.Kind)
		}
		timers[t.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, envelopes, timers); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

func knownConsumer(name string) bool {
	switch name {
	case "", ConsumerSink, ConsumerEcho, ConsumerDefer, ConsumerPanic:
		return true
	}
	return false
}

func validateStep(i int, step Step, envelopes, timers map[string]bool) error {
	op := step.op()
	if op == "" {
		return fmt.Errorf("steps[%d]: exactly one operation is required", i)
	}

	checkEnvelope := func(name string) error {
		if !envelopes[name] {
			return fmt.Errorf("steps[%d].%s: unknown envelope %q", i, op, name)
		}
		return nil
	}
	checkTimer := func(name string) error {
		if !timers[name] {
			return fmt.Errorf("steps[%d].%s: unknown timer %q", i, op, name)
		}
		return nil
	}

	switch op {
	case "send":
		return checkEnvelope(step.Send.Envelope)
	case "occupy":
		return checkEnvelope(step.Occupy)
	case "relinquish":
		return checkEnvelope(step.Relinquish)
	case "recall":
		return checkEnvelope(step.Recall.Envelope)
	case "arm":
		if step.Arm.Delay < 0 || step.Arm.Within < 0 {
			return fmt.Errorf("steps[%d].arm: durations must be non-negative", i)
		}
		return checkTimer(step.Arm.Timer)
	case "cancel":
		return checkTimer(step.Cancel)
	case "advance":
		if *step.Advance < 0 {
			return fmt.Errorf("steps[%d].advance: duration must be non-negative", i)
		}
	case "tick":
		if step.Tick < 0 {
			return fmt.Errorf("steps[%d].tick: count must be positive", i)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" && a.Envelope == "" {
			return fmt.Errorf("assertions[%d]: kind or envelope is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
		for j, ev := range a.Events {
			if _, err := parseEventPattern(ev); err != nil {
				return fmt.Errorf("assertions[%d].events[%d]: %w", index, j, err)
			}
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Envelope == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: envelope and state are required for final_state", index)
		}
	case AssertStats:
		if len(a.Stats) == 0 {
			return fmt.Errorf("assertions[%d]: stats map is required for stats", index)
		}
		for name := range a.Stats {
			if _, ok := statsFields[name]; !ok {
				return fmt.Errorf("assertions[%d]: unknown stats counter %q", index, name)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Kind != "" && !knownKind(trace.Kind(a.Kind)) {
		return fmt.Errorf("assertions[%d]: unknown event kind %q", index, a.Kind)
	}
	return nil
}

func knownKind(k trace.Kind) bool {
	switch k {
	case trace.KindDequeued, trace.KindConsumed, trace.KindRelinquished, trace.KindDenied,
		trace.KindSent, trace.KindRecall, trace.KindArmed, trace.KindWindup,
		trace.KindCanceled, trace.KindExecuted:
		return true
	}
	return false
}

// eventPattern matches trace events by kind, envelope and optionally cmd.
type eventPattern struct {
	kind     trace.Kind
	envelope string
	cmd      *int
}

// parseEventPattern parses "kind envelope [cmd]".
func parseEventPattern(s string) (eventPattern, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 || len(fields) > 3 {
		return eventPattern{}, fmt.Errorf("event %q: want \"kind envelope [cmd]\"", s)
	}
	p := eventPattern{kind: trace.Kind(fields[0]), envelope: fields[1]}
	if !knownKind(p.kind) {
		return eventPattern{}, fmt.Errorf("event %q: unknown kind %q", s, fields[0])
	}
	if len(fields) == 3 {
		var cmd int
		if _, err := fmt.Sscanf(fields[2], "%d", &cmd); err != nil {
			return eventPattern{}, fmt.Errorf("event %q: cmd must be an integer", s)
		}
		p.cmd = &cmd
	}
	return p, nil
}

func (p eventPattern) matches(ev trace.Event) bool {
	if ev.Kind != p.kind || ev.Envelope != p.envelope {
		return false
	}
	return p.cmd == nil || *p.cmd == ev.Command
}

func (p eventPattern) String() string {
	if p.cmd != nil {
		return fmt.Sprintf("%s %s %d", p.kind, p.envelope, *p.cmd)
	}
	return fmt.Sprintf("%s %s", p.kind, p.envelope)
}
