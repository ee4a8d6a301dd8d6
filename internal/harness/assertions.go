package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/relay/internal/trace"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Trace    []trace.Event // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", ev)
		}
	}

	return buf.String()
}

// matchEvent reports whether ev satisfies the kind/envelope/cmd/detail
// filters of an assertion. Empty filters match anything.
func matchEvent(ev trace.Event, a Assertion) bool {
	if a.Kind != "" && string(ev.Kind) != a.Kind {
		return false
	}
	if a.Envelope != "" && ev.Envelope != a.Envelope {
		return false
	}
	if a.Cmd != nil && ev.Command != *a.Cmd {
		return false
	}
	if a.Detail != "" && ev.Detail != a.Detail {
		return false
	}
	return true
}

func describeFilter(a Assertion) string {
	var parts []string
	if a.Kind != "" {
		parts = append(parts, "kind="+a.Kind)
	}
	if a.Envelope != "" {
		parts = append(parts, "envelope="+a.Envelope)
	}
	if a.Cmd != nil {
		parts = append(parts, fmt.Sprintf("cmd=%d", *a.Cmd))
	}
	if a.Detail != "" {
		parts = append(parts, "detail="+a.Detail)
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that at least one event matches the filters.
func assertTraceContains(events []trace.Event, a Assertion) error {
	for _, ev := range events {
		if matchEvent(ev, a) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event with %s", describeFilter(a)),
		Actual:   "not found in trace",
		Trace:    events,
	}
}

// assertTraceOrder checks that the patterns match events in order.
// Events don't need to be consecutive (intervening events are allowed);
// each pattern is searched for after the previous match.
func assertTraceOrder(events []trace.Event, a Assertion) error {
	pos := 0
	for i, raw := range a.Events {
		p, err := parseEventPattern(raw)
		if err != nil {
			return err
		}

		found := false
		for pos < len(events) {
			ev := events[pos]
			pos++
			if p.matches(ev) {
				found = true
				break
			}
		}
		if !found {
			actual := fmt.Sprintf("%q not found", p.String())
			if i > 0 {
				actual = fmt.Sprintf("%q not found after %q", p.String(), a.Events[i-1])
			}
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual:   actual,
				Trace:    events,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events match the filters.
func assertTraceCount(events []trace.Event, a Assertion) error {
	count := 0
	for _, ev := range events {
		if matchEvent(ev, a) {
			count++
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events with %s", a.Count, describeFilter(a)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    events,
		}
	}
	return nil
}

// assertFinalState checks the lifecycle state an envelope or timer ended in.
func assertFinalState(result *Result, a Assertion) error {
	state, ok := result.State[a.Envelope]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("envelope %q to exist", a.Envelope),
			Actual:   "not declared",
		}
	}
	if state != a.State {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("envelope %q in state %s", a.Envelope, a.State),
			Actual:   fmt.Sprintf("state %s", state),
		}
	}
	return nil
}

// assertStats checks dispatcher counters. Names are checked in sorted
// order so the first reported mismatch is deterministic.
func assertStats(result *Result, a Assertion) error {
	names := make([]string, 0, len(a.Stats))
	for name := range a.Stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		get, ok := statsFields[name]
		if !ok {
			return fmt.Errorf("unknown stats counter %q", name)
		}
		if got := get(result.Stats); got != a.Stats[name] {
			return &AssertionError{
				Type:     AssertStats,
				Expected: fmt.Sprintf("%s = %d", name, a.Stats[name]),
				Actual:   fmt.Sprintf("%s = %d", name, got),
			}
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		case AssertStats:
			err = assertStats(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
