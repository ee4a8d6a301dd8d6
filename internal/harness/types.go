package harness

import (
	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/trace"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: no step error and no failed assertion.
	Pass bool `json:"pass"`

	// Trace contains every recorded lifecycle event in order.
	Trace []trace.Event `json:"trace"`

	// Digest is the trace digest, stable across identical runs.
	Digest string `json:"digest"`

	// Errors contains step and assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Failures holds dispatch errors reported through the failure hook.
	// They do not fail the scenario on their own.
	Failures []string `json:"failures,omitempty"`

	// State maps envelope and timer names to their final lifecycle state.
	State map[string]string `json:"state"`

	// Stats is the dispatcher's final counter snapshot.
	Stats engine.Stats `json:"stats"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []trace.Event{},
		Errors: []string{},
		State:  make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddFailure records a dispatch failure without failing the result.
func (r *Result) AddFailure(err error) {
	r.Failures = append(r.Failures, err.Error())
}

// statsFields maps counter names accepted by stats assertions to getters.
var statsFields = map[string]func(engine.Stats) int64{
	"dispatched": func(s engine.Stats) int64 { return s.Dispatched },
	"fired":      func(s engine.Stats) int64 { return s.Fired },
	"skipped":    func(s engine.Stats) int64 { return s.Skipped },
	"windups":    func(s engine.Stats) int64 { return s.Windups },
	"stuck":      func(s engine.Stats) int64 { return s.Stuck },
	"recalled":   func(s engine.Stats) int64 { return s.Recalled },
	"failures":   func(s engine.Stats) int64 { return s.Failures },
	"queued":     func(s engine.Stats) int64 { return int64(s.Queued) },
	"pending":    func(s engine.Stats) int64 { return int64(s.Pending) },
}
