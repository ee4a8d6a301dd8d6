package config

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Validation error codes (E200-E299)
const (
	ErrSchema          = "E200" // document does not match the CUE schema
	ErrNegativeTiming  = "E201" // duration must not be negative
	ErrZeroTiming      = "E202" // duration must be positive
	ErrSleepRange      = "E203" // max_sleep below min_sleep
	ErrToleranceRange  = "E204" // tolerance not below max_sleep
	ErrEmptyName       = "E205" // dispatcher name is empty
	ErrWorkloadInvalid = "E206" // workload out of range
)

// ValidationError represents one configuration problem.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	File    string `json:"file,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.File, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is every problem found in one document.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks cross-field constraints the schema cannot express.
// Returns all errors found (does not fail-fast).
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	d := c.Dispatcher
	if strings.TrimSpace(d.Name) == "" {
		add("dispatcher.name", ErrEmptyName, "name is required")
	}
	if d.Tolerance < 0 {
		add("dispatcher.tolerance", ErrNegativeTiming, "must not be negative, got %s", d.Tolerance)
	}
	for field, v := range map[string]Duration{
		"dispatcher.min_sleep":    d.MinSleep,
		"dispatcher.max_sleep":    d.MaxSleep,
		"dispatcher.stuck_after":  d.StuckAfter,
		"envelope.hang_threshold": c.Envelope.HangThreshold,
		"envelope.recall_timeout": c.Envelope.RecallTimeout,
	} {
		if v <= 0 {
			add(field, ErrZeroTiming, "must be positive, got %s", v)
		}
	}
	if d.MaxSleep < d.MinSleep {
		add("dispatcher.max_sleep", ErrSleepRange, "%s is below min_sleep %s", d.MaxSleep, d.MinSleep)
	}
	if d.Tolerance >= d.MaxSleep {
		add("dispatcher.tolerance", ErrToleranceRange, "%s must be below max_sleep %s", d.Tolerance, d.MaxSleep)
	}

	if c.Journal.Path != "" && c.Journal.FlushInterval <= 0 {
		add("journal.flush_interval", ErrZeroTiming, "must be positive when journalling, got %s", c.Journal.FlushInterval)
	}

	w := c.Workload
	if w.Pairs < 1 {
		add("workload.pairs", ErrWorkloadInvalid, "need at least one pair, got %d", w.Pairs)
	}
	if w.Heartbeat <= 0 {
		add("workload.heartbeat", ErrWorkloadInvalid, "must be positive, got %s", w.Heartbeat)
	}
	if w.Duration <= 0 {
		add("workload.duration", ErrWorkloadInvalid, "must be positive, got %s", w.Duration)
	}

	sortErrors(errs)
	return errs
}

// sortErrors orders errors by field, then code, for stable output.
func sortErrors(errs ValidationErrors) {
	slices.SortFunc(errs, func(a, b ValidationError) int {
		if c := cmp.Compare(a.Field, b.Field); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
}
