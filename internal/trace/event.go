package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Kind identifies what happened to an envelope.
type Kind string

const (
	KindDequeued     Kind = "dequeued"
	KindConsumed     Kind = "consumed"
	KindRelinquished Kind = "relinquished"
	KindDenied       Kind = "occupy_denied"

	// Kinds below are noted by drivers rather than by notifier callbacks.
	KindSent     Kind = "sent"
	KindRecall   Kind = "recall"
	KindArmed    Kind = "armed"
	KindWindup   Kind = "windup"
	KindCanceled Kind = "canceled"
	KindExecuted Kind = "executed"
)

// Event is one recorded lifecycle step.
type Event struct {
	Seq      int64  `json:"seq"`
	AtMillis int64  `json:"at_ms"`
	Kind     Kind   `json:"kind"`
	Envelope string `json:"envelope"`
	Command  int    `json:"cmd"`
	Count    int64  `json:"count,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Object returns the event as a canonical JSON object. Zero count and
// empty detail are omitted.
func (e Event) Object() map[string]any {
	obj := map[string]any{
		"seq":      e.Seq,
		"at_ms":    e.AtMillis,
		"kind":     string(e.Kind),
		"envelope": e.Envelope,
		"cmd":      e.Command,
	}
	if e.Count != 0 {
		obj["count"] = e.Count
	}
	if e.Detail != "" {
		obj["detail"] = e.Detail
	}
	return obj
}

// String renders the event for text output.
func (e Event) String() string {
	s := fmt.Sprintf("%4d %6dms %-13s %s cmd=%d", e.Seq, e.AtMillis, e.Kind, e.Envelope, e.Command)
	if e.Count != 0 {
		s += fmt.Sprintf(" count=%d", e.Count)
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// MarshalEvents renders events as canonical JSON lines, one event per line.
func MarshalEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	for i, ev := range events {
		line, err := MarshalCanonical(ev.Object())
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DomainTrace separates trace digests from any other hash of the same bytes.
const DomainTrace = "relay/trace/v1"

// Digest computes SHA256(domain + 0x00 + canonical events) as hex.
// Two runs with the same digest produced the same trace.
func Digest(events []Event) (string, error) {
	data, err := MarshalEvents(events)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(DomainTrace))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
