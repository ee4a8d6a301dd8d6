package trace

import (
	"sync"
	"time"

	"github.com/roach88/relay/internal/engine"
)

// Recorder captures envelope lifecycle events.
//
// It implements engine.SourceNotifier. Notes from drivers (sends, recalls,
// timer arming) are added with Note so that a single ordered trace covers
// both sides.
//
// Thread-safety: all methods are safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	seq    *engine.Clock
	time   engine.TimeSource
	start  time.Time
	sink   func(Event)
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithTime sets the time source used for at_ms. Default: system time.
func WithTime(ts engine.TimeSource) RecorderOption {
	return func(r *Recorder) {
		r.time = ts
	}
}

// WithSink forwards every event to fn after it is recorded, for example
// to a journal. fn runs on the goroutine that produced the event.
func WithSink(fn func(Event)) RecorderOption {
	return func(r *Recorder) {
		r.sink = fn
	}
}

// NewRecorder creates an empty recorder whose at_ms offsets count from now.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		seq:  engine.NewClock(),
		time: engine.SystemTime{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.time.Now()
	return r
}

func (r *Recorder) record(kind Kind, name string, cmd int, count int64, detail string) {
	r.mu.Lock()
	ev := Event{
		Seq:      r.seq.Next(),
		AtMillis: r.time.Now().Sub(r.start).Milliseconds(),
		Kind:     kind,
		Envelope: name,
		Command:  cmd,
		Count:    count,
		Detail:   detail,
	}
	r.events = append(r.events, ev)
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

// OnDequeued implements engine.SourceNotifier.
func (r *Recorder) OnDequeued(ev *engine.Envelope) {
	r.record(KindDequeued, ev.Name(), ev.Command(), 0, "")
}

// OnConsumed implements engine.SourceNotifier.
func (r *Recorder) OnConsumed(ev *engine.Envelope, count int64) {
	r.record(KindConsumed, ev.Name(), ev.Command(), count, "")
}

// OnRelinquished implements engine.SourceNotifier. The command is already
// cleared at this point and recorded as 0.
func (r *Recorder) OnRelinquished(ev *engine.Envelope, count int64) {
	r.record(KindRelinquished, ev.Name(), 0, count, "")
}

// OnOccupyDeniedWhileExpected implements engine.SourceNotifier.
func (r *Recorder) OnOccupyDeniedWhileExpected(ev *engine.Envelope) {
	r.record(KindDenied, ev.Name(), 0, 0, ev.State().String())
}

// Note records a driver-side event.
func (r *Recorder) Note(kind Kind, name string, cmd int, detail string) {
	r.record(kind, name, cmd, 0, detail)
}

// Events returns a copy of the recorded events in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
