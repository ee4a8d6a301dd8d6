package engine

// ResultFlags is the bitset returned by Consumer.ProcessEvent.
type ResultFlags uint8

const (
	// ResultConsumed marks the event as handled. Informational, used by
	// responsibility-chain consumers that forward unhandled events.
	ResultConsumed ResultFlags = 1 << iota

	// ResultDoNotRelinquish keeps the envelope occupied after the callback
	// returns. The consumer becomes responsible for re-sending or
	// relinquishing it later.
	ResultDoNotRelinquish
)

// Has reports whether all bits of f are set.
func (r ResultFlags) Has(f ResultFlags) bool {
	return r&f == f
}

// Consumer receives dispatched envelopes.
//
// ProcessEvent runs on the dispatcher goroutine (or inline on the sender's
// goroutine when the envelope has no dispatcher) and must return promptly.
// Blocking inside it stalls every other consumer on the same dispatcher.
type Consumer interface {
	ProcessEvent(ev *Envelope) ResultFlags
	StateInfo() string
}

// ConsumerFunc adapts a plain function to the Consumer interface.
type ConsumerFunc func(ev *Envelope) ResultFlags

// ProcessEvent calls f(ev).
func (f ConsumerFunc) ProcessEvent(ev *Envelope) ResultFlags {
	return f(ev)
}

// StateInfo returns a fixed description.
func (f ConsumerFunc) StateInfo() string {
	return "func consumer"
}

// SourceNotifier observes lifecycle changes of the envelopes a producer
// occupies. Calls are purely observational; nothing they do influences
// control flow. They run on whichever goroutine drives the transition and,
// like consumers, must not block.
type SourceNotifier interface {
	// OnDequeued is called when the dispatcher takes the envelope off its
	// ready queue (or, inline, right before the consumer runs).
	OnDequeued(ev *Envelope)

	// OnConsumed is called after the consumer returned, with the envelope's
	// running consumption count.
	OnConsumed(ev *Envelope, count int64)

	// OnRelinquished is called after the envelope was freed, with the
	// envelope's running release count.
	OnRelinquished(ev *Envelope, count int64)

	// OnOccupyDeniedWhileExpected is called when Occupy with expect=true
	// finds the envelope already in use.
	OnOccupyDeniedWhileExpected(ev *Envelope)
}

// NopNotifier ignores every notification.
type NopNotifier struct{}

func (NopNotifier) OnDequeued(*Envelope)                  {}
func (NopNotifier) OnConsumed(*Envelope, int64)           {}
func (NopNotifier) OnRelinquished(*Envelope, int64)       {}
func (NopNotifier) OnOccupyDeniedWhileExpected(*Envelope) {}

// Notifiers fans a notification out to several SourceNotifiers in order.
type Notifiers []SourceNotifier

func (n Notifiers) OnDequeued(ev *Envelope) {
	for _, s := range n {
		s.OnDequeued(ev)
	}
}

func (n Notifiers) OnConsumed(ev *Envelope, count int64) {
	for _, s := range n {
		s.OnConsumed(ev, count)
	}
}

func (n Notifiers) OnRelinquished(ev *Envelope, count int64) {
	for _, s := range n {
		s.OnRelinquished(ev, count)
	}
}

func (n Notifiers) OnOccupyDeniedWhileExpected(ev *Envelope) {
	for _, s := range n {
		s.OnOccupyDeniedWhileExpected(ev)
	}
}

// Pollable is work the dispatcher checks once per drained ready queue,
// for consumers that need to make progress without an incoming event.
// Poll reports whether it did anything; a true result keeps the dispatcher
// from sleeping on that pass.
type Pollable interface {
	Poll() bool
}

// PollFunc adapts a function to Pollable.
type PollFunc func() bool

// Poll calls f().
func (f PollFunc) Poll() bool {
	return f()
}
