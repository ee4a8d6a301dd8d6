package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of an Envelope.
type State int32

const (
	// StateFree means nobody holds the envelope; Occupy may take it.
	StateFree State = iota
	// StateAllocated means a producer occupied the envelope and is filling it.
	StateAllocated
	// StateQueued means the envelope sits in a dispatcher's ready queue.
	StateQueued
	// StateDispatching means the dispatcher popped it and is notifying the source.
	StateDispatching
	// StateRunning means the consumer callback is executing.
	StateRunning
	// StateDeferred means the consumer kept the envelope after returning.
	StateDeferred
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateQueued:
		return "queued"
	case StateDispatching:
		return "dispatching"
	case StateRunning:
		return "running"
	case StateDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// RecallResult is the outcome of OccupyRecall.
type RecallResult int

const (
	// RecallBlocked means the envelope could not be taken within the timeout.
	RecallBlocked RecallResult = iota
	// RecallFree means the envelope was (or became) free and was occupied normally.
	RecallFree
	// RecallRecovered means the envelope was pulled back out of a ready queue before dispatch.
	RecallRecovered
	// RecallForced means a hung occupancy was discarded and the envelope taken over.
	RecallForced
)

func (r RecallResult) String() string {
	switch r {
	case RecallBlocked:
		return "blocked"
	case RecallFree:
		return "free"
	case RecallRecovered:
		return "recovered"
	case RecallForced:
		return "forced"
	default:
		return "unknown"
	}
}

// tokenReleasing marks an envelope whose release is in progress.
// Occupy cannot win while the slot holds it.
const tokenReleasing int64 = -1

// The occupancy slot packs the token into the high bits and the State
// into the low stateBits, so the two always change together.
const (
	stateBits = 8
	stateMask = 1<<stateBits - 1
)

func packSlot(tok int64, s State) int64 {
	return tok<<stateBits | int64(s)
}

// DefaultHangThreshold is how long an occupancy must last before
// OccupyRecall may treat it as abandoned.
const DefaultHangThreshold = time.Second

// EnvelopeOption configures an Envelope at construction.
type EnvelopeOption func(*Envelope)

// WithHangThreshold sets the minimum occupancy age before OccupyRecall
// may force-release the envelope.
func WithHangThreshold(d time.Duration) EnvelopeOption {
	return func(e *Envelope) {
		e.hangThreshold = d
	}
}

// WithNotifier sets the notifier used when Occupy is called with a nil
// source, and by timed entries when they fire.
func WithNotifier(src SourceNotifier) EnvelopeOption {
	return func(e *Envelope) {
		e.notifier = src
	}
}

// WithEnvelopeLogger sets the logger for contention and failure reports.
func WithEnvelopeLogger(l *slog.Logger) EnvelopeOption {
	return func(e *Envelope) {
		e.logger = l
	}
}

// WithEnvelopeTime replaces the time source used to age occupancies.
func WithEnvelopeTime(ts TimeSource) EnvelopeOption {
	return func(e *Envelope) {
		e.time = ts
	}
}

// Envelope is a reusable message object carrying a command and payload
// from a producer to exactly one consumer.
//
// The occupancy slot (token and state in one word) is the only
// synchronization point. Whoever wins the CompareAndSwap from the free slot
// owns every other field until the envelope is released; ownership passes to the dispatcher while the envelope is
// queued and back to nobody when it is freed.
//
// Thread-safety model:
//   - Occupy, OccupyRecall, IsOccupied, State: safe from any goroutine
//   - Send, SetPayload, Relinquish: owner only
//   - SetDeferRelinquish: from inside ProcessEvent only
type Envelope struct {
	name string

	slot       atomic.Int64
	occupiedAt atomic.Int64
	dispatcher atomic.Pointer[Dispatcher]
	opponent   atomic.Pointer[Envelope]
	orderSeq   atomic.Int64
	consumed   atomic.Int64
	released   atomic.Int64

	// Owner-written fields.
	source   SourceNotifier
	consumer Consumer
	cmd      int
	payload  any
	deferred bool

	// Release broadcast: closed and replaced on every release.
	mu    sync.Mutex
	freed chan struct{}

	notifier      SourceNotifier
	hangThreshold time.Duration
	time          TimeSource
	logger        *slog.Logger
}

// NewEnvelope creates a free envelope.
func NewEnvelope(name string, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{}
	e.init(name, opts)
	return e
}

func (e *Envelope) init(name string, opts []EnvelopeOption) {
	e.name = name
	e.hangThreshold = DefaultHangThreshold
	e.time = SystemTime{}
	for _, opt := range opts {
		opt(e)
	}
}

// Name returns the envelope's identity. It survives every release.
func (e *Envelope) Name() string {
	return e.name
}

// State returns the lifecycle state.
func (e *Envelope) State() State {
	return State(e.slot.Load() & stateMask)
}

// token returns the current occupancy token: 0 when free, tokenReleasing
// while a release is in progress.
func (e *Envelope) token() int64 {
	return e.slot.Load() >> stateBits
}

// transition moves occupancy tok to state s. It fails once tok no longer
// holds the envelope.
func (e *Envelope) transition(tok int64, s State) bool {
	for {
		w := e.slot.Load()
		if w>>stateBits != tok {
			return false
		}
		if e.slot.CompareAndSwap(w, packSlot(tok, s)) {
			return true
		}
	}
}

// IsOccupied reports whether some party holds the envelope.
func (e *Envelope) IsOccupied() bool {
	return e.token() != 0
}

// OccupiedSince returns when the current occupancy began, or the zero time.
func (e *Envelope) OccupiedSince() time.Time {
	ns := e.occupiedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Command returns the command set by the last Send.
func (e *Envelope) Command() int {
	return e.cmd
}

// Payload returns the payload attached by the owner.
func (e *Envelope) Payload() any {
	return e.payload
}

// SetPayload attaches a payload. Owner only.
func (e *Envelope) SetPayload(p any) {
	e.payload = p
}

// Source returns the notifier of the current occupant.
func (e *Envelope) Source() SourceNotifier {
	return e.source
}

// Consumer returns the destination consumer of the current occupant.
func (e *Envelope) Consumer() Consumer {
	return e.consumer
}

// Dispatcher returns the dispatcher the envelope is routed through, or nil for inline delivery.
func (e *Envelope) Dispatcher() *Dispatcher {
	return e.dispatcher.Load()
}

// ConsumedCount returns how many times a consumer has processed this envelope.
func (e *Envelope) ConsumedCount() int64 {
	return e.consumed.Load()
}

// RelinquishCount returns how many times the envelope has been freed.
func (e *Envelope) RelinquishCount() int64 {
	return e.released.Load()
}

// OrderSeq returns the dispatcher sequence stamped when the envelope was last queued.
func (e *Envelope) OrderSeq() int64 {
	return e.orderSeq.Load()
}

// Opponent returns the paired envelope, or nil.
func (e *Envelope) Opponent() *Envelope {
	return e.opponent.Load()
}

func (e *Envelope) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Occupy takes the envelope for a new delivery to consumer. A nil
// dispatcher means the consumer runs inline inside Send.
//
// Returns false if the envelope is already in use. With expect set, the
// refusal is reported to src and logged, since the caller believed the
// envelope to be free.
func (e *Envelope) Occupy(src SourceNotifier, consumer Consumer, d *Dispatcher, expect bool) bool {
	if consumer == nil {
		e.log().Error("occupy without consumer", "envelope", e.name)
		return false
	}
	if src == nil {
		src = e.notifier
	}

	tok := occupancyEpochs.Next()
	if !e.slot.CompareAndSwap(packSlot(0, StateFree), packSlot(tok, StateAllocated)) {
		if expect {
			e.log().Warn("envelope occupied while expected free",
				"envelope", e.name,
				"state", e.State(),
			)
			if src != nil {
				src.OnOccupyDeniedWhileExpected(e)
			}
		}
		return false
	}

	e.occupiedAt.Store(e.time.Now().UnixNano())
	e.source = src
	e.consumer = consumer
	e.cmd = 0
	e.payload = nil
	e.deferred = false
	e.dispatcher.Store(d)
	return true
}

// Send delivers the envelope with the given command.
//
// Inline envelopes run the consumer before Send returns and are free
// afterwards unless the consumer deferred. Dispatcher envelopes are
// appended to the ready queue. Send returns false if the caller does not
// hold the envelope, or if the dispatcher has stopped (the envelope is
// released in that case).
func (e *Envelope) Send(cmd int) bool {
	w := e.slot.Load()
	tok, st := w>>stateBits, State(w&stateMask)
	if tok <= 0 || (st != StateAllocated && st != StateDeferred) {
		e.log().Debug("send refused", "envelope", e.name, "state", st)
		return false
	}
	e.cmd = cmd
	e.deferred = false

	d := e.dispatcher.Load()
	if d == nil {
		_ = e.dispatch(tok, false)
		return true
	}

	if err := d.StoreEnvelope(e); err != nil {
		e.log().Warn("send dropped",
			"envelope", e.name,
			"cmd", cmd,
			"error", err,
		)
		e.release(tok)
		return false
	}
	return true
}

// SetDeferRelinquish asks the dispatcher to keep the envelope occupied
// after the running callback returns. Equivalent to returning
// ResultDoNotRelinquish.
func (e *Envelope) SetDeferRelinquish() {
	e.deferred = true
}

// Relinquish frees the envelope. A queued envelope is first taken back
// out of its dispatcher's ready queue.
func (e *Envelope) Relinquish() {
	if e.State() == StateQueued {
		if d := e.dispatcher.Load(); d != nil && d.RemoveFromQueue(e) {
			return
		}
	}
	e.release(e.token())
}

// dispatch runs the consumer for the occupancy identified by tok.
// queued is true when the dispatcher (rather than Send) drives the call.
func (e *Envelope) dispatch(tok int64, queued bool) error {
	if tok <= 0 || e.token() != tok {
		return nil
	}
	if queued && !e.transition(tok, StateDispatching) {
		return nil
	}
	src := e.source
	cmd := e.cmd
	if src != nil {
		src.OnDequeued(e)
	}

	e.transition(tok, StateRunning)
	flags, err := e.invoke()
	n := e.consumed.Add(1)
	if src != nil {
		src.OnConsumed(e, n)
	}

	if err != nil {
		e.log().Error("consumer failed",
			"envelope", e.name,
			"cmd", cmd,
			"error", err,
		)
		e.release(tok)
		return err
	}

	// A forced recall may have handed the envelope to someone else while
	// the consumer ran; the fields below belong to the new occupant then.
	if e.token() != tok {
		return nil
	}
	if flags.Has(ResultDoNotRelinquish) || e.deferred {
		e.deferred = false
		e.transition(tok, StateDeferred)
		return nil
	}
	e.release(tok)
	return nil
}

// invoke calls the consumer, converting a panic into a DispatchError.
func (e *Envelope) invoke() (flags ResultFlags, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(e.name, e.cmd, r)
		}
	}()
	return e.consumer.ProcessEvent(e), nil
}

// release frees the occupancy identified by tok. It is a no-op when tok
// is stale, so a consumer returning after a forced recall cannot free the
// new occupant's envelope.
func (e *Envelope) release(tok int64) bool {
	if tok <= 0 {
		return false
	}
	for {
		w := e.slot.Load()
		if w>>stateBits != tok {
			return false
		}
		// The state is kept until the slot is cleared below.
		if e.slot.CompareAndSwap(w, packSlot(tokenReleasing, State(w&stateMask))) {
			break
		}
	}

	src := e.source
	e.source = nil
	e.consumer = nil
	e.cmd = 0
	e.payload = nil
	e.deferred = false
	e.dispatcher.Store(nil)
	e.occupiedAt.Store(0)
	e.slot.Store(packSlot(0, StateFree))

	n := e.released.Add(1)
	e.broadcastRelease()
	if src != nil {
		src.OnRelinquished(e, n)
	}
	return true
}

// releaseSignal returns a channel that is closed by the next release.
func (e *Envelope) releaseSignal() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.freed == nil {
		e.freed = make(chan struct{})
	}
	return e.freed
}

func (e *Envelope) broadcastRelease() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.freed != nil {
		close(e.freed)
		e.freed = nil
	}
}

// OccupyRecall takes the envelope for a re-send even if a previous
// delivery may still be in flight:
//
//  1. a plain Occupy;
//  2. pulling the envelope back out of its dispatcher's ready queue;
//  3. waiting up to timeout for the current holder to release it;
//  4. if the same occupancy is still active after the timeout and is
//     older than the hang threshold, discarding it as abandoned.
//
// RecallBlocked means none of that worked; the caller decides whether a
// stuck consumer is fatal.
func (e *Envelope) OccupyRecall(timeout time.Duration, src SourceNotifier, consumer Consumer, d *Dispatcher, expect bool) RecallResult {
	if e.Occupy(src, consumer, d, false) {
		return RecallFree
	}

	if e.State() == StateQueued {
		for _, q := range []*Dispatcher{e.dispatcher.Load(), d} {
			if q != nil && q.RemoveFromQueue(e) {
				if e.Occupy(src, consumer, d, false) {
					return RecallRecovered
				}
				break
			}
		}
	}

	captured := e.token()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

wait:
	for {
		freed := e.releaseSignal()
		if e.Occupy(src, consumer, d, false) {
			return RecallFree
		}
		select {
		case <-freed:
		case <-timer.C:
			break wait
		}
	}

	if captured > 0 && e.token() == captured && e.occupancyAge() >= e.hangThreshold {
		if e.release(captured) {
			e.log().Warn("forced release of hung envelope",
				"envelope", e.name,
				"hang_threshold", e.hangThreshold,
			)
		}
		if e.Occupy(src, consumer, d, false) {
			return RecallForced
		}
	}

	if expect {
		if src == nil {
			src = e.notifier
		}
		if src != nil {
			src.OnOccupyDeniedWhileExpected(e)
		}
	}
	e.log().Warn("recall blocked",
		"envelope", e.name,
		"state", e.State(),
		"timeout", timeout,
	)
	return RecallBlocked
}

func (e *Envelope) occupancyAge() time.Duration {
	ns := e.occupiedAt.Load()
	if ns == 0 {
		return 0
	}
	return time.Duration(e.time.Now().UnixNano() - ns)
}

// Pair cross-links two envelopes for request/response without extra
// allocation. The link is a relation only; neither side owns the other.
// Pairing is set-once.
func Pair(a, b *Envelope) error {
	if a == b {
		return ErrSelfPair
	}
	if !a.opponent.CompareAndSwap(nil, b) {
		return ErrAlreadyPaired
	}
	if !b.opponent.CompareAndSwap(nil, a) {
		a.opponent.Store(nil)
		return ErrAlreadyPaired
	}
	return nil
}
