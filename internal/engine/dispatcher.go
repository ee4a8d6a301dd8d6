package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Timing defaults. Tolerance is how early an entry may fire; MinSleep is
// the shortest idle sleep; MaxSleep caps the sleep when nothing is
// pending; StuckAfter is how overdue an entry must be before a re-arm
// ignores its windup bound.
const (
	DefaultTolerance  = 3 * time.Millisecond
	DefaultMinSleep   = 2 * time.Millisecond
	DefaultMaxSleep   = 10 * time.Second
	DefaultStuckAfter = 2 * time.Second
)

// RunState is the dispatcher loop state.
type RunState int32

const (
	RunStateIdle RunState = iota
	RunStateRunning
	RunStateWaiting
	RunStateFinished
)

func (s RunState) String() string {
	switch s {
	case RunStateIdle:
		return "idle"
	case RunStateRunning:
		return "running"
	case RunStateWaiting:
		return "waiting"
	case RunStateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// DispatcherOption allows configuration of dispatcher parameters.
type DispatcherOption func(*Dispatcher)

// WithName labels the dispatcher in logs and StateInfo.
func WithName(name string) DispatcherOption {
	return func(d *Dispatcher) {
		d.name = name
	}
}

// WithTolerance sets how early a timed entry may fire.
func WithTolerance(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.tolerance = t
	}
}

// WithMinSleep sets the shortest idle sleep.
func WithMinSleep(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.minSleep = t
	}
}

// WithMaxSleep caps the idle sleep when no timed entry is pending.
func WithMaxSleep(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxSleep = t
	}
}

// WithStuckAfter sets how overdue an entry must be before a re-arm
// reschedules it unconditionally.
func WithStuckAfter(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.stuckAfter = t
	}
}

// WithLogger sets the dispatcher logger. Default: slog.Default().
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithTimeSource replaces the wall clock, for deterministic tests driven through Tick.
func WithTimeSource(ts TimeSource) DispatcherOption {
	return func(d *Dispatcher) {
		d.time = ts
	}
}

// WithFailureHook registers a callback for every recovered consumer or
// order failure. It runs on the dispatcher goroutine.
func WithFailureHook(fn func(error)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onFailure = fn
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Fired      int64 `json:"fired"`
	Skipped    int64 `json:"skipped"`
	Windups    int64 `json:"windups"`
	Stuck      int64 `json:"stuck"`
	Recalled   int64 `json:"recalled"`
	Failures   int64 `json:"failures"`
	Sleeps     int64 `json:"sleeps"`
	Wakeups    int64 `json:"wakeups"`
	Queued     int   `json:"queued"`
	Pending    int   `json:"pending"`
}

type counters struct {
	dispatched atomic.Int64
	fired      atomic.Int64
	skipped    atomic.Int64
	windups    atomic.Int64
	stuck      atomic.Int64
	recalled   atomic.Int64
	failures   atomic.Int64
	sleeps     atomic.Int64
	wakeups    atomic.Int64
}

// Dispatcher is the single execution goroutine for envelopes and timed entries.
//
// It owns a FIFO ready queue and a deadline-ordered set of pending timed
// entries. Each pass fires what is due, drains the ready queue completely,
// polls registered Pollables, and otherwise sleeps until the next deadline
// or until woken.
//
// Thread-safety model:
//   - StoreEnvelope, RemoveFromQueue, AddTimedEntry, RemoveTimedEntry,
//     Stop, Stats: safe from any goroutine
//   - Run/Start: at most once per dispatcher
//   - Consumers and order actions run only on the dispatcher goroutine,
//     never concurrently with each other
//
// Dispatchers share no state; several may run side by side.
type Dispatcher struct {
	name       string
	tolerance  time.Duration
	minSleep   time.Duration
	maxSleep   time.Duration
	stuckAfter time.Duration
	time       TimeSource
	logger     *slog.Logger
	onFailure  func(error)

	ready  *readyQueue
	timers timerSet
	seq    *Clock

	nextCheck atomic.Int64 // unix nanos
	runState  atomic.Int32
	goid      atomic.Uint64
	wakeCh    chan struct{}

	pollMu    sync.Mutex
	pollables []Pollable

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}

	stats counters
}

// NewDispatcher creates an idle dispatcher. Call Start or Run to begin processing.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		name:       "dispatcher",
		tolerance:  DefaultTolerance,
		minSleep:   DefaultMinSleep,
		maxSleep:   DefaultMaxSleep,
		stuckAfter: DefaultStuckAfter,
		time:       SystemTime{},
		logger:     slog.Default(),
		ready:      newReadyQueue(),
		seq:        NewClock(),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the dispatcher label.
func (d *Dispatcher) Name() string {
	return d.name
}

// Clock returns the dispatcher's logical clock, which stamps queued envelopes.
func (d *Dispatcher) Clock() *Clock {
	return d.seq
}

// State returns the loop state.
func (d *Dispatcher) State() RunState {
	return RunState(d.runState.Load())
}

func (d *Dispatcher) now() int64 {
	return d.time.Now().UnixNano()
}

// Start runs the loop on a new goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.claim(); err != nil {
		return err
	}
	go func() {
		if err := d.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("dispatcher exited", "name", d.name, "error", err)
		}
	}()
	return nil
}

// Run runs the loop on the calling goroutine until Stop is called or ctx
// is done. Returns nil after Stop, ctx.Err() on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.claim(); err != nil {
		return err
	}
	return d.loop(ctx)
}

func (d *Dispatcher) claim() error {
	if d.runState.CompareAndSwap(int32(RunStateIdle), int32(RunStateRunning)) {
		return nil
	}
	if d.State() == RunStateFinished {
		return ErrDispatcherStopped
	}
	return ErrDispatcherRunning
}

func (d *Dispatcher) loop(ctx context.Context) error {
	d.goid.Store(goroutineID())
	defer d.goid.Store(0)
	defer d.finish()

	d.logger.Info("dispatcher starting", "name", d.name)

	for {
		select {
		case <-d.stopCh:
			d.logger.Info("dispatcher stopping", "name", d.name)
			return nil
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping: context cancelled", "name", d.name)
			return ctx.Err()
		default:
		}

		executed, wait := d.Tick()
		if executed {
			continue
		}
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Tick performs one pass of the loop without sleeping: it fires due
// timed entries when the next check is overdue, drains the ready queue
// and polls Pollables. It reports whether anything ran and how long the
// loop would sleep otherwise.
//
// Run calls Tick repeatedly. Tests may drive an unstarted dispatcher
// through Tick with a manual TimeSource.
func (d *Dispatcher) Tick() (executed bool, wait time.Duration) {
	now := d.now()
	timeWait := d.nextCheck.Load() - now
	if timeWait < 0 {
		var fired int
		fired, timeWait = d.expire(now)
		executed = fired > 0
	}

	if d.drainReady() > 0 {
		executed = true
	}
	if d.poll() {
		executed = true
	}

	if timeWait < int64(d.minSleep) {
		timeWait = int64(d.minSleep)
	}
	return executed, time.Duration(timeWait)
}

// expire fires every entry due within tolerance, then records the next
// check deadline. Returns the number fired and the time until the next check.
//
// Only entries scheduled before the scan began are fired. An entry re-armed
// by a callback during the scan waits for the next pass, so the ready queue
// is drained between firings however short the period.
func (d *Dispatcher) expire(now int64) (int, int64) {
	tol := int64(d.tolerance)
	fired := 0

	d.timers.mu.Lock()
	horizon := d.seq.Current()
	d.timers.mu.Unlock()

	for {
		d.timers.mu.Lock()
		te, remaining, ok := d.timers.popDue(now, tol, horizon)
		if te == nil {
			wait := int64(d.maxSleep)
			if ok && remaining < wait {
				wait = remaining
			}
			d.nextCheck.Store(now + wait)
			d.timers.mu.Unlock()
			return fired, wait
		}
		te.owner.Store(d)
		te.firing = true
		te.cancelled = false
		d.timers.mu.Unlock()

		fired++
		d.stats.fired.Add(1)
		d.logger.Debug("timed entry fired",
			"dispatcher", d.name,
			"entry", te.name,
			"late", time.Duration(-remaining),
		)
		te.expire(d)
		d.settle(te)
		now = d.now()
	}
}

// settle ends the firing of te. An entry that was not re-armed while it
// ran no longer belongs to the dispatcher.
func (d *Dispatcher) settle(te *TimedEntry) {
	d.timers.mu.Lock()
	defer d.timers.mu.Unlock()
	te.firing = false
	te.cancelled = false
	if te.index < 0 && te.owner.Load() == d {
		te.owner.Store(nil)
	}
}

// drainReady dispatches every queued envelope, including those queued by
// consumers during the drain.
func (d *Dispatcher) drainReady() int {
	n := 0
	for {
		ev, ok := d.ready.pop()
		if !ok {
			return n
		}
		n++
		tok := ev.token()
		if tok <= 0 || !ev.slot.CompareAndSwap(packSlot(tok, StateQueued), packSlot(tok, StateDispatching)) {
			continue
		}
		d.stats.dispatched.Add(1)
		if err := ev.dispatch(tok, true); err != nil {
			d.fail(err)
		}
	}
}

func (d *Dispatcher) poll() bool {
	d.pollMu.Lock()
	ps := make([]Pollable, len(d.pollables))
	copy(ps, d.pollables)
	d.pollMu.Unlock()

	busy := false
	for _, p := range ps {
		if d.safePoll(p) {
			busy = true
		}
	}
	return busy
}

func (d *Dispatcher) safePoll(p Pollable) (busy bool) {
	defer func() {
		if r := recover(); r != nil {
			err := newPanicError("pollable", 0, r)
			d.logger.Error("pollable failed", "dispatcher", d.name, "error", err)
			d.fail(err)
			busy = false
		}
	}()
	return p.Poll()
}

// sleep blocks until woken, until the computed wait elapses, or until
// stop/cancellation.
func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) error {
	d.runState.Store(int32(RunStateWaiting))
	defer d.runState.CompareAndSwap(int32(RunStateWaiting), int32(RunStateRunning))

	// Publish Waiting before re-reading, so a concurrent insert either sees
	// Waiting and wakes us or lands before this check.
	if d.ready.len() > 0 {
		return nil
	}
	if w := time.Duration(d.nextCheck.Load() - d.now()); w < wait {
		if w <= 0 {
			return nil
		}
		wait = w
	}

	d.stats.sleeps.Add(1)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopCh:
		return nil
	case <-d.wakeCh:
		d.stats.wakeups.Add(1)
	case <-timer.C:
	}
	return nil
}

func (d *Dispatcher) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Stop ends the loop after the current callback returns. Envelopes still
// queued are released; later sends fail.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		rest := d.ready.close()
		for _, ev := range rest {
			cmd := ev.cmd
			if ev.release(ev.token()) {
				d.fail(&DispatchError{Code: ErrCodeStopped, Envelope: ev.name, Command: cmd})
			}
		}
		if len(rest) > 0 {
			d.logger.Warn("dispatcher stopped with queued envelopes",
				"name", d.name,
				"dropped", len(rest),
			)
		}
		if d.runState.CompareAndSwap(int32(RunStateIdle), int32(RunStateFinished)) {
			d.closeDone()
		}
	})
}

func (d *Dispatcher) finish() {
	d.runState.Store(int32(RunStateFinished))
	d.Stop()
	d.closeDone()
	d.logger.Info("dispatcher stopped", "name", d.name)
}

func (d *Dispatcher) closeDone() {
	d.doneOnce.Do(func() {
		close(d.done)
	})
}

// Done is closed when the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) fail(err error) {
	d.stats.failures.Add(1)
	if d.onFailure != nil {
		d.onFailure(err)
	}
}

// StoreEnvelope appends an occupied envelope to the ready queue and wakes
// the dispatcher. Envelope.Send calls this for dispatcher-routed envelopes.
func (d *Dispatcher) StoreEnvelope(ev *Envelope) error {
	tok := ev.token()
	if tok <= 0 {
		return fmt.Errorf("store envelope %q: %w", ev.name, ErrNotOccupied)
	}
	ev.orderSeq.Store(d.seq.Next())
	if !ev.transition(tok, StateQueued) {
		return fmt.Errorf("store envelope %q: %w", ev.name, ErrNotOccupied)
	}
	if !d.ready.push(ev) {
		return fmt.Errorf("store envelope %q: %w", ev.name, ErrDispatcherStopped)
	}
	d.wake()
	return nil
}

// RemoveFromQueue takes a not-yet-dispatched envelope out of the ready
// queue and frees it. Returns false once dispatch has begun.
func (d *Dispatcher) RemoveFromQueue(ev *Envelope) bool {
	if !d.ready.remove(ev) {
		return false
	}
	d.stats.recalled.Add(1)
	ev.release(ev.token())
	return true
}

// AddTimedEntry schedules te for at. A non-zero latest bounds later
// re-arms; see schedule for the coalescing rules.
func (d *Dispatcher) AddTimedEntry(te *TimedEntry, at, latest time.Time) bool {
	var bound int64
	if !latest.IsZero() {
		bound = latest.UnixNano()
	}
	return d.schedule(te, at.UnixNano(), bound)
}

// schedule inserts or re-arms te.
//
// Re-arming a pending entry whose latest bound is set, with a deadline
// past that bound, is ignored and counted as windup: the earlier deadline
// stays binding. An entry overdue by more than StuckAfter is rescheduled
// regardless. A deadline earlier than the next check (by more than the
// tolerance) pulls the next check forward and wakes a sleeping loop.
func (d *Dispatcher) schedule(te *TimedEntry, deadline, latest int64) bool {
	if d.stopped() {
		return false
	}
	if prev := te.owner.Load(); prev != nil && prev != d {
		prev.RemoveTimedEntry(te)
	}

	now := d.now()
	d.timers.mu.Lock()
	ok, wake := d.insertLocked(te, now, deadline, latest)
	d.timers.mu.Unlock()

	if wake && d.State() == RunStateWaiting {
		d.wake()
	}
	return ok
}

// rearm schedules a recurring entry period after now. It does nothing when
// the entry was cancelled, moved to another dispatcher, or activated again
// while it ran.
func (d *Dispatcher) rearm(te *TimedEntry, period time.Duration) bool {
	if d.stopped() {
		return false
	}

	now := d.now()
	d.timers.mu.Lock()
	if te.cancelled || te.owner.Load() != d || te.index >= 0 {
		d.timers.mu.Unlock()
		return false
	}
	ok, wake := d.insertLocked(te, now, now+int64(period), 0)
	d.timers.mu.Unlock()

	if wake && d.State() == RunStateWaiting {
		d.wake()
	}
	return ok
}

// insertLocked applies the coalescing rules of schedule and pushes te.
// Caller holds the timer mutex.
func (d *Dispatcher) insertLocked(te *TimedEntry, now, deadline, latest int64) (ok, wake bool) {
	if te.index >= 0 && te.owner.Load() == d {
		current := te.deadline.Load()
		switch {
		case now-current > int64(d.stuckAfter):
			d.stats.stuck.Add(1)
			d.logger.Warn("rescheduling stuck timed entry",
				"dispatcher", d.name,
				"entry", te.name,
				"overdue", time.Duration(now-current),
			)
			te.latest = latest
		case te.latest != 0 && deadline > te.latest:
			te.windup.Add(1)
			d.stats.windups.Add(1)
			return false, false
		case latest != 0:
			te.latest = latest
		}
		heap.Remove(&d.timers.entries, te.index)
	} else {
		te.latest = latest
	}

	te.deadline.Store(deadline)
	te.seq = d.seq.Next()
	te.owner.Store(d)
	te.cancelled = false
	heap.Push(&d.timers.entries, te)

	if deadline < d.nextCheck.Load()-int64(d.tolerance) {
		d.nextCheck.Store(deadline)
		wake = true
	}
	return true, wake
}

// RemoveTimedEntry cancels te if it is still pending on this dispatcher.
// Called while a recurring order runs, it cancels the order's next firing
// and returns true.
func (d *Dispatcher) RemoveTimedEntry(te *TimedEntry) bool {
	d.timers.mu.Lock()
	defer d.timers.mu.Unlock()

	if te.owner.Load() != d {
		return false
	}
	if te.index < 0 {
		if !te.firing {
			return false
		}
		te.cancelled = true
		return te.recurring
	}
	heap.Remove(&d.timers.entries, te.index)
	unlink(te)
	return true
}

// AddPollable registers work checked once per drained ready queue.
func (d *Dispatcher) AddPollable(p Pollable) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	d.pollables = append(d.pollables, p)
}

// RemovePollable unregisters p. Pollables are compared by identity, so
// only comparable implementations (pointers, not funcs) can be removed.
func (d *Dispatcher) RemovePollable(p Pollable) bool {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	for i, q := range d.pollables {
		if q == p {
			d.pollables = append(d.pollables[:i], d.pollables[i+1:]...)
			return true
		}
	}
	return false
}

// IsBusy reports whether the loop is processing or has queued work.
func (d *Dispatcher) IsBusy() bool {
	return d.State() == RunStateRunning || d.ready.len() > 0
}

// CurrentGoroutineIsDispatcher reports whether the caller runs on this
// dispatcher's loop goroutine.
func (d *Dispatcher) CurrentGoroutineIsDispatcher() bool {
	id := d.goid.Load()
	return id != 0 && id == goroutineID()
}

// NextCheck returns the time of the next scheduled timer scan.
func (d *Dispatcher) NextCheck() time.Time {
	return time.Unix(0, d.nextCheck.Load())
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.stats.dispatched.Load(),
		Fired:      d.stats.fired.Load(),
		Skipped:    d.stats.skipped.Load(),
		Windups:    d.stats.windups.Load(),
		Stuck:      d.stats.stuck.Load(),
		Recalled:   d.stats.recalled.Load(),
		Failures:   d.stats.failures.Load(),
		Sleeps:     d.stats.sleeps.Load(),
		Wakeups:    d.stats.wakeups.Load(),
		Queued:     d.ready.len(),
		Pending:    d.timers.len(),
	}
}

// StateInfo returns a one-line diagnostic description.
func (d *Dispatcher) StateInfo() string {
	s := d.Stats()
	return fmt.Sprintf("%s: state=%s queued=%d pending=%d dispatched=%d fired=%d failures=%d",
		d.name, d.State(), s.Queued, s.Pending, s.Dispatched, s.Fired, s.Failures)
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
