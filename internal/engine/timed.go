package engine

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TimedEntry is an Envelope that a dispatcher activates at a deadline.
//
// When the deadline passes, the dispatcher occupies the embedded envelope
// for the entry's consumer and dispatches it on the dispatcher goroutine
// with the entry's command. The entry belongs to whoever created it; the
// dispatcher only clears its scheduling state.
//
// An entry is scheduled on at most one dispatcher at a time. Scheduling
// fields are guarded by that dispatcher's timer mutex.
type TimedEntry struct {
	Envelope

	fireConsumer Consumer
	fireCmd      int

	owner    atomic.Pointer[Dispatcher]
	deadline atomic.Int64 // unix nanos, 0 when not scheduled
	windup   atomic.Int64
	latest   int64
	seq      int64
	index    int

	// firing is set while the dispatcher runs the expiry action; a removal
	// meanwhile sets cancelled, which suppresses the periodic re-arm.
	firing    bool
	cancelled bool
	recurring bool

	expire func(d *Dispatcher)
}

// NewTimedEntry creates an unscheduled entry that delivers cmd to consumer on expiry.
func NewTimedEntry(name string, consumer Consumer, cmd int, opts ...EnvelopeOption) *TimedEntry {
	te := &TimedEntry{}
	te.initTimed(name, opts)
	te.fireConsumer = consumer
	te.fireCmd = cmd
	te.expire = te.deliver
	return te
}

func (te *TimedEntry) initTimed(name string, opts []EnvelopeOption) {
	te.Envelope.init(name, opts)
	te.index = -1
}

// Activate schedules the entry delay from now on d.
func (te *TimedEntry) Activate(d *Dispatcher, delay time.Duration) bool {
	return te.ActivateWithin(d, delay, 0)
}

// ActivateWithin schedules the entry delay from now, and binds later
// re-arms to fire no later than latest from now. A zero latest leaves any
// existing bound in place.
func (te *TimedEntry) ActivateWithin(d *Dispatcher, delay, latest time.Duration) bool {
	now := d.now()
	var bound int64
	if latest > 0 {
		bound = now + int64(latest)
	}
	return d.schedule(te, now+int64(delay), bound)
}

// ActivateAt schedules the entry for an absolute deadline.
func (te *TimedEntry) ActivateAt(d *Dispatcher, at, latest time.Time) bool {
	return d.AddTimedEntry(te, at, latest)
}

// Deactivate removes the entry from its dispatcher if it has not fired yet.
func (te *TimedEntry) Deactivate() bool {
	d := te.owner.Load()
	if d == nil {
		return false
	}
	return d.RemoveTimedEntry(te)
}

// IsActive reports whether the entry is waiting to fire.
func (te *TimedEntry) IsActive() bool {
	return te.deadline.Load() != 0
}

// Deadline returns the activation time, or the zero time if unscheduled.
func (te *TimedEntry) Deadline() time.Time {
	ns := te.deadline.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Windup returns how many re-arms were ignored because they would have
// pushed the entry past its latest bound.
func (te *TimedEntry) Windup() int64 {
	return te.windup.Load()
}

// deliver is the expiry action of a plain entry.
func (te *TimedEntry) deliver(d *Dispatcher) {
	if !te.Envelope.Occupy(nil, te.fireConsumer, d, false) {
		d.stats.skipped.Add(1)
		d.logger.Warn("timed entry still occupied at expiry",
			"entry", te.name,
			"state", te.State(),
		)
		return
	}
	te.Envelope.cmd = te.fireCmd
	if err := te.Envelope.dispatch(te.Envelope.token(), true); err != nil {
		d.fail(err)
	}
}

// ExecutableOrder is a TimedEntry that runs an action on expiry instead
// of dispatching to a consumer. With a period it re-arms itself after
// every execution.
type ExecutableOrder struct {
	TimedEntry

	action     func()
	period     time.Duration
	executions atomic.Int64

	mu   sync.Mutex
	done chan struct{}
}

// NewExecutableOrder creates a one-shot order.
func NewExecutableOrder(name string, action func(), opts ...EnvelopeOption) *ExecutableOrder {
	o := &ExecutableOrder{action: action}
	o.initTimed(name, opts)
	o.expire = o.run
	return o
}

// NewRecurringOrder creates an order that re-arms itself period after each execution.
func NewRecurringOrder(name string, period time.Duration, action func(), opts ...EnvelopeOption) *ExecutableOrder {
	o := NewExecutableOrder(name, action, opts...)
	o.period = period
	o.recurring = period > 0
	return o
}

// Executions returns the number of completed executions.
func (o *ExecutableOrder) Executions() int64 {
	return o.executions.Load()
}

// Period returns the re-arm period, zero for one-shot orders.
func (o *ExecutableOrder) Period() time.Duration {
	return o.period
}

// WaitExecutions blocks until at least n executions have completed or
// ctx is done.
func (o *ExecutableOrder) WaitExecutions(ctx context.Context, n int64) error {
	for {
		ch := o.signal()
		if o.executions.Load() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (o *ExecutableOrder) signal() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done == nil {
		o.done = make(chan struct{})
	}
	return o.done
}

func (o *ExecutableOrder) run(d *Dispatcher) {
	if err := o.safeAction(); err != nil {
		d.logger.Error("order action failed",
			"order", o.name,
			"error", err,
		)
		d.fail(err)
	}
	o.executions.Add(1)

	o.mu.Lock()
	if o.done != nil {
		close(o.done)
		o.done = nil
	}
	o.mu.Unlock()

	if o.period > 0 {
		d.rearm(&o.TimedEntry, o.period)
	}
}

func (o *ExecutableOrder) safeAction() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(o.name, 0, r)
		}
	}()
	if o.action != nil {
		o.action()
	}
	return nil
}

// timerSet is a min-heap of scheduled entries ordered by deadline, then
// by insertion sequence.
type timerSet struct {
	mu      sync.Mutex
	entries entryHeap
}

type entryHeap []*TimedEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	di, dj := h[i].deadline.Load(), h[j].deadline.Load()
	if di != dj {
		return di < dj
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	te := x.(*TimedEntry)
	te.index = len(*h)
	*h = append(*h, te)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	te := old[n-1]
	old[n-1] = nil
	te.index = -1
	*h = old[:n-1]
	return te
}

// unlink clears the scheduling state of an entry that has left the heap.
// Caller holds the set's mutex.
func unlink(te *TimedEntry) {
	te.deadline.Store(0)
	te.latest = 0
	te.owner.Store(nil)
}

// popDue pops the head entry if it is due within tol of now and was
// scheduled at or before horizon. Otherwise it returns the time until the
// head is due, and ok=false when nothing is pending. Caller holds the mutex.
func (s *timerSet) popDue(now, tol, horizon int64) (te *TimedEntry, remaining int64, ok bool) {
	if len(s.entries) == 0 {
		return nil, 0, false
	}
	head := s.entries[0]
	remaining = head.deadline.Load() - now
	if remaining >= tol || head.seq > horizon {
		return nil, remaining, true
	}
	heap.Pop(&s.entries)
	unlink(head)
	return head, remaining, true
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
