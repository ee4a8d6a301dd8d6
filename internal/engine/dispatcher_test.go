package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relay/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newManualDispatcher creates an unstarted dispatcher driven through Tick.
func newManualDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock()
	opts = append([]DispatcherOption{WithTimeSource(clock), WithLogger(quietLogger())}, opts...)
	return NewDispatcher(opts...), clock
}

// startDispatcher runs a real-time dispatcher until the test ends.
func startDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	opts = append([]DispatcherOption{WithLogger(quietLogger())}, opts...)
	d := NewDispatcher(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		d.Stop()
		cancel()
		<-d.Done()
	})
	return d
}

func TestDispatcher_QueuedRoundTrip(t *testing.T) {
	d, _ := newManualDispatcher(t)
	ev := NewEnvelope("ev")

	var got []int
	consumer := ConsumerFunc(func(e *Envelope) ResultFlags {
		got = append(got, e.Command())
		return 0
	})

	require.True(t, ev.Occupy(nil, consumer, d, false))
	require.True(t, ev.Send(7))
	assert.Equal(t, StateQueued, ev.State())
	assert.Same(t, d, ev.Dispatcher())
	assert.Empty(t, got, "queued envelope is not delivered before the dispatcher drains")

	executed, _ := d.Tick()

	assert.True(t, executed)
	assert.Equal(t, []int{7}, got)
	assert.Equal(t, StateFree, ev.State())
	assert.Equal(t, int64(1), d.Stats().Dispatched)
}

func TestDispatcher_RemoveFromQueue_BeforeDrain(t *testing.T) {
	d, _ := newManualDispatcher(t)
	ev := NewEnvelope("ev")

	called := false
	consumer := ConsumerFunc(func(*Envelope) ResultFlags {
		called = true
		return 0
	})

	require.True(t, ev.Occupy(nil, consumer, d, false))
	require.True(t, ev.Send(1))

	assert.True(t, d.RemoveFromQueue(ev))
	assert.False(t, ev.IsOccupied())
	assert.Equal(t, StateFree, ev.State())

	d.Tick()
	assert.False(t, called, "removed envelope is never dispatched")
}

func TestDispatcher_RemoveFromQueue_AfterDispatchBegan(t *testing.T) {
	d, _ := newManualDispatcher(t)
	ev := NewEnvelope("ev")

	var removed *bool
	consumer := ConsumerFunc(func(e *Envelope) ResultFlags {
		r := d.RemoveFromQueue(e)
		removed = &r
		return 0
	})

	require.True(t, ev.Occupy(nil, consumer, d, false))
	require.True(t, ev.Send(1))
	d.Tick()

	require.NotNil(t, removed)
	assert.False(t, *removed)
	assert.False(t, d.RemoveFromQueue(ev), "nothing to remove after dispatch")
}

func TestDispatcher_FIFO(t *testing.T) {
	d, _ := newManualDispatcher(t)

	var got []string
	consumer := ConsumerFunc(func(e *Envelope) ResultFlags {
		got = append(got, e.Name())
		return 0
	})

	var seqs []int64
	for _, name := range []string{"a", "b", "c", "d"} {
		ev := NewEnvelope(name)
		require.True(t, ev.Occupy(nil, consumer, d, false))
		require.True(t, ev.Send(0))
		seqs = append(seqs, ev.OrderSeq())
	}

	d.Tick()

	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.IsIncreasing(t, seqs)
}

func TestDispatcher_DrainIncludesEnvelopesQueuedDuringDrain(t *testing.T) {
	d, _ := newManualDispatcher(t)
	follow := NewEnvelope("follow")

	var got []string
	var consumer Consumer
	consumer = ConsumerFunc(func(e *Envelope) ResultFlags {
		got = append(got, e.Name())
		if e.Name() == "first" && follow.Occupy(nil, consumer, d, false) {
			follow.Send(0)
		}
		return 0
	})

	first := NewEnvelope("first")
	require.True(t, first.Occupy(nil, consumer, d, false))
	require.True(t, first.Send(0))

	d.Tick()

	assert.Equal(t, []string{"first", "follow"}, got, "one pass drains follow-on sends")
}

func TestDispatcher_Panic_FailureHook(t *testing.T) {
	var hooked []error
	d, _ := newManualDispatcher(t, WithFailureHook(func(err error) {
		hooked = append(hooked, err)
	}))
	ev := NewEnvelope("bad")

	consumer := ConsumerFunc(func(*Envelope) ResultFlags {
		panic(errors.New("consumer exploded"))
	})
	require.True(t, ev.Occupy(nil, consumer, d, false))
	require.True(t, ev.Send(9))

	d.Tick()

	require.Len(t, hooked, 1)
	assert.True(t, IsPanicError(hooked[0]))

	var de *DispatchError
	require.True(t, errors.As(hooked[0], &de))
	assert.Equal(t, "bad", de.Envelope)
	assert.Equal(t, 9, de.Command)
	assert.Contains(t, de.Error(), "consumer exploded")

	assert.False(t, ev.IsOccupied(), "failed envelope is released")
	assert.Equal(t, int64(1), d.Stats().Failures)
}

func TestDispatcher_Stop_ReleasesQueued(t *testing.T) {
	var hooked []error
	d, _ := newManualDispatcher(t, WithFailureHook(func(err error) {
		hooked = append(hooked, err)
	}))
	src := &recordingNotifier{}
	ev := NewEnvelope("ev")

	require.True(t, ev.Occupy(src, nopConsumer, d, false))
	require.True(t, ev.Send(1))

	d.Stop()

	assert.False(t, ev.IsOccupied())
	assert.Equal(t, []string{"relinquished:ev"}, src.snapshot())
	assert.Equal(t, RunStateFinished, d.State())

	require.Len(t, hooked, 1)
	var de *DispatchError
	require.True(t, errors.As(hooked[0], &de))
	assert.Equal(t, ErrCodeStopped, de.Code)
	assert.Equal(t, 1, de.Command)
	assert.False(t, IsPanicError(hooked[0]))

	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed after stopping an idle dispatcher")
	}

	require.True(t, ev.Occupy(nil, nopConsumer, d, false))
	assert.False(t, ev.Send(2), "send to a stopped dispatcher fails")
	assert.False(t, ev.IsOccupied(), "failed send releases the envelope")

	assert.ErrorIs(t, d.Start(context.Background()), ErrDispatcherStopped)
}

func TestDispatcher_StoreEnvelope_RequiresOccupancy(t *testing.T) {
	d, _ := newManualDispatcher(t)

	err := d.StoreEnvelope(NewEnvelope("ev"))
	assert.ErrorIs(t, err, ErrNotOccupied)
}

func TestDispatcher_Run_Twice(t *testing.T) {
	d := startDispatcher(t)

	assert.ErrorIs(t, d.Run(context.Background()), ErrDispatcherRunning)
}

func TestDispatcher_Run_ContextCancel(t *testing.T) {
	d := NewDispatcher(WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.State() == RunStateWaiting }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	<-d.Done()
	assert.Equal(t, RunStateFinished, d.State())
}

// lockedBuffer collects log output written from the dispatcher goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatcher_Start_CancelIsQuiet(t *testing.T) {
	logs := &lockedBuffer{}
	d := NewDispatcher(WithLogger(slog.New(slog.NewTextHandler(logs, nil))))
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, d.Start(ctx))
	require.Eventually(t, func() bool { return d.State() == RunStateWaiting }, time.Second, time.Millisecond)
	cancel()
	<-d.Done()

	assert.Never(t, func() bool {
		return strings.Contains(logs.String(), "dispatcher exited")
	}, 50*time.Millisecond, 5*time.Millisecond, "cancellation is a normal exit")
	assert.Contains(t, logs.String(), "dispatcher starting")
}

func TestDispatcher_Run_Stop(t *testing.T) {
	d := NewDispatcher(WithLogger(quietLogger()))

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return d.State() == RunStateWaiting }, time.Second, time.Millisecond)
	d.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestDispatcher_Started_DeliversOnDispatcherGoroutine(t *testing.T) {
	d := startDispatcher(t)
	ev := NewEnvelope("ev")

	var onLoop atomic.Bool
	delivered := make(chan struct{})
	consumer := ConsumerFunc(func(*Envelope) ResultFlags {
		onLoop.Store(d.CurrentGoroutineIsDispatcher())
		close(delivered)
		return 0
	})

	require.True(t, ev.Occupy(nil, consumer, d, false))
	require.True(t, ev.Send(1))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
	assert.True(t, onLoop.Load())
	assert.False(t, d.CurrentGoroutineIsDispatcher())
}

func TestDispatcher_ConsumersNeverOverlap(t *testing.T) {
	d := startDispatcher(t)
	const producers = 8
	const perProducer = 50

	var active, maxActive, total atomic.Int32
	consumer := ConsumerFunc(func(*Envelope) ResultFlags {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		total.Add(1)
		active.Add(-1)
		return 0
	})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				ev := NewEnvelope("ev")
				if ev.Occupy(nil, consumer, d, false) {
					ev.Send(i)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return total.Load() == producers*perProducer }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestDispatcher_PingPong(t *testing.T) {
	d := startDispatcher(t)
	a, b := NewEnvelope("a"), NewEnvelope("b")
	require.NoError(t, Pair(a, b))

	const rounds = 20
	var volleys atomic.Int32
	finished := make(chan struct{})

	var player Consumer
	player = ConsumerFunc(func(e *Envelope) ResultFlags {
		n := volleys.Add(1)
		if n == rounds {
			close(finished)
			return 0
		}
		back := e.Opponent()
		if back.OccupyRecall(100*time.Millisecond, nil, player, d, false) != RecallBlocked {
			back.Send(int(n))
		}
		return 0
	})

	require.True(t, a.Occupy(nil, player, d, false))
	require.True(t, a.Send(0))

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("ping-pong did not finish")
	}
	require.Eventually(t, func() bool { return !a.IsOccupied() && !b.IsOccupied() }, time.Second, time.Millisecond)
}

type countingPollable struct {
	remaining int
	calls     int
}

func (p *countingPollable) Poll() bool {
	p.calls++
	if p.remaining == 0 {
		return false
	}
	p.remaining--
	return true
}

func TestDispatcher_Pollables(t *testing.T) {
	d, _ := newManualDispatcher(t)
	p := &countingPollable{remaining: 1}
	d.AddPollable(p)

	executed, _ := d.Tick()
	assert.True(t, executed, "busy pollable counts as work")

	executed, _ = d.Tick()
	assert.False(t, executed)
	assert.Equal(t, 2, p.calls)

	assert.True(t, d.RemovePollable(p))
	assert.False(t, d.RemovePollable(p))
	d.Tick()
	assert.Equal(t, 2, p.calls)
}

func TestDispatcher_PollablePanic(t *testing.T) {
	var hooked int
	d, _ := newManualDispatcher(t, WithFailureHook(func(error) { hooked++ }))
	d.AddPollable(PollFunc(func() bool { panic("poll") }))

	executed, _ := d.Tick()

	assert.False(t, executed)
	assert.Equal(t, 1, hooked)
}

func TestDispatcher_Tick_IdleWaitIsMaxSleep(t *testing.T) {
	d, _ := newManualDispatcher(t, WithMaxSleep(time.Second))

	executed, wait := d.Tick()

	assert.False(t, executed)
	assert.Equal(t, time.Second, wait)
}

func TestDispatcher_Tick_WaitNeverBelowMinSleep(t *testing.T) {
	d, _ := newManualDispatcher(t, WithTolerance(0), WithMinSleep(5*time.Millisecond))
	te := NewTimedEntry("te", nopConsumer, 0)
	require.True(t, te.Activate(d, time.Millisecond))

	_, wait := d.Tick()

	assert.Equal(t, 5*time.Millisecond, wait)
}

func TestDispatcher_StateInfo(t *testing.T) {
	d, _ := newManualDispatcher(t, WithName("main"))

	info := d.StateInfo()

	assert.Contains(t, info, "main")
	assert.Contains(t, info, "state=idle")
	assert.Equal(t, "main", d.Name())
}

func TestDispatcher_IsBusy(t *testing.T) {
	d, _ := newManualDispatcher(t)
	assert.False(t, d.IsBusy())

	ev := NewEnvelope("ev")
	require.True(t, ev.Occupy(nil, nopConsumer, d, false))
	require.True(t, ev.Send(0))
	assert.True(t, d.IsBusy())

	d.Tick()
	assert.False(t, d.IsBusy())
}

func TestRunState_String(t *testing.T) {
	assert.Equal(t, "idle", RunStateIdle.String())
	assert.Equal(t, "waiting", RunStateWaiting.String())
	assert.Equal(t, "finished", RunStateFinished.String())
}
