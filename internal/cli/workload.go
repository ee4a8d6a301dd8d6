package cli

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/trace"
)

// volley bounces a command between paired envelopes on one dispatcher.
// Receiving c replies c+1 on the opponent until the limit is reached.
type volley struct {
	d       *engine.Dispatcher
	rec     *trace.Recorder
	limit   int
	replies atomic.Int64
	missed  atomic.Int64
}

func (v *volley) ProcessEvent(ev *engine.Envelope) engine.ResultFlags {
	cmd := ev.Command()
	opp := ev.Opponent()
	if cmd >= v.limit || opp == nil {
		return engine.ResultConsumed
	}
	if !opp.Occupy(v.rec, v, v.d, false) {
		v.missed.Add(1)
		return engine.ResultConsumed
	}
	v.rec.Note(trace.KindSent, opp.Name(), cmd+1, "")
	if opp.Send(cmd + 1) {
		v.replies.Add(1)
	}
	return engine.ResultConsumed
}

func (v *volley) StateInfo() string {
	return fmt.Sprintf("volley limit=%d replies=%d missed=%d", v.limit, v.replies.Load(), v.missed.Load())
}

// kicker restarts a volley on every pair once per heartbeat. It runs off
// the dispatcher goroutine and reclaims envelopes with OccupyRecall.
type kicker struct {
	pairs   [][2]*engine.Envelope
	volley  *volley
	timeout time.Duration

	mu      sync.Mutex
	kicks   int64
	recalls map[string]int64
}

func newKicker(pairs [][2]*engine.Envelope, v *volley, timeout time.Duration) *kicker {
	return &kicker{
		pairs:   pairs,
		volley:  v,
		timeout: timeout,
		recalls: make(map[string]int64),
	}
}

// run kicks every period until ctx is done.
func (k *kicker) run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	k.kickAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.kickAll()
		}
	}
}

func (k *kicker) kickAll() {
	for _, p := range k.pairs {
		k.kick(p[0])
	}
}

func (k *kicker) kick(ev *engine.Envelope) {
	v := k.volley
	res := ev.OccupyRecall(k.timeout, v.rec, v, v.d, false)

	k.mu.Lock()
	k.recalls[res.String()]++
	k.mu.Unlock()

	if res == engine.RecallBlocked {
		return
	}
	if res != engine.RecallFree {
		v.rec.Note(trace.KindRecall, ev.Name(), 0, res.String())
	}
	v.rec.Note(trace.KindSent, ev.Name(), 1, "")
	if ev.Send(1) {
		k.mu.Lock()
		k.kicks++
		k.mu.Unlock()
	}
}

// snapshot returns the kick count and recall outcomes.
func (k *kicker) snapshot() (int64, map[string]int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]int64, len(k.recalls))
	for r, n := range k.recalls {
		out[r] = n
	}
	return k.kicks, out
}
