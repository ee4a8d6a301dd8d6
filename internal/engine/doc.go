// Package engine implements the relay event-dispatch core.
//
// The engine moves reusable Envelopes from producers to Consumers. An
// envelope is claimed with Occupy, filled, and handed over with Send;
// it returns to the free state once its consumer is done with it, and is
// then ready for the next producer. Envelopes are usually allocated once
// and reused for the lifetime of a component.
//
// ARCHITECTURE:
//
// Single-Goroutine Dispatcher:
// A Dispatcher runs every consumer callback and order action on one
// goroutine. This ensures:
// - No two callbacks of one dispatcher overlap
// - Ready-queue envelopes are processed in arrival order
// - Timed entries fire in deadline order, ties broken by insertion order
//
// Loop Pass (Dispatcher.Tick):
// 1. If the next check is overdue, fire every timed entry due within
//    tolerance that was scheduled before the pass began
// 2. Drain the ready queue, including envelopes queued during the drain
// 3. Poll registered Pollables
// 4. Otherwise sleep until the next deadline or until woken
//
// Inline delivery: an envelope occupied without a dispatcher runs its
// consumer synchronously inside Send, on the sender's goroutine.
//
// CRITICAL PATTERNS:
//
// Occupancy Token:
// Each occupancy is identified by a monotonic epoch drawn from a
// process-wide Clock. The epoch and the lifecycle State share one atomic
// word, so IsOccupied and State always agree. Every release is a
// CompareAndSwap on the exact epoch, so a stale holder (one whose
// occupancy was force-released by OccupyRecall) can never free the new
// occupant's envelope.
//
// Recall:
// OccupyRecall reclaims an envelope that may still be in flight: plain
// occupy, removal from the ready queue, a bounded wait for release, and
// finally a forced release of an occupancy older than the hang threshold.
//
// Windup:
// Re-arming a pending timed entry past its latest bound is ignored and
// counted; the earlier deadline stays binding.
package engine
