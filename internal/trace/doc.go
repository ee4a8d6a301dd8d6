// Package trace records envelope lifecycle events and serializes them as
// canonical JSON.
//
// A Recorder is an engine.SourceNotifier: attach it to the envelopes and
// timed entries of a run and it captures every dequeue, consumption,
// release and refused occupy in the order they happened. The harness
// compares these traces against golden files, and the store journals them.
//
// Key design constraints:
//   - Events carry a logical seq for ordering; at_ms is informational
//   - Canonical JSON only: sorted keys, NFC strings, no floats, no null
//   - The same run on a manual clock produces byte-identical output
package trace
