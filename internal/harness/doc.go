// Package harness runs dispatcher scenarios written in YAML.
//
// A scenario declares envelopes and timers, drives them through steps on
// a Dispatcher that is ticked by hand against a manual clock, and asserts
// on the recorded lifecycle trace. Because nothing depends on wall time or
// goroutine scheduling, the same scenario always yields the same trace
// and digest, so traces can be pinned in golden files.
//
// # Scenario Format
//
//	name: ping_pong
//	description: "Two paired envelopes bounce a command"
//	settings:
//	  tolerance: 3ms
//	envelopes:
//	  - name: ping
//	    consumer: echo
//	    reply_until: 3
//	    pair: pong
//	  - name: pong
//	    consumer: echo
//	    reply_until: 3
//	timers:
//	  - name: beat
//	    kind: order
//	    period: 10ms
//	steps:
//	  - send: { envelope: ping, cmd: 1 }
//	  - tick: 1
//	  - arm: { timer: beat, delay: 10ms }
//	  - advance: 11ms
//	  - tick: 1
//	assertions:
//	  - type: trace_order
//	    events: ["sent ping 1", "consumed pong 2", "consumed ping 3"]
//	  - type: final_state
//	    envelope: ping
//	    state: free
//
// # Steps
//
//   - send: occupy the envelope (unless already held) and send cmd
//   - occupy / relinquish: take or free an envelope without sending
//   - recall: OccupyRecall with a timeout; the outcome is noted in the trace
//   - arm / cancel: activate or deactivate a timer
//   - advance: move the manual clock
//   - tick: run Dispatcher.Tick the given number of times
//
// # Consumers
//
//   - sink: consume and release
//   - echo: answer cmd c with c+1 on the opponent while c < reply_until
//   - defer: keep the envelope occupied after returning
//   - panic: panic, exercising the failure path
//
// # Assertion Types
//
//   - trace_contains: an event matches kind/envelope/cmd/detail
//   - trace_order: "kind envelope [cmd]" patterns appear in order
//   - trace_count: exactly N events match kind/envelope
//   - final_state: an envelope or timer ends in the given state
//   - stats: dispatcher counters equal the given values
package harness
