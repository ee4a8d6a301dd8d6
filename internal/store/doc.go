// Package store provides a SQLite-backed journal of envelope lifecycle events.
//
// The journal is append-only:
//   - Runs: one row per recorded dispatcher session, with its trace digest
//     and final Stats
//   - Lifecycle events: trace.Event rows keyed by (run_id, seq)
//
// # Critical Patterns
//
// Logical ordering:
//   - All queries order by seq, the recorder's logical clock
//   - started_at is informational only
//
// Idempotent writes:
//   - Events use ON CONFLICT DO NOTHING, so a retried flush cannot duplicate rows
//
// # Schema History
//
// schema.sql holds the base tables. Later changes are migrations keyed by
// PRAGMA user_version and applied by Open, each in its own transaction:
//   - v1: index for per-envelope history
//   - v2: index for per-kind counts
//   - v3: runs.finished_at
//
// # Connection Settings
//
// Passed as driver DSN parameters, so every pooled connection gets them:
// WAL journal, synchronous=NORMAL, a 5 second busy timeout and foreign keys.
package store
