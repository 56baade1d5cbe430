// Package storage provides the persistence layer used by the coordination
// engine.
//
// It currently supports:
//   - Device and session records (reconciled by session version on load)
//   - Queue snapshots and dead letters (so a restart does not lose messages)
//   - Dedup keys (so duplicate suppression survives restarts)
//
// The backing store is treated as eventually consistent: reads may be stale
// and callers reconcile using the session version counter.
package storage
