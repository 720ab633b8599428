// Package store provides SQLite-backed durable storage for orchestration
// instances.
//
// Tables:
//   - instances: snapshot of each instance, guarded by an optimistic version
//   - history: append-only recorded steps, UNIQUE(call_key)
//   - messages: audit trail, doubling as the append-log outbox
//   - artifacts: approved plan and code per client
//
// # Atomicity
//
// Commit writes the instance snapshot, the history entry and the audit
// messages of one transition in a single transaction. A stale version or a
// duplicate (instance_id, seq) aborts the whole transaction with ErrConflict.
//
// # Ordering
//
// History is read ORDER BY seq ASC. Messages are read ORDER BY created_at
// ASC, seq ASC. Timestamps are stored as fixed-width UTC text so that text
// order equals time order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
