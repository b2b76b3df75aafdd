// Package store provides SQLite-backed durable state for one shelfsync
// client instance.
//
// The store holds:
//   - Cache entries: versioned, timestamped snapshots of server data
//   - Queue items: persisted pending writes with their status machine fields
//   - Completed items: ledger of item IDs the server has confirmed
//   - ID aliases: local (negative) product IDs mapped to server IDs
//   - Auth session: the single secured credential row
//
// # Critical Patterns
//
// Immutable Payloads:
//   - A trigger aborts any UPDATE of queue_items.kind/payload/payload_hash
//
// Conditional Transitions:
//   - Status updates are compare-and-set on the expected current status
//   - A lost race returns ErrTransitionConflict instead of overwriting
//
// Deterministic Order:
//   - Queue reads always ORDER BY seq ASC, never by timestamps
//
// Atomic Completion:
//   - Deleting a completed item and recording it in the ledger is one
//     transaction, so a replayed item is recognised after a crash
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
