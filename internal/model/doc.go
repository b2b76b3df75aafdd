// Package model defines the shared domain types of the offline-first
// inventory client: products, cache entries, queued mutations, auth sessions
// and the classified error taxonomy.
//
// # Critical Patterns
//
// Delta-Only Stock Writes:
//   - Stock changes travel as signed deltas (AdjustStock.Delta) end to end
//   - Deltas compose commutatively, so concurrent offline edits merge on the
//     server instead of overwriting each other
//
// Immutable Payloads:
//   - Mutation payloads are encoded once as RFC 8785 canonical JSON
//   - PayloadHash binds the bytes; readers verify it on every load
//
// Logical Ordering:
//   - QueueItem.Seq comes from a monotonic logical clock
//   - FIFO order is defined by Seq, never by wall-clock CreatedAt
package model
