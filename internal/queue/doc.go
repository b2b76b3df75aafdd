// Package queue implements the persisted mutation queue.
//
// Writes made on the device are recorded as queue items and applied
// optimistically to the cached product collection at once, so the clerk
// sees the change before the server confirms it.
//
// # Critical Patterns
//
// Strict FIFO:
//   - Items drain in seq order; nothing is reordered or coalesced, even
//     several items for the same product
//
// Single Writer of Status:
//   - Begin/Complete/Retry/Fail/Release are called by the sync orchestrator
//     only. User actions (Discard, Requeue) are routed through it too
//
// Overlay Instead of Overwrite:
//   - Server data written to the cache always has every unconfirmed item
//     re-applied on top, so a refresh never hides a local change
//
// Local IDs:
//   - Products created offline get negative IDs. When the create completes
//     the local ID is aliased to the server ID and later items are resolved
//     before they are sent
package queue
