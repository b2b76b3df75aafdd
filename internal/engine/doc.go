// Package engine implements the sync orchestrator.
//
// The engine drains the mutation queue against the inventory service when
// the device is online. It reacts to connectivity transitions, a periodic
// timer and explicit user requests.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// Run processes cycle triggers in one goroutine. Triggers are enqueued from
// any goroutine (connectivity monitor, ticker, inventory writes, CLI) and
// those that arrive while a cycle is running coalesce into one follow-up
// cycle.
//
// Drain Cycle:
//  1. TryLock the cycle mutex; a concurrent Drain gets ErrCycleInProgress
//  2. Skip when offline
//  3. Snapshot pending items in seq order; later writes wait for the next cycle
//  4. Send each item once, sequentially, paced by a rate limiter
//  5. Flush client telemetry and optionally refresh the product cache
//
// CRITICAL PATTERNS:
//
// At-Most-Once Confirmation:
// Every item is sent with its ID as Idempotency-Key, and confirmed items
// land in the completion ledger in the same transaction that removes them
// from the queue. A resend after a crash is answered from the server's
// replay store and never applied twice.
//
// The Queue Counts Attempts:
// Items are sent with client.NoRetry so one cycle makes at most one attempt
// per item. The attempt bound lives in the queue.
package engine
