package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/shelfsync/internal/cache"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/store"
)

// Store is the persistence the queue needs. *store.Store implements it.
type Store interface {
	InsertQueueItem(ctx context.Context, it model.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (model.QueueItem, error)
	ListQueueItems(ctx context.Context, statuses ...model.Status) ([]model.QueueItem, error)
	CountQueueItems(ctx context.Context, statuses ...model.Status) (int, error)
	UpdateQueueItem(ctx context.Context, id string, u store.ItemUpdate) error
	CompleteQueueItem(ctx context.Context, id string, at time.Time, alias *store.Alias) error
	IsCompleted(ctx context.Context, id string) (bool, error)
	DeleteQueueItem(ctx context.Context, id string, from model.Status) error
	MaxQueueSeq(ctx context.Context) (int64, error)
	ResolveAlias(ctx context.Context, localID int64) (int64, bool, error)
	MinLocalID(ctx context.Context) (int64, error)
}

// ErrNotFailed is returned by Discard and Requeue for items that are not
// in the failed state.
var ErrNotFailed = errors.New("queue item is not failed")

// unconfirmed lists the statuses whose effects are not yet confirmed.
var unconfirmed = []model.Status{model.StatusPending, model.StatusProcessing, model.StatusFailed}

// Queue is the persisted mutation queue of one client instance.
type Queue struct {
	store      Store
	cache      *cache.Cache
	ids        IDGenerator
	seq        *SeqClock
	clock      model.Clock
	maxRetries int
	logger     *slog.Logger

	mu        sync.Mutex
	nextLocal int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator sets the item ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithClock sets the wall clock used for item timestamps.
func WithClock(c model.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMaxRetries sets the attempts after which an item fails.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New opens the queue over st, resuming the seq clock and local ID
// allocation from persisted state.
func New(ctx context.Context, st Store, c *cache.Cache, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:      st,
		cache:      c,
		ids:        UUIDv7{},
		clock:      model.SystemClock{},
		maxRetries: model.DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	seq, err := st.MaxQueueSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	q.seq = NewSeqClockAt(seq)

	lowest, err := q.lowestLocalID(ctx)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	q.nextLocal = lowest - 1

	return q, nil
}

// MaxRetries returns the attempt bound.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// lowestLocalID returns the lowest local ID in use, or 0.
func (q *Queue) lowestLocalID(ctx context.Context) (int64, error) {
	lowest, err := q.store.MinLocalID(ctx)
	if err != nil {
		return 0, err
	}
	items, err := q.store.ListQueueItems(ctx, unconfirmed...)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if it.Kind != model.KindCreateProduct {
			continue
		}
		m, err := it.Mutation()
		if err != nil {
			return 0, err
		}
		lowest = min(lowest, m.Target())
	}
	if entry, ok, err := q.cache.Get(ctx, model.ProductsKey); err == nil && ok {
		products, err := cache.Decode[[]model.Product](entry)
		if err == nil {
			for _, p := range products {
				lowest = min(lowest, p.ID)
			}
		}
	}
	return lowest, nil
}

func (q *Queue) allocLocalID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextLocal
	q.nextLocal--
	return id
}

// Enqueue persists m as a pending item and applies it optimistically to the
// cached product collection, flagging it pendingSync.
//
// A CreateProduct without a LocalID is given the next local ID. If the
// collection is not cached, or does not contain the target product, the
// item is still queued and the server decides.
func (q *Queue) Enqueue(ctx context.Context, m model.Mutation) (model.QueueItem, error) {
	if cp, ok := m.(model.CreateProduct); ok && cp.LocalID == 0 {
		cp.LocalID = q.allocLocalID()
		m = cp
	}
	if m.Kind() == model.KindCreateProduct && !model.IsLocalID(m.Target()) {
		return model.QueueItem{}, fmt.Errorf("enqueue: create_product needs a negative local id, got %d", m.Target())
	}

	payload, hash, err := model.EncodeMutation(m)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	item := model.QueueItem{
		ID:          q.ids.NewID(),
		Kind:        m.Kind(),
		Payload:     payload,
		PayloadHash: hash,
		Status:      model.StatusPending,
		CreatedAt:   q.clock.Now(),
	}

	// Insert and optimistic apply happen under the cache lock so a
	// concurrent refresh sees either both or neither.
	_, err = q.cache.Mutate(ctx, model.ProductsKey, func(e *model.CacheEntry, found bool) error {
		var products []model.Product
		if found {
			if err := json.Unmarshal(e.Data, &products); err != nil {
				return fmt.Errorf("decode products: %w", err)
			}
			if i, ok := model.FindProduct(products, m.Target()); ok {
				prior := products[i]
				prior.PendingSync = false
				item.Prior = &prior
			}
		}

		item.Seq = q.seq.Next()
		if err := q.store.InsertQueueItem(ctx, item); err != nil {
			return err
		}
		if !found {
			return cache.ErrUnchanged
		}

		next, err := m.Apply(model.CloneProducts(products))
		if errors.Is(err, model.ErrNotCached) {
			return cache.ErrUnchanged
		}
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode products: %w", err)
		}
		e.Data = data
		e.PendingSync = true
		return nil
	})
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue %s: %w", m.Kind(), err)
	}

	q.logger.Debug("mutation enqueued",
		"item", item.ID,
		"seq", item.Seq,
		"kind", item.Kind,
		"target", m.Target(),
	)
	return item, nil
}

// DrainCandidates returns the pending items in FIFO (seq) order.
func (q *Queue) DrainCandidates(ctx context.Context) ([]model.QueueItem, error) {
	items, err := q.store.ListQueueItems(ctx, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("drain candidates: %w", err)
	}
	return items, nil
}

// List returns items in the given statuses (all when none) in seq order.
func (q *Queue) List(ctx context.Context, statuses ...model.Status) ([]model.QueueItem, error) {
	return q.store.ListQueueItems(ctx, statuses...)
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, id string) (model.QueueItem, error) {
	return q.store.GetQueueItem(ctx, id)
}

// Pending counts items awaiting confirmation (pending or processing).
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.CountQueueItems(ctx, model.StatusPending, model.StatusProcessing)
}

// Failed counts items that need the user's attention.
func (q *Queue) Failed(ctx context.Context) (int, error) {
	return q.store.CountQueueItems(ctx, model.StatusFailed)
}

// IsCompleted reports whether the server already confirmed item id.
func (q *Queue) IsCompleted(ctx context.Context, id string) (bool, error) {
	return q.store.IsCompleted(ctx, id)
}

// =============================================================================
// Status transitions (sync orchestrator only)
// =============================================================================

// Begin moves a pending item to processing.
func (q *Queue) Begin(ctx context.Context, it model.QueueItem) (model.QueueItem, error) {
	now := q.clock.Now()
	if err := q.store.UpdateQueueItem(ctx, it.ID, store.ItemUpdate{
		From:          model.StatusPending,
		To:            model.StatusProcessing,
		Attempts:      it.Attempts,
		LastAttemptAt: now,
		LastError:     it.LastError,
	}); err != nil {
		return it, fmt.Errorf("begin: %w", err)
	}
	it.Status = model.StatusProcessing
	it.LastAttemptAt = now
	return it, nil
}

// Retry records a failed attempt of a processing item. The item returns to
// pending, or fails with QUEUE_EXHAUSTED once it has used all attempts.
func (q *Queue) Retry(ctx context.Context, it model.QueueItem, cause error) (model.QueueItem, error) {
	attempts := min(it.Attempts+1, q.maxRetries)
	to := model.StatusPending
	msg := errorText(cause)
	if attempts >= q.maxRetries {
		to = model.StatusFailed
		msg = model.NewQueueExhausted(attempts, cause).Error()
	}
	return q.transition(ctx, it, to, attempts, msg)
}

// Fail records a terminal failure of a processing item.
func (q *Queue) Fail(ctx context.Context, it model.QueueItem, cause error) (model.QueueItem, error) {
	attempts := min(it.Attempts+1, q.maxRetries)
	return q.transition(ctx, it, model.StatusFailed, attempts, errorText(cause))
}

// Release returns a processing item to pending without counting an
// attempt. Used when the attempt never reached the server, e.g. because the
// session was terminated.
func (q *Queue) Release(ctx context.Context, it model.QueueItem) (model.QueueItem, error) {
	return q.transition(ctx, it, model.StatusPending, it.Attempts, it.LastError)
}

func (q *Queue) transition(ctx context.Context, it model.QueueItem, to model.Status, attempts int, lastError string) (model.QueueItem, error) {
	if err := q.store.UpdateQueueItem(ctx, it.ID, store.ItemUpdate{
		From:          model.StatusProcessing,
		To:            to,
		Attempts:      attempts,
		LastAttemptAt: it.LastAttemptAt,
		LastError:     lastError,
	}); err != nil {
		return it, fmt.Errorf("%s -> %s: %w", it.Status, to, err)
	}
	it.Status = to
	it.Attempts = attempts
	it.LastError = lastError
	return it, nil
}

// RecoverInterrupted returns items left processing by a crash to pending.
// The interrupted attempt is not counted; the Idempotency-Key makes a
// resend safe if it did reach the server.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	items, err := q.store.ListQueueItems(ctx, model.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted: %w", err)
	}
	for _, it := range items {
		if _, err := q.Release(ctx, it); err != nil {
			return 0, fmt.Errorf("recover interrupted: %w", err)
		}
	}
	if len(items) > 0 {
		q.logger.Info("recovered interrupted queue items", "count", len(items))
	}
	return len(items), nil
}

// Requeue moves a failed item back to pending with a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, id string) (model.QueueItem, error) {
	it, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("requeue: %w", err)
	}
	if it.Status != model.StatusFailed {
		return it, fmt.Errorf("requeue %s (%s): %w", id, it.Status, ErrNotFailed)
	}
	if err := q.store.UpdateQueueItem(ctx, id, store.ItemUpdate{
		From:          model.StatusFailed,
		To:            model.StatusPending,
		Attempts:      0,
		LastAttemptAt: it.LastAttemptAt,
		LastError:     it.LastError,
	}); err != nil {
		return it, fmt.Errorf("requeue: %w", err)
	}
	it.Status = model.StatusPending
	it.Attempts = 0
	return it, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
