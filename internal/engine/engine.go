package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/roach88/shelfsync/internal/cache"
	"github.com/roach88/shelfsync/internal/client"
	"github.com/roach88/shelfsync/internal/connectivity"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/store"
)

const (
	// DefaultInterval is the period of the background drain trigger.
	DefaultInterval = 10 * time.Minute

	// DefaultItemDelay paces consecutive items within a cycle.
	DefaultItemDelay = 100 * time.Millisecond
)

// Sender is the part of the inventory API the engine drives.
// *client.API implements it.
type Sender interface {
	AdjustStock(ctx context.Context, id, delta int64, notes string, opts ...client.RequestOption) (model.Product, error)
	CreateProduct(ctx context.Context, in model.ProductInput, opts ...client.RequestOption) (model.Product, error)
	DeleteProduct(ctx context.Context, id int64, opts ...client.RequestOption) error
	ListProducts(ctx context.Context, opts ...client.RequestOption) ([]model.Product, error)
	ShipLogs(ctx context.Context, records []client.Record) error
}

// Config tunes the engine.
type Config struct {
	// Interval is the period of the background trigger.
	Interval time.Duration

	// ItemDelay is the minimum spacing between items in one cycle.
	// Zero disables pacing.
	ItemDelay time.Duration

	// RefreshAfterCycle re-fetches the product collection after a cycle
	// that completed at least one item.
	RefreshAfterCycle bool
}

// Engine is the sync orchestrator.
//
// Thread-safety model:
//   - Drain, Trigger, Discard, Requeue: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - Only the engine moves queue items between statuses
type Engine struct {
	queue   *queue.Queue
	cache   *cache.Cache
	api     Sender
	monitor *connectivity.Monitor
	shipper *client.LogShipper
	cfg     Config
	clock   model.Clock
	logger  *slog.Logger
	metrics *metrics

	triggers *triggerQueue

	// cycle serializes drain cycles and user queue operations.
	cycle sync.Mutex

	mu   sync.Mutex
	last *CycleReport
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for report timestamps.
func WithClock(c model.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegisterer registers the engine metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = newMetrics(reg) }
}

// WithLogShipper flushes s to the service after each cycle.
func WithLogShipper(s *client.LogShipper) Option {
	return func(e *Engine) { e.shipper = s }
}

// New creates an engine. Zero Config fields take their defaults, except
// ItemDelay which is honored as given.
func New(q *queue.Queue, c *cache.Cache, api Sender, monitor *connectivity.Monitor, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	e := &Engine{
		queue:    q,
		cache:    c,
		api:      api,
		monitor:  monitor,
		cfg:      cfg,
		clock:    model.SystemClock{},
		logger:   slog.Default(),
		triggers: newTriggerQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}
	return e
}

// Trigger requests a drain cycle from the Run loop.
// Returns false once the engine has stopped.
func (e *Engine) Trigger(reason Reason) bool {
	return e.triggers.Enqueue(Trigger{Reason: reason, At: e.clock.Now()})
}

// LastReport returns the report of the most recent cycle.
func (e *Engine) LastReport() (CycleReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return CycleReport{}, false
	}
	return *e.last, true
}

// Run is the single-writer trigger loop. It blocks until ctx is done or
// Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting", "interval", e.cfg.Interval, "item_delay", e.cfg.ItemDelay)

	transitions, unsubscribe := e.monitor.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Trigger(ReasonStartup)

	for {
		if t, ok := e.triggers.TryDequeue(); ok {
			coalesced := e.triggers.DrainAll()
			e.runCycle(ctx, t, len(coalesced))
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			e.triggers.Close()
			return ctx.Err()

		case <-e.triggers.Wait():
			// The signal channel is closed by Stop.
			if e.triggers.Closed() && e.triggers.Len() == 0 {
				e.logger.Info("sync engine stopping: stopped")
				return nil
			}

		case <-ticker.C:
			e.Trigger(ReasonPeriodic)

		case tr, ok := <-transitions:
			if ok && tr.CameOnline() {
				e.Trigger(ReasonOnline)
			}
		}
	}
}

// Stop makes Run return.
func (e *Engine) Stop() {
	e.triggers.Close()
}

func (e *Engine) runCycle(ctx context.Context, t Trigger, coalesced int) {
	e.logger.Debug("sync cycle triggered", "reason", t.Reason, "coalesced", coalesced)

	report, err := e.Drain(ctx)
	switch {
	case IsCycleInProgress(err):
		e.logger.Debug("sync cycle skipped: another cycle is running", "reason", t.Reason)
	case err != nil && ctx.Err() == nil:
		e.logger.Error("sync cycle failed", "reason", t.Reason, "error", err)
	case err == nil && !report.Skipped:
		e.logger.Info("sync cycle finished",
			"reason", t.Reason,
			"completed", report.Count(OutcomeCompleted),
			"retry", report.Count(OutcomeRetry),
			"failed", report.Count(OutcomeFailed),
			"pending", report.Pending,
			"stopped", report.Stopped,
		)
	}
}

// Drain runs one cycle now. Returns ErrCycleInProgress if another cycle is
// running; the caller's request is not queued.
func (e *Engine) Drain(ctx context.Context) (CycleReport, error) {
	if !e.cycle.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.cycle.Unlock()

	report, err := e.drain(ctx)
	if err != nil {
		e.metrics.cycles.WithLabelValues("error").Inc()
		return report, err
	}

	e.mu.Lock()
	e.last = &report
	e.mu.Unlock()
	return report, nil
}

// drain runs a cycle. Caller holds e.cycle.
func (e *Engine) drain(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: e.clock.Now(), Items: []ItemOutcome{}}

	if !e.monitor.Online() {
		report.Skipped = true
		report.Stopped = StopOffline
		report.FinishedAt = e.clock.Now()
		e.metrics.cycles.WithLabelValues("skipped").Inc()
		if err := e.depth(ctx, &report); err != nil {
			return report, err
		}
		return report, nil
	}

	began := time.Now()

	// Nothing else drains, so items still processing were cut off by a crash.
	recovered, err := e.queue.RecoverInterrupted(ctx)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}
	report.Recovered = recovered

	items, err := e.queue.DrainCandidates(ctx)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if e.cfg.ItemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(e.cfg.ItemDelay), 1)
	}

	for _, it := range items {
		if err := limiter.Wait(ctx); err != nil {
			report.Stopped = StopCanceled
			break
		}
		out, stop := e.process(ctx, it)
		report.Items = append(report.Items, out)
		e.metrics.items.WithLabelValues(string(out.Outcome)).Inc()
		if stop != StopNone {
			report.Stopped = stop
			break
		}
	}

	e.flushTelemetry(ctx)

	if e.cfg.RefreshAfterCycle && report.Count(OutcomeCompleted) > 0 && e.monitor.Online() {
		if _, err := e.Refresh(ctx); err != nil {
			e.logger.Warn("post-cycle refresh failed", "error", err)
		} else {
			report.Refreshed = true
		}
	}

	if err := e.depth(ctx, &report); err != nil {
		return report, err
	}
	report.FinishedAt = e.clock.Now()

	result := "completed"
	if report.Stopped != StopNone {
		result = string(report.Stopped)
	}
	e.metrics.cycles.WithLabelValues(result).Inc()
	e.metrics.duration.Observe(time.Since(began).Seconds())
	return report, nil
}

// process sends one item and records its outcome. A panic is contained and
// recorded as a failure of this item only.
func (e *Engine) process(ctx context.Context, it model.QueueItem) (out ItemOutcome, stop StopReason) {
	out = ItemOutcome{ItemID: it.ID, Seq: it.Seq, Kind: it.Kind, Attempts: it.Attempts}
	begun := false

	defer func() {
		if r := recover(); r != nil {
			err := &ItemPanicError{ItemID: it.ID, Value: r}
			e.logger.Error("queue item panicked", "item", it.ID, "kind", it.Kind, "panic", r)
			out, stop = e.isolate(ctx, it, begun, err), StopNone
		}
	}()

	done, err := e.queue.IsCompleted(ctx, it.ID)
	if err != nil {
		return e.isolate(ctx, it, false, err), StopNone
	}
	if done {
		e.logger.Warn("queue item already confirmed, skipping", "item", it.ID)
		out.Outcome = OutcomeSkipped
		return out, StopNone
	}

	it, err = e.queue.Begin(ctx, it)
	if errors.Is(err, store.ErrTransitionConflict) || errors.Is(err, store.ErrItemNotFound) {
		out.Outcome = OutcomeSkipped
		return out, StopNone
	}
	if err != nil {
		return e.isolate(ctx, it, false, err), StopNone
	}
	begun = true

	m, err := e.queue.Resolve(ctx, it)
	if err != nil {
		return e.settle(ctx, it, err)
	}

	result, err := e.send(ctx, it.ID, m)
	if err != nil {
		return e.settle(ctx, it, err)
	}

	if err := e.queue.Complete(ctx, it, result); err != nil {
		return e.isolate(ctx, it, true, err), StopNone
	}
	e.logger.Debug("queue item confirmed", "item", it.ID, "kind", it.Kind, "target", m.Target())
	out.Outcome = OutcomeCompleted
	out.Attempts = it.Attempts + 1
	return out, StopNone
}

// send performs the item's single attempt.
func (e *Engine) send(ctx context.Context, itemID string, m model.Mutation) (*model.Product, error) {
	opts := []client.RequestOption{client.NoRetry(), client.IdempotencyKey(itemID)}

	switch m := m.(type) {
	case model.AdjustStock:
		p, err := e.api.AdjustStock(ctx, m.ProductID, m.Delta, m.Notes, opts...)
		if err != nil {
			return nil, err
		}
		return &p, nil

	case model.CreateProduct:
		p, err := e.api.CreateProduct(ctx, m.Input(), opts...)
		if err != nil {
			return nil, err
		}
		return &p, nil

	case model.DeleteProduct:
		err := e.api.DeleteProduct(ctx, m.ProductID, opts...)
		// Already gone is the state the delete asked for.
		if client.StatusOf(err) == http.StatusNotFound {
			e.logger.Info("product already deleted on server", "product", m.ProductID)
			return nil, nil
		}
		return nil, err

	default:
		return nil, fmt.Errorf("send: unsupported mutation %T", m)
	}
}

// settle records a failed attempt of a processing item.
func (e *Engine) settle(ctx context.Context, it model.QueueItem, cause error) (ItemOutcome, StopReason) {
	out := ItemOutcome{ItemID: it.ID, Seq: it.Seq, Kind: it.Kind, Attempts: it.Attempts, Error: cause.Error()}

	switch {
	case client.IsSessionTerminated(cause):
		// Never reached the server with valid credentials; not an attempt.
		if _, err := e.queue.Release(ctx, it); err != nil {
			return e.isolate(ctx, it, true, err), StopNone
		}
		e.logger.Warn("sync stopped: session terminated", "item", it.ID, "error", cause)
		out.Outcome = OutcomeReleased
		return out, StopSessionTerminated

	case ctx.Err() != nil:
		if _, err := e.queue.Release(context.WithoutCancel(ctx), it); err != nil {
			return e.isolate(context.WithoutCancel(ctx), it, true, err), StopCanceled
		}
		out.Outcome = OutcomeReleased
		return out, StopCanceled

	// A 401 that survives a successful refresh counts as an attempt.
	case model.IsRetryable(cause) || model.CodeOf(cause) == model.ErrCodeAuthExpired:
		updated, err := e.queue.Retry(ctx, it, cause)
		if err != nil {
			return e.isolate(ctx, it, true, err), StopNone
		}
		out.Attempts = updated.Attempts
		out.Outcome = OutcomeRetry
		if updated.Status == model.StatusFailed {
			out.Outcome = OutcomeFailed
			out.Error = updated.LastError
			e.logger.Warn("queue item exhausted its attempts", "item", it.ID, "attempts", updated.Attempts, "error", cause)
		}
		if model.CodeOf(cause) == model.ErrCodeNetworkUnavailable {
			e.monitor.SetOnline(false)
			return out, StopNetworkUnavailable
		}
		return out, StopNone

	default:
		updated, err := e.queue.Fail(ctx, it, cause)
		if err != nil {
			return e.isolate(ctx, it, true, err), StopNone
		}
		e.logger.Warn("queue item failed", "item", it.ID, "kind", it.Kind, "error", cause)
		out.Attempts = updated.Attempts
		out.Outcome = OutcomeFailed
		return out, StopNone
	}
}

// isolate records an unexpected error (or panic) as a failure of this item.
func (e *Engine) isolate(ctx context.Context, it model.QueueItem, begun bool, cause error) ItemOutcome {
	out := ItemOutcome{ItemID: it.ID, Seq: it.Seq, Kind: it.Kind, Attempts: it.Attempts, Outcome: OutcomeFailed, Error: cause.Error()}
	e.logger.Error("queue item processing error", "item", it.ID, "error", cause)
	if !begun {
		return out
	}
	it.Status = model.StatusProcessing
	if updated, err := e.queue.Fail(ctx, it, cause); err != nil {
		e.logger.Error("could not mark queue item failed", "item", it.ID, "error", err)
	} else {
		out.Attempts = updated.Attempts
	}
	return out
}

func (e *Engine) flushTelemetry(ctx context.Context) {
	if e.shipper == nil || e.shipper.Len() == 0 {
		return
	}
	if err := e.shipper.Flush(ctx, e.api); err != nil {
		e.logger.Debug("telemetry flush failed, kept for next cycle", "error", err, "buffered", e.shipper.Len())
	}
}

// depth fills the report counts and the queue depth gauge.
func (e *Engine) depth(ctx context.Context, report *CycleReport) error {
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	failed, err := e.queue.Failed(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	report.Pending, report.Failed = pending, failed
	e.metrics.queueDepth.WithLabelValues("pending").Set(float64(pending))
	e.metrics.queueDepth.WithLabelValues("failed").Set(float64(failed))
	return nil
}

// Refresh re-fetches the product collection, overlaying unconfirmed items.
func (e *Engine) Refresh(ctx context.Context) (cache.Entry, error) {
	return e.cache.Refresh(ctx, model.ProductsKey, func(ctx context.Context) (any, error) {
		return e.api.ListProducts(ctx)
	}, e.queue.Reconciler())
}

// Discard drops a failed item and rolls back its local effect. It waits
// for a running cycle to finish.
func (e *Engine) Discard(ctx context.Context, id string) (model.QueueItem, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()
	return e.queue.Discard(ctx, id)
}

// Requeue gives a failed item a fresh attempt budget and requests a cycle.
func (e *Engine) Requeue(ctx context.Context, id string) (model.QueueItem, error) {
	e.cycle.Lock()
	it, err := e.queue.Requeue(ctx, id)
	e.cycle.Unlock()
	if err != nil {
		return it, err
	}
	e.Trigger(ReasonUser)
	return it, nil
}
