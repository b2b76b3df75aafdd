// Package inventory is the clerk-facing surface of the client core.
//
// Reads are served from the cache (stale-but-available) and refreshed from
// the server when expired. Writes never wait for the network: they are
// queued, applied optimistically and drained by the sync engine.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/shelfsync/internal/cache"
	"github.com/roach88/shelfsync/internal/client"
	"github.com/roach88/shelfsync/internal/connectivity"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/queue"
)

var (
	// ErrProductNotFound is returned when a product is neither cached nor
	// known to the server.
	ErrProductNotFound = errors.New("product not found")

	// ErrInsufficientStock is returned when a write would take cached
	// stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrNoChange is returned by SetStock when the quantity is already set.
	ErrNoChange = errors.New("stock already at requested quantity")
)

// Snapshot is cached server data together with its freshness.
type Snapshot[T any] struct {
	Data             T         `json:"data"`
	IsExpired        bool      `json:"is_expired"`
	Stale            bool      `json:"stale"`
	PendingSync      bool      `json:"pending_sync"`
	Version          int64     `json:"version"`
	FetchedAt        time.Time `json:"fetched_at"`
	LastRefreshError string    `json:"last_refresh_error,omitempty"`
}

func snapshotOf[T any](data T, e cache.Entry) Snapshot[T] {
	return Snapshot[T]{
		Data:             data,
		IsExpired:        e.Expired,
		Stale:            e.Stale,
		PendingSync:      e.PendingSync,
		Version:          e.Version,
		FetchedAt:        e.FetchedAt,
		LastRefreshError: e.LastRefreshError,
	}
}

// Reader is the read side of the inventory API. *client.API implements it.
type Reader interface {
	ListProducts(ctx context.Context, opts ...client.RequestOption) ([]model.Product, error)
	GetProduct(ctx context.Context, id int64, opts ...client.RequestOption) (model.Product, error)
}

// SessionSource reports the stored session.
type SessionSource interface {
	Session(ctx context.Context) (model.AuthSession, error)
}

// Service serves product reads and accepts writes.
type Service struct {
	cache    *cache.Cache
	queue    *queue.Queue
	api      Reader
	engine   *engine.Engine
	monitor  *connectivity.Monitor
	sessions SessionSource
	clock    model.Clock
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEngine nudges e after every accepted write while online.
func WithEngine(e *engine.Engine) ServiceOption {
	return func(s *Service) { s.engine = e }
}

// WithSessions reports login state in Status.
func WithSessions(src SessionSource) ServiceOption {
	return func(s *Service) { s.sessions = src }
}

// WithServiceClock overrides the wall clock.
func WithServiceClock(c model.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service over an already wired cache and queue.
func NewService(c *cache.Cache, q *queue.Queue, api Reader, m *connectivity.Monitor, opts ...ServiceOption) *Service {
	s := &Service{
		cache:   c,
		queue:   q,
		api:     api,
		monitor: m,
		clock:   model.SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) load(ctx context.Context) (any, error) {
	return s.api.ListProducts(ctx)
}

// Products returns the product collection. A fresh cached copy is returned
// as is; otherwise (or when refresh is set) the server is asked, and on
// failure the cached copy is served marked stale.
func (s *Service) Products(ctx context.Context, refresh bool) (Snapshot[[]model.Product], error) {
	var (
		e   cache.Entry
		err error
	)
	if refresh {
		e, err = s.cache.Refresh(ctx, model.ProductsKey, s.load, s.queue.Reconciler())
	} else {
		e, err = s.cache.Fetch(ctx, model.ProductsKey, s.load, s.queue.Reconciler())
	}
	if err != nil {
		return Snapshot[[]model.Product]{}, fmt.Errorf("products: %w", err)
	}
	products, err := cache.Decode[[]model.Product](e)
	if err != nil {
		return Snapshot[[]model.Product]{}, fmt.Errorf("products: %w", err)
	}
	if products == nil {
		products = []model.Product{}
	}
	return snapshotOf(products, e), nil
}

// Refresh forces a server read of the product collection.
func (s *Service) Refresh(ctx context.Context) (Snapshot[[]model.Product], error) {
	return s.Products(ctx, true)
}

// Product returns one product from the collection snapshot. A product the
// snapshot does not contain is looked up on the server when online.
func (s *Service) Product(ctx context.Context, id int64) (Snapshot[model.Product], error) {
	all, err := s.Products(ctx, false)
	if err == nil {
		if i, ok := model.FindProduct(all.Data, id); ok {
			snap := Snapshot[model.Product]{
				Data:             all.Data[i],
				IsExpired:        all.IsExpired,
				Stale:            all.Stale,
				PendingSync:      all.Data[i].PendingSync,
				Version:          all.Version,
				FetchedAt:        all.FetchedAt,
				LastRefreshError: all.LastRefreshError,
			}
			return snap, nil
		}
	} else if !model.IsRetryable(err) || !s.monitor.Online() {
		return Snapshot[model.Product]{}, err
	}

	if model.IsLocalID(id) || !s.monitor.Online() {
		return Snapshot[model.Product]{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	p, err := s.api.GetProduct(ctx, id)
	if client.StatusOf(err) == http.StatusNotFound {
		return Snapshot[model.Product]{}, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
	}
	if err != nil {
		return Snapshot[model.Product]{}, fmt.Errorf("product %d: %w", id, err)
	}
	return Snapshot[model.Product]{Data: p, FetchedAt: s.clock.Now()}, nil
}

// cached returns the product as the cache currently shows it.
func (s *Service) cached(ctx context.Context, id int64) (model.Product, bool, error) {
	products, _, ok, err := cache.GetAs[[]model.Product](ctx, s.cache, model.ProductsKey)
	if err != nil || !ok {
		return model.Product{}, false, err
	}
	i, found := model.FindProduct(products, id)
	if !found {
		return model.Product{}, false, nil
	}
	return products[i], true, nil
}

// AdjustStock queues a signed stock change.
func (s *Service) AdjustStock(ctx context.Context, id, delta int64, notes string) (model.QueueItem, error) {
	if delta == 0 {
		return model.QueueItem{}, errors.New("adjust stock: delta must not be zero")
	}
	p, ok, err := s.cached(ctx, id)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("adjust stock: %w", err)
	}
	if ok && p.StockQuantity+delta < 0 {
		return model.QueueItem{}, fmt.Errorf("adjust stock of product %d by %d (have %d): %w",
			id, delta, p.StockQuantity, ErrInsufficientStock)
	}
	return s.enqueue(ctx, model.AdjustStock{ProductID: id, Delta: delta, Notes: notes})
}

// SetStock sets an absolute quantity. It is sent as the delta from the
// quantity the cache shows, so concurrent writers still merge.
func (s *Service) SetStock(ctx context.Context, id, quantity int64, notes string) (model.QueueItem, error) {
	if quantity < 0 {
		return model.QueueItem{}, fmt.Errorf("set stock: quantity %d: %w", quantity, ErrInsufficientStock)
	}
	p, ok, err := s.cached(ctx, id)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("set stock: %w", err)
	}
	if !ok {
		return model.QueueItem{}, fmt.Errorf("set stock: product %d is not cached: %w", id, ErrProductNotFound)
	}
	delta := quantity - p.StockQuantity
	if delta == 0 {
		return model.QueueItem{}, ErrNoChange
	}
	return s.enqueue(ctx, model.AdjustStock{ProductID: id, Delta: delta, Notes: notes})
}

// CreateProduct queues a new product. It appears in the cache at once under
// a negative local ID.
func (s *Service) CreateProduct(ctx context.Context, in model.ProductInput) (model.QueueItem, error) {
	var problems []string
	if strings.TrimSpace(in.Name) == "" {
		problems = append(problems, "name is required")
	}
	if in.StockQuantity < 0 {
		problems = append(problems, "stock quantity cannot be negative")
	}
	if in.PriceCents < 0 || in.CostCents < 0 {
		problems = append(problems, "prices cannot be negative")
	}
	if len(problems) > 0 {
		return model.QueueItem{}, fmt.Errorf("create product: %s", strings.Join(problems, "; "))
	}
	return s.enqueue(ctx, model.CreateProduct{
		Name:          in.Name,
		Description:   in.Description,
		SKU:           in.SKU,
		UPC:           in.UPC,
		PriceCents:    in.PriceCents,
		CostCents:     in.CostCents,
		StockQuantity: in.StockQuantity,
		SupplierID:    in.SupplierID,
		CategoryID:    in.CategoryID,
	})
}

// DeleteProduct queues a delete.
func (s *Service) DeleteProduct(ctx context.Context, id int64) (model.QueueItem, error) {
	return s.enqueue(ctx, model.DeleteProduct{ProductID: id})
}

func (s *Service) enqueue(ctx context.Context, m model.Mutation) (model.QueueItem, error) {
	it, err := s.queue.Enqueue(ctx, m)
	if err != nil {
		return model.QueueItem{}, err
	}
	nudged := false
	if s.engine != nil && s.monitor.Online() {
		nudged = s.engine.Trigger(engine.ReasonEnqueue)
	}
	s.logger.Info("write accepted",
		"item_id", it.ID,
		"kind", it.Kind,
		"sync_requested", nudged,
	)
	return it, nil
}

// Status is the sync state shown to the clerk.
type Status struct {
	Online           bool                `json:"online"`
	OnlineSince      time.Time           `json:"online_since"`
	Pending          int                 `json:"pending"`
	Failed           int                 `json:"failed"`
	LoggedIn         bool                `json:"logged_in"`
	SessionExpiresAt time.Time           `json:"session_expires_at,omitzero"`
	CacheFetchedAt   time.Time           `json:"cache_fetched_at,omitzero"`
	CacheStale       bool                `json:"cache_stale"`
	LastCycle        *engine.CycleReport `json:"last_cycle,omitempty"`
}

// Status reports connectivity, queue depth and session state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{Online: s.monitor.Online(), OnlineSince: s.monitor.Since()}

	var err error
	if st.Pending, err = s.queue.Pending(ctx); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	if st.Failed, err = s.queue.Failed(ctx); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}

	if s.sessions != nil {
		sess, err := s.sessions.Session(ctx)
		switch {
		case err == nil:
			st.LoggedIn = true
			st.SessionExpiresAt = sess.ExpiresAt
		case !client.IsSessionTerminated(err):
			return st, fmt.Errorf("status: %w", err)
		}
	}

	e, ok, err := s.cache.Get(ctx, model.ProductsKey)
	if err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	if ok {
		st.CacheFetchedAt = e.FetchedAt
		st.CacheStale = e.Stale || e.Expired
	}

	if s.engine != nil {
		if r, ok := s.engine.LastReport(); ok {
			st.LastCycle = &r
		}
	}
	return st, nil
}
