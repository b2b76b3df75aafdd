package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/shelfsync/internal/cache"
	"github.com/roach88/shelfsync/internal/client"
	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/connectivity"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/store"
)

// Device is one client installation: a local database and every layer
// built on it.
type Device struct {
	Config    config.Config
	Store     *store.Store
	Cache     *cache.Cache
	Client    *client.Client
	API       *client.API
	Queue     *queue.Queue
	Monitor   *connectivity.Monitor
	Shipper   *client.LogShipper
	Engine    *engine.Engine
	Inventory *Service

	logger *slog.Logger
}

type deviceOptions struct {
	httpClient *http.Client
	clock      model.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	ids        queue.IDGenerator
}

// DeviceOption configures Open.
type DeviceOption func(*deviceOptions)

// WithHTTPClient replaces the transport of the API client.
func WithHTTPClient(h *http.Client) DeviceOption {
	return func(o *deviceOptions) { o.httpClient = h }
}

// WithClock injects the clock every layer reads.
func WithClock(c model.Clock) DeviceOption {
	return func(o *deviceOptions) { o.clock = c }
}

// WithLogger sets the logger every layer writes to.
func WithLogger(l *slog.Logger) DeviceOption {
	return func(o *deviceOptions) { o.logger = l }
}

// WithRegisterer registers client, connectivity and engine metrics.
func WithRegisterer(reg prometheus.Registerer) DeviceOption {
	return func(o *deviceOptions) { o.registerer = reg }
}

// WithTracerProvider traces API requests.
func WithTracerProvider(tp trace.TracerProvider) DeviceOption {
	return func(o *deviceOptions) { o.tracer = tp }
}

// WithIDGenerator overrides queue item IDs.
func WithIDGenerator(g queue.IDGenerator) DeviceOption {
	return func(o *deviceOptions) { o.ids = g }
}

// Open opens the database at cfg.Database and wires a device on top of it.
// The device starts assuming it is online; the first request corrects that.
func Open(ctx context.Context, cfg config.Config, opts ...DeviceOption) (*Device, error) {
	o := deviceOptions{
		clock:  model.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	d := &Device{
		Config:  cfg,
		Store:   st,
		Shipper: client.NewLogShipper(0),
		logger:  o.logger,
	}

	d.Monitor = connectivity.NewMonitor(true,
		connectivity.WithClock(o.clock),
		connectivity.WithLogger(o.logger),
		connectivity.WithRegisterer(o.registerer),
	)

	d.Cache = cache.New(st,
		cache.WithClock(o.clock),
		cache.WithTTL(cfg.Cache.TTL.Std()),
		cache.WithLogger(o.logger),
	)

	clientOpts := []client.Option{
		client.WithClock(o.clock),
		client.WithLogger(o.logger),
		client.WithRegisterer(o.registerer),
		client.WithObserver(d.Monitor),
		client.WithRecordSink(d.Shipper),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(o.httpClient))
	}
	if o.tracer != nil {
		clientOpts = append(clientOpts, client.WithTracerProvider(o.tracer))
	}
	d.Client = client.New(client.Config{
		BaseURL:     cfg.Server.BaseURL,
		Timeout:     cfg.Server.Timeout.Std(),
		MaxRetries:  cfg.Server.MaxRetries,
		BaseDelay:   cfg.Server.BaseDelay.Std(),
		RefreshSkew: cfg.Server.RefreshSkew.Std(),
	}, st, clientOpts...)
	d.API = client.NewAPI(d.Client)

	d.Client.Auth().OnLogout(func(reason error) {
		if reason != nil {
			o.logger.Warn("session ended, login required", "reason", reason)
		}
	})

	queueOpts := []queue.Option{
		queue.WithClock(o.clock),
		queue.WithMaxRetries(cfg.Sync.MaxRetries),
		queue.WithLogger(o.logger),
	}
	if o.ids != nil {
		queueOpts = append(queueOpts, queue.WithIDGenerator(o.ids))
	}
	d.Queue, err = queue.New(ctx, st, d.Cache, queueOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open device: %w", err)
	}

	d.Engine = engine.New(d.Queue, d.Cache, d.API, d.Monitor, engine.Config{
		Interval:          cfg.Sync.Interval.Std(),
		ItemDelay:         cfg.Sync.ItemDelay.Std(),
		RefreshAfterCycle: cfg.Sync.RefreshAfterCycle,
	},
		engine.WithClock(o.clock),
		engine.WithLogger(o.logger),
		engine.WithRegisterer(o.registerer),
		engine.WithLogShipper(d.Shipper),
	)

	d.Inventory = NewService(d.Cache, d.Queue, d.API, d.Monitor,
		WithEngine(d.Engine),
		WithSessions(d.Client.Auth()),
		WithServiceClock(o.clock),
		WithServiceLogger(o.logger),
	)
	return d, nil
}

// Login authenticates and refreshes the product cache. A failed refresh is
// logged; the session is still established.
func (d *Device) Login(ctx context.Context, username, password string) (model.AuthSession, error) {
	sess, err := d.API.Login(ctx, username, password)
	if err != nil {
		return model.AuthSession{}, err
	}
	if _, err := d.Engine.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after login failed", "error", err)
	}
	return sess, nil
}

// Logout ends the session. Queued writes and the cache survive.
func (d *Device) Logout(ctx context.Context) error {
	return d.API.Logout(ctx)
}

// Close stops the engine and closes the database.
func (d *Device) Close() error {
	d.Engine.Stop()
	return d.Store.Close()
}
