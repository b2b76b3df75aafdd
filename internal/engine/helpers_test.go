package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/cache"
	"github.com/roach88/shelfsync/internal/client"
	"github.com/roach88/shelfsync/internal/connectivity"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/store"
	"github.com/roach88/shelfsync/internal/testutil"
)

// device is one client installation wired against a shared fake server.
type device struct {
	net     *testutil.NetworkSwitch
	store   *store.Store
	clock   *testutil.ManualClock
	cache   *cache.Cache
	queue   *queue.Queue
	api     *client.API
	monitor *connectivity.Monitor
	shipper *client.LogShipper
	engine  *Engine
	reg     *prometheus.Registry
}

// newDevice wires a device. name prefixes its queue item IDs, which double
// as Idempotency-Keys on the shared server.
func newDevice(t *testing.T, server *testutil.FakeServer, name string, cfg Config) *device {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := &device{
		net:     testutil.NewNetworkSwitch(nil),
		store:   st,
		clock:   testutil.NewManualClock(testutil.Epoch),
		reg:     prometheus.NewRegistry(),
		shipper: client.NewLogShipper(0),
	}
	d.monitor = connectivity.NewMonitor(true, connectivity.WithClock(d.clock))
	d.cache = cache.New(st, cache.WithClock(d.clock))

	c := client.New(client.Config{
		BaseURL:   server.URL,
		BaseDelay: time.Millisecond,
		Timeout:   5 * time.Second,
	}, st,
		client.WithHTTPClient(d.net.Client()),
		client.WithClock(d.clock),
		client.WithObserver(d.monitor),
		client.WithRecordSink(d.shipper),
	)
	d.api = client.NewAPI(c)

	d.queue, err = queue.New(ctx, st, d.cache,
		queue.WithIDGenerator(testutil.NewSequentialIDs(name)),
		queue.WithClock(d.clock),
	)
	require.NoError(t, err)

	d.engine = New(d.queue, d.cache, d.api, d.monitor, cfg,
		WithClock(d.clock),
		WithRegisterer(d.reg),
		WithLogShipper(d.shipper),
	)

	_, err = d.api.Login(ctx, testutil.TestUsername, testutil.TestPassword)
	require.NoError(t, err)
	_, err = d.engine.Refresh(ctx)
	require.NoError(t, err)
	return d
}

// goOffline cuts the network and lets the monitor notice.
func (d *device) goOffline() {
	d.net.SetOnline(false)
	d.monitor.SetOnline(false)
}

func (d *device) goOnline() {
	d.net.SetOnline(true)
	d.monitor.SetOnline(true)
}

func (d *device) enqueue(t *testing.T, m model.Mutation) model.QueueItem {
	t.Helper()
	it, err := d.queue.Enqueue(context.Background(), m)
	require.NoError(t, err)
	return it
}

func (d *device) drain(t *testing.T) CycleReport {
	t.Helper()
	report, err := d.engine.Drain(context.Background())
	require.NoError(t, err)
	return report
}

func (d *device) product(t *testing.T, id int64) model.Product {
	t.Helper()
	products, _, ok, err := cache.GetAs[[]model.Product](context.Background(), d.cache, model.ProductsKey)
	require.NoError(t, err)
	require.True(t, ok, "products not cached")
	i, found := model.FindProduct(products, id)
	require.True(t, found, "product %d not cached", id)
	return products[i]
}

func (d *device) entry(t *testing.T) cache.Entry {
	t.Helper()
	e, ok, err := d.cache.Get(context.Background(), model.ProductsKey)
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

func widget() model.Product {
	return model.Product{ID: 1, Name: "Widget", SKU: "W-1", PriceCents: 1999, CostCents: 800, StockQuantity: 10}
}

// panicSender panics on every stock adjustment.
type panicSender struct {
	Sender
}

func (panicSender) AdjustStock(context.Context, int64, int64, string, ...client.RequestOption) (model.Product, error) {
	panic("boom")
}
