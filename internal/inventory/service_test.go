package inventory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/testutil"
)

type rig struct {
	server *testutil.FakeServer
	net    *testutil.NetworkSwitch
	clock  *testutil.ManualClock
	device *Device
	svc    *Service
}

func newRig(t *testing.T, products ...model.Product) *rig {
	t.Helper()
	ctx := context.Background()

	r := &rig{
		server: testutil.NewFakeServer(t, products...),
		net:    testutil.NewNetworkSwitch(nil),
		clock:  testutil.NewManualClock(testutil.Epoch),
	}

	cfg := config.Default()
	cfg.Server.BaseURL = r.server.URL
	cfg.Server.BaseDelay = config.Duration(time.Millisecond)
	cfg.Database = filepath.Join(t.TempDir(), "shelfsync.db")
	cfg.Sync.ItemDelay = 0

	d, err := Open(ctx, cfg,
		WithHTTPClient(r.net.Client()),
		WithClock(r.clock),
		WithRegisterer(prometheus.NewRegistry()),
		WithIDGenerator(testutil.NewSequentialIDs("item")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	_, err = d.Login(ctx, testutil.TestUsername, testutil.TestPassword)
	require.NoError(t, err)

	r.device = d
	r.svc = d.Inventory
	return r
}

func (r *rig) offline() {
	r.net.SetOnline(false)
	r.device.Monitor.SetOnline(false)
}

func (r *rig) online() {
	r.net.SetOnline(true)
	r.device.Monitor.SetOnline(true)
}

func widget() model.Product {
	return model.Product{ID: 1, Name: "Widget", SKU: "W-1", PriceCents: 1999, CostCents: 800, StockQuantity: 10}
}

func gadget() model.Product {
	return model.Product{ID: 2, Name: "Gadget", SKU: "G-1", PriceCents: 4999, CostCents: 2000, StockQuantity: 3}
}

func TestProducts_FreshSnapshotAfterLogin(t *testing.T) {
	r := newRig(t, widget(), gadget())
	ctx := context.Background()
	listed := r.server.CountRequests("GET", "/products")

	snap, err := r.svc.Products(ctx, false)
	require.NoError(t, err)

	require.Len(t, snap.Data, 2)
	assert.False(t, snap.IsExpired)
	assert.False(t, snap.Stale)
	assert.False(t, snap.PendingSync)
	assert.Equal(t, testutil.Epoch, snap.FetchedAt.UTC())
	assert.Equal(t, listed, r.server.CountRequests("GET", "/products"), "fresh snapshot must not hit the server")
}

func TestProducts_StaleButAvailableOffline(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()

	r.clock.Advance(10 * time.Minute)
	r.offline()

	snap, err := r.svc.Products(ctx, false)
	require.NoError(t, err)

	require.Len(t, snap.Data, 1)
	assert.True(t, snap.IsExpired)
	assert.True(t, snap.Stale)
	assert.NotEmpty(t, snap.LastRefreshError)
	assert.Equal(t, int64(10), snap.Data[0].StockQuantity)
}

func TestProducts_RefreshPicksUpServerChanges(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()

	changed := widget()
	changed.StockQuantity = 42
	r.server.PutProduct(changed)

	snap, err := r.svc.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Data, 1)
	assert.Equal(t, int64(42), snap.Data[0].StockQuantity)
	assert.False(t, snap.Stale)
}

func TestProduct(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()

	t.Run("cached", func(t *testing.T) {
		snap, err := r.svc.Product(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Widget", snap.Data.Name)
	})

	t.Run("falls back to the server", func(t *testing.T) {
		r.server.PutProduct(gadget())
		snap, err := r.svc.Product(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "Gadget", snap.Data.Name)
	})

	t.Run("unknown on the server", func(t *testing.T) {
		_, err := r.svc.Product(ctx, 99)
		require.ErrorIs(t, err, ErrProductNotFound)
	})

	t.Run("unknown while offline", func(t *testing.T) {
		r.offline()
		defer r.online()
		_, err := r.svc.Product(ctx, 3)
		require.ErrorIs(t, err, ErrProductNotFound)
	})
}

func TestAdjustStock(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()
	r.offline()

	_, err := r.svc.AdjustStock(ctx, 1, 0, "")
	require.Error(t, err)

	_, err = r.svc.AdjustStock(ctx, 1, -11, "too many")
	require.ErrorIs(t, err, ErrInsufficientStock)

	it, err := r.svc.AdjustStock(ctx, 1, -4, "sold")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, it.Status)
	assert.Equal(t, model.KindAdjustStock, it.Kind)

	snap, err := r.svc.Product(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.Data.StockQuantity)
	assert.True(t, snap.PendingSync)

	got, ok := r.server.Product(1)
	require.True(t, ok)
	assert.Equal(t, int64(10), got.StockQuantity, "offline write must not reach the server")
}

func TestSetStock(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()
	r.offline()

	_, err := r.svc.SetStock(ctx, 1, -1, "")
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = r.svc.SetStock(ctx, 1, 10, "")
	require.ErrorIs(t, err, ErrNoChange)

	_, err = r.svc.SetStock(ctx, 7, 5, "")
	require.ErrorIs(t, err, ErrProductNotFound)

	it, err := r.svc.SetStock(ctx, 1, 25, "count")
	require.NoError(t, err)

	m, err := it.Mutation()
	require.NoError(t, err)
	assert.Equal(t, model.AdjustStock{ProductID: 1, Delta: 15, Notes: "count"}, m)

	snap, err := r.svc.Product(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(25), snap.Data.StockQuantity)
}

func TestCreateProduct(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()
	r.offline()

	_, err := r.svc.CreateProduct(ctx, model.ProductInput{Name: " ", StockQuantity: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "stock quantity cannot be negative")

	it, err := r.svc.CreateProduct(ctx, model.ProductInput{Name: "Sprocket", PriceCents: 250, StockQuantity: 5})
	require.NoError(t, err)

	m, err := it.Mutation()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), m.Target())

	snap, err := r.svc.Product(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, "Sprocket", snap.Data.Name)
	assert.True(t, snap.PendingSync)
}

func TestDeleteProduct(t *testing.T) {
	r := newRig(t, widget(), gadget())
	ctx := context.Background()
	r.offline()

	_, err := r.svc.DeleteProduct(ctx, 2)
	require.NoError(t, err)

	snap, err := r.svc.Products(ctx, false)
	require.NoError(t, err)
	require.Len(t, snap.Data, 1)
	assert.Equal(t, int64(1), snap.Data[0].ID)
	assert.True(t, snap.PendingSync)
}

func TestWritesSyncOnReconnect(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()

	r.offline()
	_, err := r.svc.AdjustStock(ctx, 1, -3, "sold")
	require.NoError(t, err)
	_, err = r.svc.CreateProduct(ctx, model.ProductInput{Name: "Sprocket", StockQuantity: 2})
	require.NoError(t, err)

	r.online()
	report, err := r.device.Engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(engine.OutcomeCompleted))

	got, ok := r.server.Product(1)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.StockQuantity)

	snap, err := r.svc.Products(ctx, false)
	require.NoError(t, err)
	assert.False(t, snap.PendingSync)
	require.Len(t, snap.Data, 2)
	assert.Equal(t, "Sprocket", snap.Data[1].Name)
	assert.Positive(t, snap.Data[1].ID)
}

func TestStatus(t *testing.T) {
	r := newRig(t, widget())
	ctx := context.Background()

	st, err := r.svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.True(t, st.LoggedIn)
	assert.False(t, st.SessionExpiresAt.IsZero())
	assert.Equal(t, testutil.Epoch, st.CacheFetchedAt.UTC())
	assert.Zero(t, st.Pending)
	assert.Nil(t, st.LastCycle)

	r.offline()
	_, err = r.svc.AdjustStock(ctx, 1, 1, "")
	require.NoError(t, err)

	st, err = r.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)

	_, err = r.device.Engine.Drain(ctx)
	require.NoError(t, err)
	st, err = r.svc.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastCycle)
	assert.True(t, st.LastCycle.Skipped)

	r.online()
	require.NoError(t, r.device.Logout(ctx))
	st, err = r.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.LoggedIn)
	assert.Equal(t, 1, st.Pending, "logout keeps queued writes")
}
