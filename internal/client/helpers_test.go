package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/store"
	"github.com/roach88/shelfsync/internal/testutil"
)

type testEnv struct {
	server *testutil.FakeServer
	net    *testutil.NetworkSwitch
	store  *store.Store
	clock  *testutil.ManualClock
	client *Client
	api    *API
}

func newTestEnv(t *testing.T, products []model.Product, opts ...Option) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		server: testutil.NewFakeServer(t, products...),
		net:    testutil.NewNetworkSwitch(nil),
		store:  st,
		clock:  testutil.NewManualClock(time.Time{}),
	}

	base := []Option{
		WithHTTPClient(env.net.Client()),
		WithClock(env.clock),
	}
	env.client = New(Config{
		BaseURL:   env.server.URL,
		BaseDelay: time.Millisecond,
		Timeout:   5 * time.Second,
	}, st, append(base, opts...)...)
	env.api = NewAPI(env.client)
	return env
}

func (e *testEnv) login(t *testing.T) model.AuthSession {
	t.Helper()
	sess, err := e.api.Login(context.Background(), testutil.TestUsername, testutil.TestPassword)
	require.NoError(t, err)
	return sess
}

// recordingObserver remembers every observation.
type recordingObserver struct {
	mu   sync.Mutex
	seen []bool
}

func (o *recordingObserver) Observe(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, online)
}

func (o *recordingObserver) last() (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.seen) == 0 {
		return false, false
	}
	return o.seen[len(o.seen)-1], true
}

// recordingSink keeps every record.
type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordingSink) Record(_ context.Context, r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *recordingSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// recordingReporter keeps every report.
type recordingReporter struct {
	mu      sync.Mutex
	reports []ErrorReport
}

func (r *recordingReporter) Report(_ context.Context, rep ErrorReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recordingReporter) all() []ErrorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorReport(nil), r.reports...)
}

func widget() model.Product {
	return model.Product{ID: 1, Name: "Widget", SKU: "W-1", PriceCents: 1999, StockQuantity: 10}
}
