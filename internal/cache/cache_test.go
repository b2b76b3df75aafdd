package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/store"
	"github.com/roach88/shelfsync/internal/testutil"
)

func newTestCache(t *testing.T) (*Cache, *testutil.ManualClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewManualClock(testutil.Epoch)
	return New(st, WithClock(clock), WithTTL(time.Minute)), clock
}

var errOffline = model.NewHTTPError(503, "Service Unavailable", nil)

func TestSet_VersionsAndFreshness(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	v, err := c.Set(ctx, "k", []int{1}, AnyVersion, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	clock.Advance(10 * time.Second)
	v, err = c.Set(ctx, "k", []int{1, 2}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	e, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[1,2]`, string(e.Data))
	assert.Equal(t, testutil.Epoch.Add(10*time.Second), e.FetchedAt)
	assert.Equal(t, time.Minute, e.TTL)
	assert.False(t, e.Expired)
	assert.False(t, e.Stale)
}

func TestSet_VersionConflict(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", "a", 0, nil)
	require.NoError(t, err)

	_, err = c.Set(ctx, "k", "b", 0, nil)
	require.ErrorIs(t, err, ErrVersionConflict)

	got, _, _, err := GetAs[string](ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, "a", got, "conflicting write must not land")
}

func TestGet_ExpiredEntryStillServed(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", "a", AnyVersion, nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	e, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "entries are never evicted by age")
	assert.True(t, e.Expired)
}

func TestGet_Missing(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetch_FreshEntrySkipsLoad(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", "a", AnyVersion, nil)
	require.NoError(t, err)

	e, err := c.Fetch(ctx, "k", func(context.Context) (any, error) {
		t.Fatal("load called for a fresh entry")
		return nil, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
}

func TestFetch_StaleButAvailable(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", "a", AnyVersion, nil)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	e, err := c.Fetch(ctx, "k", func(context.Context) (any, error) {
		return nil, errOffline
	}, nil)
	require.NoError(t, err, "a cached copy hides the load error")
	assert.True(t, e.Stale)
	assert.True(t, e.Expired)
	assert.Equal(t, int64(1), e.Version, "failed load keeps the version")
	assert.Equal(t, testutil.Epoch, e.FetchedAt)
	assert.Contains(t, e.LastRefreshError, "Service Unavailable")
	assert.JSONEq(t, `"a"`, string(e.Data))

	// A successful load clears the stale flag.
	e, err = c.Fetch(ctx, "k", func(context.Context) (any, error) {
		return "b", nil
	}, nil)
	require.NoError(t, err)
	assert.False(t, e.Stale)
	assert.Empty(t, e.LastRefreshError)
	assert.Equal(t, int64(2), e.Version)
}

func TestFetch_NoEntryReturnsLoadError(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Fetch(context.Background(), "k", func(context.Context) (any, error) {
		return nil, errOffline
	}, nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeServerError, model.CodeOf(err))
}

func TestRefresh_ReconcileSetsPendingSync(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	reconcile := func(_ context.Context, data json.RawMessage) (json.RawMessage, bool, error) {
		var xs []int
		if err := json.Unmarshal(data, &xs); err != nil {
			return nil, false, err
		}
		xs = append(xs, 99)
		out, err := json.Marshal(xs)
		return out, true, err
	}

	e, err := c.Refresh(ctx, "k", func(context.Context) (any, error) {
		return []int{1}, nil
	}, reconcile)
	require.NoError(t, err)
	assert.True(t, e.PendingSync)
	assert.JSONEq(t, `[1,99]`, string(e.Data))
}

func TestRefresh_ReconcileError(t *testing.T) {
	c, _ := newTestCache(t)
	boom := errors.New("boom")
	_, err := c.Refresh(context.Background(), "k", func(context.Context) (any, error) {
		return 1, nil
	}, func(context.Context, json.RawMessage) (json.RawMessage, bool, error) {
		return nil, false, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestRefresh_ReloadsWhenEntryChangesDuringLoad(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", []int{1}, AnyVersion, nil)
	require.NoError(t, err)

	// The first load answers with data read before a local write lands.
	var calls int
	load := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			_, err := c.Mutate(ctx, "k", func(e *model.CacheEntry, _ bool) error {
				e.Data = json.RawMessage(`[2]`)
				return nil
			})
			require.NoError(t, err)
			return []int{1}, nil
		}
		return []int{2}, nil
	}

	e, err := c.Refresh(ctx, "k", load, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.JSONEq(t, `[2]`, string(e.Data))
	assert.Equal(t, int64(3), e.Version)
}

func TestRefresh_ReloadIsBounded(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls int
	load := func(ctx context.Context) (any, error) {
		calls++
		_, err := c.Set(ctx, "k", []int{0}, AnyVersion, nil)
		require.NoError(t, err)
		return []int{calls}, nil
	}

	e, err := c.Refresh(ctx, "k", load, nil)
	require.NoError(t, err)
	assert.Equal(t, loadRounds, calls)
	assert.JSONEq(t, `[2]`, string(e.Data))
}

func TestRefresh_SingleFlight(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	const callers = 5
	var wg sync.WaitGroup
	versions := make([]int64, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Refresh(ctx, "k", load, nil)
			assert.NoError(t, err)
			versions[i] = e.Version
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range versions {
		assert.Equal(t, int64(1), v)
	}
}

func TestMutate(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", []int{1}, AnyVersion, nil)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)

	e, err := c.Mutate(ctx, "k", func(e *model.CacheEntry, found bool) error {
		require.True(t, found)
		e.Data = json.RawMessage(`[1,2]`)
		e.PendingSync = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)
	assert.True(t, e.PendingSync)
	assert.Equal(t, testutil.Epoch, e.FetchedAt, "mutations do not refresh fetchedAt")

	// ErrUnchanged skips the write.
	e, err = c.Mutate(ctx, "k", func(*model.CacheEntry, bool) error { return ErrUnchanged })
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)

	// Other errors abort.
	boom := errors.New("boom")
	_, err = c.Mutate(ctx, "k", func(e *model.CacheEntry, _ bool) error {
		e.Data = json.RawMessage(`[]`)
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _, _, err := GetAs[[]int](ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestMutate_MissingEntry(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	e, err := c.Mutate(ctx, "new", func(e *model.CacheEntry, found bool) error {
		assert.False(t, found)
		e.Data = json.RawMessage(`"x"`)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
	assert.True(t, e.FetchedAt.IsZero())
	assert.True(t, e.Expired, "never-fetched data is not fresh")
}

func TestMarkStale_DeleteClear(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.MarkStale(ctx, "missing", errOffline))

	_, err := c.Set(ctx, "a", 1, AnyVersion, nil)
	require.NoError(t, err)
	_, err = c.Set(ctx, "b", 2, AnyVersion, nil)
	require.NoError(t, err)

	require.NoError(t, c.MarkStale(ctx, "a", errOffline))
	e, _, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, e.Stale)
	assert.Equal(t, int64(1), e.Version)

	require.NoError(t, c.Delete(ctx, "a"))
	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Clear(ctx))
	_, ok, err = c.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}
