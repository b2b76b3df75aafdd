package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/model"
)

func doJSON(t *testing.T, method, url, token string, body any, idemKey string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func loginToken(t *testing.T, f *FakeServer) string {
	t.Helper()
	resp, out := doJSON(t, http.MethodPost, f.URL+"/auth/login", "", map[string]string{
		"username": TestUsername,
		"password": TestPassword,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return out["access_token"].(string)
}

func TestFakeServer_RequiresAuth(t *testing.T) {
	f := NewFakeServer(t, model.Product{ID: 1, Name: "Widget", StockQuantity: 10})

	resp, out := doJSON(t, http.MethodGet, f.URL+"/products/1", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Could not validate credentials", out["detail"])

	token := loginToken(t, f)
	resp, out = doJSON(t, http.MethodGet, f.URL+"/products/1", token, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Widget", out["name"])
}

func TestFakeServer_StockDeltaAndNegativeGuard(t *testing.T) {
	f := NewFakeServer(t, model.Product{ID: 1, Name: "Widget", StockQuantity: 10})
	token := loginToken(t, f)

	resp, _ := doJSON(t, http.MethodPut, f.URL+"/products/1/stock", token, map[string]any{"delta": -3}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	p, _ := f.Product(1)
	assert.Equal(t, int64(7), p.StockQuantity)

	resp, out := doJSON(t, http.MethodPut, f.URL+"/products/1/stock", token, map[string]any{"delta": -8}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Insufficient stock", out["detail"])
	p, _ = f.Product(1)
	assert.Equal(t, int64(7), p.StockQuantity)
}

func TestFakeServer_IdempotencyKeyAppliesOnce(t *testing.T) {
	f := NewFakeServer(t, model.Product{ID: 1, Name: "Widget", StockQuantity: 10})
	token := loginToken(t, f)

	for i := 0; i < 3; i++ {
		resp, out := doJSON(t, http.MethodPut, f.URL+"/products/1/stock", token, map[string]any{"delta": -2}, "item-1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(8), out["stock_quantity"])
	}

	p, _ := f.Product(1)
	assert.Equal(t, int64(8), p.StockQuantity)

	reqs := f.Requests()
	require.Len(t, reqs, 4)
	assert.False(t, reqs[1].Replayed)
	assert.True(t, reqs[2].Replayed)
	assert.True(t, reqs[3].Replayed)
}

func TestFakeServer_FailNext(t *testing.T) {
	f := NewFakeServer(t, model.Product{ID: 1, Name: "Widget", StockQuantity: 10})
	token := loginToken(t, f)
	f.FailNext(http.MethodGet, "/products", http.StatusServiceUnavailable, 2)

	for i := 0; i < 2; i++ {
		resp, out := doJSON(t, http.MethodGet, f.URL+"/products", token, nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "Service Unavailable", out["detail"])
	}
	req, err := http.NewRequest(http.MethodGet, f.URL+"/products", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, f.CountRequests(http.MethodGet, "/products"))
}

func TestFakeServer_RefreshRotatesTokens(t *testing.T) {
	f := NewFakeServer(t)

	resp, out := doJSON(t, http.MethodPost, f.URL+"/auth/login", "", map[string]string{
		"username": TestUsername,
		"password": TestPassword,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refresh := out["refresh_token"].(string)

	f.ExpireAccessTokens()
	resp, _ = doJSON(t, http.MethodGet, f.URL+"/products", out["access_token"].(string), nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, f.URL+"/auth/refresh", "", map[string]string{"refresh_token": refresh}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Old refresh token is single-use.
	resp, _ = doJSON(t, http.MethodPost, f.URL+"/auth/refresh", "", map[string]string{"refresh_token": refresh}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 2, f.RefreshCalls())
}

func TestNetworkSwitch_Offline(t *testing.T) {
	f := NewFakeServer(t)
	sw := NewNetworkSwitch(nil)
	client := sw.Client()

	sw.SetOnline(false)
	assert.False(t, sw.Online())
	_, err := client.Get(f.URL + "/health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network is unreachable")
	assert.Empty(t, f.Requests())

	sw.SetOnline(true)
	resp, err := client.Get(f.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
