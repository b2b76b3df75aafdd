package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/testutil"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddStepTrace(0, "a", ActionLogin)
	r.AddRequestTrace(0, testutil.RecordedRequest{Method: "POST", Path: "/auth/login", Status: 200})
	r.AddRequestTrace(0, testutil.RecordedRequest{Method: "GET", Path: "/products", Status: 200})
	r.AddStepTrace(1, "a", "sync")
	r.AddRequestTrace(1, testutil.RecordedRequest{Method: "PUT", Path: "/products/1/stock", Status: 503})
	r.AddRequestTrace(1, testutil.RecordedRequest{Method: "PUT", Path: "/products/1/stock", Status: 200, Replayed: true})
	r.AddRequestTrace(1, testutil.RecordedRequest{Method: "GET", Path: "/products", Status: 200})
	return r.Trace
}

func TestTraceEvent_String(t *testing.T) {
	trace := sampleTrace()
	assert.Equal(t, "[setup] a login", trace[0].String())
	assert.Equal(t, "  POST /auth/login -> 200", trace[1].String())
	assert.Equal(t, "[1] a sync", trace[3].String())
	assert.Equal(t, "  PUT /products/1/stock -> 200 (replayed)", trace[5].String())
}

func TestRenderTrace(t *testing.T) {
	r := &Result{Trace: sampleTrace()[:3]}
	want := "scenario: demo\n" +
		"[setup] a login\n" +
		"  POST /auth/login -> 200\n" +
		"  GET /products -> 200\n"
	assert.Equal(t, want, string(RenderTrace("demo", r)))
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Request: "PUT /products/1/stock"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Request: "PUT /products/1/stock", Status: 503}))

	err := assertTraceContains(trace, Assertion{Request: "PUT /products/1/stock", Status: 401})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "PUT /products/1/stock -> 401")
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Requests: []string{"POST /auth/login", "PUT /products/1/stock", "GET /products"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Requests: []string{"PUT /products/1/stock", "PUT /products/1/stock"}}))

	err := assertTraceOrder(trace, Assertion{Requests: []string{"PUT /products/1/stock", "POST /auth/login"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POST /auth/login not found after the preceding requests")

	err = assertTraceOrder(trace, Assertion{Requests: []string{"PUT /products/1/stock", "PUT /products/1/stock", "PUT /products/1/stock"}})
	require.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Request: "GET /products", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Request: "PUT /products/1/stock", Status: 200, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Request: "DELETE /products/1", Count: 0}))

	err := assertTraceCount(trace, Assertion{Request: "GET /products", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func TestAssertProduct(t *testing.T) {
	p := model.Product{ID: 3, Name: "Nut", StockQuantity: 12, PriceCents: 5}

	assert.NoError(t, assertProduct(AssertServerProduct, "server", p, true, Assertion{
		Product: 3,
		Expect:  map[string]any{"name": "Nut", "stock_quantity": 12, "pending_sync": false},
	}))

	err := assertProduct(AssertServerProduct, "server", p, true, Assertion{
		Product: 3,
		Expect:  map[string]any{"stock_quantity": 11},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stock_quantity = 11")

	err = assertProduct(AssertServerProduct, "server", p, true, Assertion{
		Product: 3,
		Expect:  map[string]any{"colour": "red"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "colour"`)

	assert.NoError(t, assertProduct(AssertCachedProduct, "device a", model.Product{}, false, Assertion{Product: 3, Absent: true}))
	assert.Error(t, assertProduct(AssertCachedProduct, "device a", p, true, Assertion{Product: 3, Absent: true}))
	assert.Error(t, assertProduct(AssertCachedProduct, "device a", model.Product{}, false, Assertion{Product: 3, Expect: map[string]any{"name": "Nut"}}))
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{"json number vs yaml int", float64(7), 7, true},
		{"int64 vs int", int64(7), 7, true},
		{"different numbers", float64(7), 8, false},
		{"number vs string", float64(7), "7", false},
		{"strings", "Nut", "Nut", true},
		{"bools", true, true, true},
		{"bool mismatch", false, true, false},
		{"nil both", nil, nil, true},
		{"nil one", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.actual, tt.expected))
		})
	}
}

func TestEvaluateAssertions_StateWithoutContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertServerProduct, Product: 1, Expect: map[string]any{"name": "x"}},
		{Type: AssertQueueState, Expect: map[string]any{"pending": 0}},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "requires a server")
	assert.Contains(t, errs[1], "requires device context")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
