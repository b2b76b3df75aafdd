package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/shelfsync/internal/cache"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/store"
	"github.com/roach88/shelfsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// matchesRequest reports whether event is a request to want ("METHOD path")
// with the given status, or any status when status is zero.
func matchesRequest(event TraceEvent, want string, status int) bool {
	if event.Type != EventRequest || event.Request() != want {
		return false
	}
	return status == 0 || event.Status == status
}

func describeRequest(want string, status int) string {
	if status == 0 {
		return want
	}
	return fmt.Sprintf("%s -> %d", want, status)
}

// assertTraceContains checks that the trace contains a matching request.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchesRequest(event, assertion.Request, assertion.Status) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("request %s", describeRequest(assertion.Request, assertion.Status)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that requests appear in the specified order.
// Requests don't need to be consecutive (intervening requests are allowed);
// each expected request is matched after the previous match.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Requests {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if matchesRequest(event, want, 0) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("requests in order: %v", assertion.Requests),
				Actual:   fmt.Sprintf("%s not found after the preceding requests", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the request appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchesRequest(event, assertion.Request, assertion.Status) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describeRequest(assertion.Request, assertion.Status)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertServerProduct checks the product as the server holds it.
func assertServerProduct(server *testutil.FakeServer, assertion Assertion) error {
	p, ok := server.Product(assertion.Product)
	return assertProduct(AssertServerProduct, "server", p, ok, assertion)
}

// assertCachedProduct checks the product as a device's cache shows it,
// without touching the network.
func assertCachedProduct(ctx context.Context, d *Device, assertion Assertion) error {
	products, _, found, err := cache.GetAs[[]model.Product](ctx, d.Device.Cache, model.ProductsKey)
	if err != nil {
		return fmt.Errorf("%s: read cache: %w", AssertCachedProduct, err)
	}
	var (
		p  model.Product
		ok bool
	)
	if found {
		var i int
		if i, ok = model.FindProduct(products, assertion.Product); ok {
			p = products[i]
		}
	}
	return assertProduct(AssertCachedProduct, "device "+d.Name, p, ok, assertion)
}

func assertProduct(kind, where string, p model.Product, ok bool, assertion Assertion) error {
	switch {
	case assertion.Absent && ok:
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("product %d absent on %s", assertion.Product, where),
			Actual:   fmt.Sprintf("found %+v", p),
		}
	case assertion.Absent:
		return nil
	case !ok:
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("product %d on %s", assertion.Product, where),
			Actual:   "product not found",
		}
	}
	fields, err := productFields(p)
	if err != nil {
		return err
	}
	return compareFields(kind, fmt.Sprintf("product %d on %s", assertion.Product, where), fields, assertion.Expect)
}

// productFields flattens p into its wire field names.
func productFields(p model.Product) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode product: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode product: %w", err)
	}
	fields["pending_sync"] = p.PendingSync
	return fields, nil
}

// assertCacheState checks the freshness flags of the product cache.
func assertCacheState(ctx context.Context, d *Device, assertion Assertion) error {
	e, found, err := d.Device.Cache.Get(ctx, model.ProductsKey)
	if err != nil {
		return fmt.Errorf("%s: read cache: %w", AssertCacheState, err)
	}
	if !found {
		return &AssertionError{
			Type:     AssertCacheState,
			Expected: fmt.Sprintf("product cache on device %s", d.Name),
			Actual:   "no cache entry",
		}
	}
	fields := map[string]any{
		"stale":        e.Stale,
		"expired":      e.Expired,
		"pending_sync": e.PendingSync,
		"version":      e.Version,
	}
	return compareFields(AssertCacheState, "cache on device "+d.Name, fields, assertion.Expect)
}

// assertQueueState checks the pending and failed counts of a device queue.
func assertQueueState(ctx context.Context, d *Device, assertion Assertion) error {
	q := d.Device.Queue
	pending, err := q.Pending(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", AssertQueueState, err)
	}
	failed, err := q.Failed(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", AssertQueueState, err)
	}
	fields := map[string]any{"pending": pending, "failed": failed}
	return compareFields(AssertQueueState, "queue on device "+d.Name, fields, assertion.Expect)
}

// assertQueueItem checks one queue item. A completed item has left the
// queue and reads as status "completed".
func assertQueueItem(ctx context.Context, d *Device, assertion Assertion) error {
	subject := fmt.Sprintf("item %s on device %s", assertion.Item, d.Name)
	q := d.Device.Queue

	it, err := q.Get(ctx, assertion.Item)
	var fields map[string]any
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		completed, cerr := q.IsCompleted(ctx, assertion.Item)
		if cerr != nil {
			return fmt.Errorf("%s: %w", AssertQueueItem, cerr)
		}
		if !completed {
			if assertion.Absent {
				return nil
			}
			return &AssertionError{
				Type:     AssertQueueItem,
				Expected: subject,
				Actual:   "item not found",
			}
		}
		fields = map[string]any{"status": "completed"}
	case err != nil:
		return fmt.Errorf("%s: %w", AssertQueueItem, err)
	default:
		fields = map[string]any{
			"status":   string(it.Status),
			"kind":     string(it.Kind),
			"attempts": it.Attempts,
			"seq":      it.Seq,
		}
	}

	if assertion.Absent {
		return &AssertionError{
			Type:     AssertQueueItem,
			Expected: subject + " absent",
			Actual:   fmt.Sprintf("status %v", fields["status"]),
		}
	}
	if err := compareFields(AssertQueueItem, subject, fields, assertion.Expect); err != nil {
		return err
	}
	if assertion.ErrorContains != "" && !strings.Contains(it.LastError, assertion.ErrorContains) {
		return &AssertionError{
			Type:     AssertQueueItem,
			Expected: fmt.Sprintf("%s: last error containing %q", subject, assertion.ErrorContains),
			Actual:   fmt.Sprintf("last error %q", it.LastError),
		}
	}
	return nil
}

// compareFields checks expected against actual with subset semantics.
// Keys are visited in sorted order so the first reported mismatch is stable.
func compareFields(kind, subject string, actual, expected map[string]any) error {
	for _, key := range sortedKeys(expected) {
		actualValue, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q on %s", key, subject),
				Actual:   fmt.Sprintf("field %q not present in %v", key, sortedKeys(actual)),
			}
		}
		if !valuesEqual(actualValue, expected[key]) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s: %s = %v", subject, key, expected[key]),
				Actual:   fmt.Sprintf("%s = %v", key, actualValue),
			}
		}
	}
	return nil
}

// valuesEqual compares two values, treating all numeric types as equal
// when they hold the same number. YAML decodes integers as int while JSON
// decodes them as float64.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	a, aNum := toFloat(actual)
	e, eNum := toFloat(expected)
	if aNum || eNum {
		return aNum && eNum && a == e
	}
	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating state assertions.
type AssertionContext struct {
	Ctx     context.Context
	Server  *testutil.FakeServer
	Devices map[string]*Device
	Default string
}

func (a *AssertionContext) device(name string) (*Device, error) {
	if name == "" {
		name = a.Default
	}
	d, ok := a.Devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	return d, nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides server and device access for state
// assertions; trace assertions need only the result.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertServerProduct:
			if actx == nil || actx.Server == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a server", i, assertion.Type)
			} else {
				err = assertServerProduct(actx.Server, assertion)
			}
		case AssertCachedProduct, AssertCacheState, AssertQueueState, AssertQueueItem:
			err = evaluateDeviceAssertion(actx, assertion)
			if err != nil && !isAssertionError(err) {
				err = fmt.Errorf("assertion[%d]: %w", i, err)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func evaluateDeviceAssertion(actx *AssertionContext, assertion Assertion) error {
	if actx == nil {
		return fmt.Errorf("%s requires device context", assertion.Type)
	}
	d, err := actx.device(assertion.Device)
	if err != nil {
		return err
	}
	switch assertion.Type {
	case AssertCachedProduct:
		return assertCachedProduct(actx.Ctx, d, assertion)
	case AssertCacheState:
		return assertCacheState(actx.Ctx, d, assertion)
	case AssertQueueItem:
		return assertQueueItem(actx.Ctx, d, assertion)
	default:
		return assertQueueState(actx.Ctx, d, assertion)
	}
}

func isAssertionError(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}
