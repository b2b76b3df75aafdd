package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/shelfsync/internal/client"
	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/inventory"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/testutil"
)

// untraced paths are served but left out of traces.
var untraced = []string{client.HealthPath, client.ShipLogsPath}

// Device is one simulated installation in a scenario.
type Device struct {
	Name    string
	Device  *inventory.Device
	Network *testutil.NetworkSwitch
	Clock   *testutil.ManualClock
}

// Harness executes one scenario.
type Harness struct {
	server  *testutil.FakeServer
	devices map[string]*Device
	order   []string
	result  *Result
	seen    int
	logger  *slog.Logger
}

// stepResult is what a step produced, for expect checks.
type stepResult struct {
	report *engine.CycleReport
	item   *model.QueueItem
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh server and fresh device databases under
// tb.TempDir(). Execution flow:
// 1. Start the server with the scenario's products
// 2. Open and log in every device
// 3. Execute steps, checking each step's expect clause
// 4. Evaluate assertions
//
// A returned error means the scenario could not be set up; step and
// assertion failures are reported in the result.
func Run(tb testing.TB, scenario *Scenario) (*Result, error) {
	tb.Helper()
	ctx := context.Background()

	products := make([]model.Product, len(scenario.Products))
	for i, p := range scenario.Products {
		products[i] = p.Product()
	}

	h := &Harness{
		server:  testutil.NewFakeServer(tb, products...),
		devices: make(map[string]*Device),
		result:  NewResult(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	defer h.close()

	dir := tb.TempDir()
	for _, name := range scenario.DeviceNames() {
		if err := h.openDevice(ctx, dir, name, scenario); err != nil {
			return nil, fmt.Errorf("failed to open device %s: %w", name, err)
		}
		h.result.AddStepTrace(0, name, ActionLogin)
		if _, err := h.devices[name].Device.Login(ctx, testutil.TestUsername, testutil.TestPassword); err != nil {
			return nil, fmt.Errorf("failed to log in device %s: %w", name, err)
		}
		h.collect(0)
	}

	for i, step := range scenario.Steps {
		h.executeStep(ctx, i+1, step)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Server:  h.server,
		Devices: h.devices,
		Default: h.order[0],
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) openDevice(ctx context.Context, dir, name string, scenario *Scenario) error {
	cfg := config.Default()
	cfg.Server.BaseURL = h.server.URL
	cfg.Server.BaseDelay = config.Duration(time.Millisecond)
	cfg.Database = filepath.Join(dir, name+".db")
	cfg.Sync.ItemDelay = 0
	if scenario.MaxRetries > 0 {
		cfg.Sync.MaxRetries = scenario.MaxRetries
	}

	d := &Device{
		Name:    name,
		Network: testutil.NewNetworkSwitch(nil),
		Clock:   testutil.NewManualClock(testutil.Epoch),
	}
	dev, err := inventory.Open(ctx, cfg,
		inventory.WithHTTPClient(d.Network.Client()),
		inventory.WithClock(d.Clock),
		inventory.WithLogger(h.logger.With("device", name)),
		inventory.WithRegisterer(prometheus.NewRegistry()),
		inventory.WithIDGenerator(testutil.NewSequentialIDs(name)),
	)
	if err != nil {
		return err
	}
	d.Device = dev
	h.devices[name] = d
	h.order = append(h.order, name)
	return nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		h.devices[name].Device.Close()
	}
}

// collect moves requests received since the last call into the trace.
func (h *Harness) collect(step int) {
	reqs := h.server.Requests()
	for _, r := range reqs[h.seen:] {
		if slices.Contains(untraced, r.Path) {
			continue
		}
		h.result.AddRequestTrace(step, r)
	}
	h.seen = len(reqs)
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step) {
	actor := "server"
	var d *Device
	if !step.IsServerAction() {
		name := step.Device
		if name == "" {
			name = h.order[0]
		}
		actor, d = name, h.devices[name]
	}
	h.result.AddStepTrace(n, actor, step.describe())

	out, err := h.perform(ctx, d, step)
	h.collect(n)

	for _, msg := range checkExpect(step, out, err) {
		h.result.AddError(fmt.Sprintf("step %d (%s %s): %s", n, actor, step.Action, msg))
	}
}

func (h *Harness) perform(ctx context.Context, d *Device, step Step) (stepResult, error) {
	var out stepResult
	write := func(it model.QueueItem, err error) (stepResult, error) {
		if err == nil {
			out.item = &it
		}
		return out, err
	}

	switch step.Action {
	case ActionLogin:
		_, err := d.Device.Login(ctx, testutil.TestUsername, testutil.TestPassword)
		return out, err
	case ActionLogout:
		return out, d.Device.Logout(ctx)
	case ActionOffline:
		d.Network.SetOnline(false)
		d.Device.Monitor.SetOnline(false)
	case ActionOnline:
		d.Network.SetOnline(true)
		d.Device.Monitor.SetOnline(true)
	case ActionAdjust:
		return write(d.Device.Inventory.AdjustStock(ctx, step.Product, step.Delta, step.Notes))
	case ActionSetStock:
		return write(d.Device.Inventory.SetStock(ctx, step.Product, *step.Quantity, step.Notes))
	case ActionCreate:
		in := model.ProductInput{Name: step.Name}
		if step.Quantity != nil {
			in.StockQuantity = *step.Quantity
		}
		return write(d.Device.Inventory.CreateProduct(ctx, in))
	case ActionDelete:
		return write(d.Device.Inventory.DeleteProduct(ctx, step.Product))
	case ActionSync:
		report, err := d.Device.Engine.Drain(ctx)
		if err == nil {
			out.report = &report
		}
		return out, err
	case ActionRefresh:
		_, err := d.Device.Inventory.Refresh(ctx)
		return out, err
	case ActionDiscard:
		return write(d.Device.Engine.Discard(ctx, step.Item))
	case ActionRequeue:
		return write(d.Device.Engine.Requeue(ctx, step.Item))
	case ActionAdvance:
		dur, err := time.ParseDuration(step.Duration)
		if err != nil {
			return out, err
		}
		d.Clock.Advance(dur)
	case ActionFailNext:
		h.server.FailNext(step.Method, step.Path, step.Status, step.Times)
	case ActionServerSet:
		p, ok := h.server.Product(step.Product)
		if !ok {
			return out, fmt.Errorf("server has no product %d", step.Product)
		}
		p.StockQuantity = *step.Quantity
		h.server.PutProduct(p)
	case ActionExpireTokens:
		h.server.ExpireAccessTokens()
	default:
		return out, fmt.Errorf("unknown action %q", step.Action)
	}
	return out, nil
}

// checkExpect compares a step's outcome with its expect clause.
func checkExpect(step Step, out stepResult, err error) []string {
	exp := step.Expect
	if exp == nil {
		exp = &ExpectClause{}
	}

	var msgs []string
	switch {
	case err != nil && exp.Error == "":
		return []string{fmt.Sprintf("unexpected error: %v", err)}
	case err != nil && !strings.Contains(err.Error(), exp.Error):
		return []string{fmt.Sprintf("expected error containing %q, got: %v", exp.Error, err)}
	case err != nil:
		return nil
	case exp.Error != "":
		return []string{fmt.Sprintf("expected error containing %q, step succeeded", exp.Error)}
	}

	if exp.Item != "" {
		switch {
		case out.item == nil:
			msgs = append(msgs, fmt.Sprintf("expected item %s, step returned none", exp.Item))
		case out.item.ID != exp.Item:
			msgs = append(msgs, fmt.Sprintf("expected item %s, got %s", exp.Item, out.item.ID))
		}
	}

	if out.report == nil {
		return msgs
	}
	r := out.report
	for _, o := range sortedKeys(exp.Outcomes) {
		if got := r.Count(engine.Outcome(o)); got != exp.Outcomes[o] {
			msgs = append(msgs, fmt.Sprintf("expected %d %s items, got %d", exp.Outcomes[o], o, got))
		}
	}
	if exp.Skipped != nil && r.Skipped != *exp.Skipped {
		msgs = append(msgs, fmt.Sprintf("expected skipped=%t, got %t", *exp.Skipped, r.Skipped))
	}
	if exp.Stopped != "" && string(r.Stopped) != exp.Stopped {
		msgs = append(msgs, fmt.Sprintf("expected cycle stopped by %q, got %q", exp.Stopped, r.Stopped))
	}
	return msgs
}
