package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/model"
)

// Scenario defines an end-to-end sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices names the simulated devices. Defaults to a single "a".
	Devices []string `yaml:"devices,omitempty"`

	// Products seeds the server catalog.
	Products []ProductFixture `yaml:"products,omitempty"`

	// MaxRetries overrides the per-item attempt limit on every device.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Steps run in order after every device has logged in.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// ProductFixture is a product the server starts with.
type ProductFixture struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	SKU        string `yaml:"sku,omitempty"`
	PriceCents int64  `yaml:"price_cents,omitempty"`
	Stock      int64  `yaml:"stock"`
}

// Product converts the fixture.
func (f ProductFixture) Product() model.Product {
	return model.Product{
		ID:            f.ID,
		Name:          f.Name,
		SKU:           f.SKU,
		PriceCents:    f.PriceCents,
		StockQuantity: f.Stock,
	}
}

// Step is one action in a scenario. Which fields apply depends on Action.
type Step struct {
	Device   string        `yaml:"device,omitempty"`
	Action   string        `yaml:"action"`
	Product  int64         `yaml:"product,omitempty"`
	Delta    int64         `yaml:"delta,omitempty"`
	Quantity *int64        `yaml:"quantity,omitempty"`
	Name     string        `yaml:"name,omitempty"`
	Notes    string        `yaml:"notes,omitempty"`
	Item     string        `yaml:"item,omitempty"`
	Method   string        `yaml:"method,omitempty"`
	Path     string        `yaml:"path,omitempty"`
	Status   int           `yaml:"status,omitempty"`
	Times    int           `yaml:"times,omitempty"`
	Duration string        `yaml:"duration,omitempty"`
	Expect   *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies what a step must produce. Without one a step is
// expected to succeed.
type ExpectClause struct {
	// Error is a substring the step's error must contain.
	Error string `yaml:"error,omitempty"`

	// Item is the queue item ID a write step must return.
	Item string `yaml:"item,omitempty"`

	// Outcomes maps outcome names to counts in a sync cycle report.
	// Subset match: outcomes not listed are not checked.
	Outcomes map[string]int `yaml:"outcomes,omitempty"`

	// Skipped requires a sync cycle to have been skipped (or not).
	Skipped *bool `yaml:"skipped,omitempty"`

	// Stopped is the reason a sync cycle must have stopped early.
	Stopped string `yaml:"stopped,omitempty"`
}

// Step actions.
const (
	ActionLogin        = "login"
	ActionLogout       = "logout"
	ActionOffline      = "offline"
	ActionOnline       = "online"
	ActionAdjust       = "adjust"
	ActionSetStock     = "set_stock"
	ActionCreate       = "create"
	ActionDelete       = "delete"
	ActionSync         = "sync"
	ActionRefresh      = "refresh"
	ActionDiscard      = "discard"
	ActionRequeue      = "requeue"
	ActionAdvance      = "advance"
	ActionFailNext     = "fail_next"
	ActionServerSet    = "server_set"
	ActionExpireTokens = "expire_tokens"
)

var deviceActions = []string{
	ActionLogin, ActionLogout, ActionOffline, ActionOnline, ActionAdjust,
	ActionSetStock, ActionCreate, ActionDelete, ActionSync, ActionRefresh,
	ActionDiscard, ActionRequeue, ActionAdvance,
}

var serverActions = []string{ActionFailNext, ActionServerSet, ActionExpireTokens}

var outcomes = []engine.Outcome{
	engine.OutcomeCompleted, engine.OutcomeRetry, engine.OutcomeFailed,
	engine.OutcomeReleased, engine.OutcomeSkipped,
}

// IsServerAction reports whether the step acts on the server rather than
// a device.
func (s Step) IsServerAction() bool {
	return slices.Contains(serverActions, s.Action)
}

// describe renders the step's parameters in a fixed order.
func (s Step) describe() string {
	parts := []string{s.Action}
	if s.Method != "" {
		parts = append(parts, s.Method, s.Path)
	}
	if s.Product != 0 {
		parts = append(parts, fmt.Sprintf("product=%d", s.Product))
	}
	if s.Delta != 0 {
		parts = append(parts, fmt.Sprintf("delta=%d", s.Delta))
	}
	if s.Quantity != nil {
		parts = append(parts, fmt.Sprintf("quantity=%d", *s.Quantity))
	}
	if s.Name != "" {
		parts = append(parts, fmt.Sprintf("name=%q", s.Name))
	}
	if s.Item != "" {
		parts = append(parts, "item="+s.Item)
	}
	if s.Duration != "" {
		parts = append(parts, "by="+s.Duration)
	}
	if s.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", s.Status))
	}
	if s.Times != 0 {
		parts = append(parts, fmt.Sprintf("times=%d", s.Times))
	}
	return strings.Join(parts, " ")
}

// Assertion validates the final trace or state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a request appears in the trace
	// - "trace_order": requests appear in order
	// - "trace_count": a request appears exactly Count times
	// - "server_product": server-side product fields
	// - "cached_product": product fields in a device cache
	// - "cache_state": freshness flags of a device cache
	// - "queue_state": queue counts of a device
	// - "queue_item": status of one queue item of a device
	Type string `yaml:"type"`

	// Request is "METHOD path" (used by trace_contains, trace_count).
	Request string `yaml:"request,omitempty"`

	// Status narrows Request to one response status when non-zero.
	Status int `yaml:"status,omitempty"`

	// Requests is the expected request order (used by trace_order).
	Requests []string `yaml:"requests,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Device selects the device for cached_product, cache_state and
	// queue_state. Defaults to the first device.
	Device string `yaml:"device,omitempty"`

	// Product is the product ID (used by server_product, cached_product).
	Product int64 `yaml:"product,omitempty"`

	// Item is the queue item ID (used by queue_item).
	Item string `yaml:"item,omitempty"`

	// Absent requires the product or queue item not to exist.
	Absent bool `yaml:"absent,omitempty"`

	// ErrorContains is a substring of the item's last error (used by
	// queue_item).
	ErrorContains string `yaml:"error_contains,omitempty"`

	// Expect contains expected field values. Subset match: only specified
	// fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertServerProduct = "server_product"
	AssertCachedProduct = "cached_product"
	AssertCacheState    = "cache_state"
	AssertQueueState    = "queue_state"
	AssertQueueItem     = "queue_item"
)

// DeviceNames returns the scenario's devices, defaulting to "a".
func (s *Scenario) DeviceNames() []string {
	if len(s.Devices) == 0 {
		return []string{"a"}
	}
	return s.Devices
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}

	devices := s.DeviceNames()
	for i, d := range devices {
		if d == "" || d == "server" {
			return fmt.Errorf("devices[%d]: invalid device name %q", i, d)
		}
		if slices.Contains(devices[:i], d) {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d)
		}
	}

	for i, p := range s.Products {
		if p.ID <= 0 {
			return fmt.Errorf("products[%d]: id must be positive", i)
		}
		if p.Name == "" {
			return fmt.Errorf("products[%d]: name is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, devices); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, devices); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks the fields an action needs.
func validateStep(index int, s Step, devices []string) error {
	switch {
	case s.Action == "":
		return fmt.Errorf("steps[%d]: action is required", index)
	case s.IsServerAction():
		if s.Device != "" {
			return fmt.Errorf("steps[%d]: %s acts on the server and takes no device", index, s.Action)
		}
	case slices.Contains(deviceActions, s.Action):
		if s.Device != "" && !slices.Contains(devices, s.Device) {
			return fmt.Errorf("steps[%d]: unknown device %q", index, s.Device)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, s.Action)
	}

	switch s.Action {
	case ActionAdjust:
		if s.Product == 0 || s.Delta == 0 {
			return fmt.Errorf("steps[%d]: adjust requires product and a non-zero delta", index)
		}
	case ActionSetStock, ActionServerSet:
		if s.Product == 0 || s.Quantity == nil {
			return fmt.Errorf("steps[%d]: %s requires product and quantity", index, s.Action)
		}
	case ActionCreate:
		if s.Name == "" {
			return fmt.Errorf("steps[%d]: create requires name", index)
		}
	case ActionDelete:
		if s.Product == 0 {
			return fmt.Errorf("steps[%d]: delete requires product", index)
		}
	case ActionDiscard, ActionRequeue:
		if s.Item == "" {
			return fmt.Errorf("steps[%d]: %s requires item", index, s.Action)
		}
	case ActionAdvance:
		d, err := time.ParseDuration(s.Duration)
		if err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: advance requires a positive duration", index)
		}
	case ActionFailNext:
		if s.Method == "" || s.Path == "" || s.Status < 400 || s.Times <= 0 {
			return fmt.Errorf("steps[%d]: fail_next requires method, path, an error status and times", index)
		}
	}

	if s.Expect != nil {
		for name := range s.Expect.Outcomes {
			if !slices.Contains(outcomes, engine.Outcome(name)) {
				return fmt.Errorf("steps[%d].expect: unknown outcome %q", index, name)
			}
		}
		if (s.Expect.Outcomes != nil || s.Expect.Skipped != nil || s.Expect.Stopped != "") && s.Action != ActionSync {
			return fmt.Errorf("steps[%d].expect: cycle expectations apply to sync only", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, devices []string) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Device != "" && !slices.Contains(devices, a.Device) {
		return fmt.Errorf("assertions[%d]: unknown device %q", index, a.Device)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Requests) == 0 {
			return fmt.Errorf("assertions[%d]: requests list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertServerProduct, AssertCachedProduct:
		if a.Product == 0 {
			return fmt.Errorf("assertions[%d]: product is required for %s", index, a.Type)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertQueueItem:
		if a.Item == "" {
			return fmt.Errorf("assertions[%d]: item is required for queue_item", index)
		}
		if !a.Absent && len(a.Expect) == 0 && a.ErrorContains == "" {
			return fmt.Errorf("assertions[%d]: expect, error_contains or absent is required for queue_item", index)
		}
	case AssertCacheState, AssertQueueState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
