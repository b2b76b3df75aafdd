package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
name: minimal
description: "smallest valid scenario"
steps:
  - action: sync
assertions:
  - type: queue_state
    expect: { pending: 0 }
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, []string{"a"}, s.DeviceNames())
	require.Len(t, s.Steps, 1)
	assert.Equal(t, ActionSync, s.Steps[0].Action)
}

func TestParseScenario_Full(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: full
description: "every section"
devices: [front, back]
max_retries: 2
products:
  - { id: 7, name: Bolt, sku: B-7, price_cents: 25, stock: 100 }
steps:
  - { device: back, action: set_stock, product: 7, quantity: 0 }
  - { action: fail_next, method: GET, path: /products, status: 500, times: 1 }
  - device: front
    action: sync
    expect:
      outcomes: { completed: 0 }
      skipped: false
assertions:
  - type: cached_product
    device: back
    product: 7
    expect: { stock_quantity: 0 }
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"front", "back"}, s.DeviceNames())
	assert.Equal(t, 2, s.MaxRetries)
	require.Len(t, s.Products, 1)
	p := s.Products[0].Product()
	assert.Equal(t, int64(7), p.ID)
	assert.Equal(t, int64(100), p.StockQuantity)
	require.NotNil(t, s.Steps[0].Quantity)
	assert.Equal(t, int64(0), *s.Steps[0].Quantity)
	assert.True(t, s.Steps[1].IsServerAction())
	require.NotNil(t, s.Steps[2].Expect.Skipped)
	assert.False(t, *s.Steps[2].Expect.Skipped)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "unknown field",
			doc:     "name: x\ndescription: y\nstep: []\n",
			wantErr: "field step not found",
		},
		{
			name:    "missing name",
			doc:     "description: y\nsteps: [{action: sync}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing steps",
			doc:     "name: x\ndescription: y\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "missing assertions",
			doc:     "name: x\ndescription: y\nsteps: [{action: sync}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "duplicate device",
			doc:     "name: x\ndescription: y\ndevices: [a, a]\nsteps: [{action: sync}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: `duplicate device "a"`,
		},
		{
			name:    "unknown action",
			doc:     "name: x\ndescription: y\nsteps: [{action: explode}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: `unknown action "explode"`,
		},
		{
			name:    "unknown step device",
			doc:     "name: x\ndescription: y\nsteps: [{device: z, action: sync}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: `unknown device "z"`,
		},
		{
			name:    "server action with device",
			doc:     "name: x\ndescription: y\nsteps: [{device: a, action: expire_tokens}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: "takes no device",
		},
		{
			name:    "adjust without delta",
			doc:     "name: x\ndescription: y\nsteps: [{action: adjust, product: 1}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: "non-zero delta",
		},
		{
			name:    "bad duration",
			doc:     "name: x\ndescription: y\nsteps: [{action: advance, duration: soon}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: "positive duration",
		},
		{
			name:    "fail_next with success status",
			doc:     "name: x\ndescription: y\nsteps: [{action: fail_next, method: GET, path: /products, status: 200, times: 1}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: "error status",
		},
		{
			name:    "unknown outcome",
			doc:     "name: x\ndescription: y\nsteps: [{action: sync, expect: {outcomes: {exploded: 1}}}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: `unknown outcome "exploded"`,
		},
		{
			name:    "cycle expectation on a write",
			doc:     "name: x\ndescription: y\nsteps: [{action: delete, product: 1, expect: {stopped: offline}}]\nassertions: [{type: queue_state, expect: {pending: 0}}]\n",
			wantErr: "apply to sync only",
		},
		{
			name:    "unknown assertion type",
			doc:     "name: x\ndescription: y\nsteps: [{action: sync}]\nassertions: [{type: vibes}]\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "product assertion without expect",
			doc:     "name: x\ndescription: y\nsteps: [{action: sync}]\nassertions: [{type: server_product, product: 1}]\n",
			wantErr: "expect or absent is required",
		},
		{
			name:    "queue_item without item",
			doc:     "name: x\ndescription: y\nsteps: [{action: sync}]\nassertions: [{type: queue_item, expect: {status: failed}}]\n",
			wantErr: "item is required for queue_item",
		},
		{
			name:    "trace_order without requests",
			doc:     "name: x\ndescription: y\nsteps: [{action: sync}]\nassertions: [{type: trace_order}]\n",
			wantErr: "requests list is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenarios_SortedAndNamed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(minimal), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: first\n"+minimal[len("\nname: minimal\n"):]), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	scenarios, err := LoadScenarios(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "first", scenarios[0].Name)
	assert.Equal(t, "minimal", scenarios[1].Name)
}

func TestLoadScenarios_ReportsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0o644))

	_, err := LoadScenarios(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestStepDescribe(t *testing.T) {
	qty := int64(4)
	tests := []struct {
		step Step
		want string
	}{
		{Step{Action: ActionOffline}, "offline"},
		{Step{Action: ActionAdjust, Product: 1, Delta: -3, Notes: "ignored"}, "adjust product=1 delta=-3"},
		{Step{Action: ActionSetStock, Product: 2, Quantity: &qty}, "set_stock product=2 quantity=4"},
		{Step{Action: ActionCreate, Name: "Nut", Quantity: &qty}, `create quantity=4 name="Nut"`},
		{Step{Action: ActionDiscard, Item: "a-0001"}, "discard item=a-0001"},
		{Step{Action: ActionAdvance, Duration: "1h"}, "advance by=1h"},
		{Step{Action: ActionFailNext, Method: "PUT", Path: "/products/1/stock", Status: 503, Times: 2}, "fail_next PUT /products/1/stock status=503 times=2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.step.describe())
	}
}
