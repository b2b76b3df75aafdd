// Package harness runs end-to-end sync scenarios against an in-process
// inventory server.
//
// A scenario describes one or more devices sharing a server, a sequence of
// steps (going offline, writing, syncing, injecting server failures) and
// assertions on the outcome. Every request the server receives is recorded
// and attributed to the step that caused it, which gives a readable trace
// suitable for golden comparison.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	devices: [a, b]
//	products:
//	  - { id: 1, name: Widget, stock: 10 }
//	steps:
//	  - { device: a, action: offline }
//	  - { device: a, action: adjust, product: 1, delta: -3 }
//	  - { device: a, action: online }
//	  - device: a
//	    action: sync
//	    expect:
//	      outcomes: { completed: 1 }
//	assertions:
//	  - type: trace_count
//	    request: PUT /products/1/stock
//	    count: 1
//	  - type: server_product
//	    product: 1
//	    expect: { stock_quantity: 7 }
//
// Every device logs in before the first step. Steps without a device run
// on the first one; fail_next, server_set and expire_tokens act on the
// server.
//
// # Assertion Types
//
//   - trace_contains: a request with the given method and path (and status) was made
//   - trace_order: requests appear in the given order
//   - trace_count: a request appears exactly N times
//   - server_product: fields of a product as the server holds it
//   - cached_product: fields of a product as a device's cache shows it
//   - cache_state: freshness flags of a device's product cache
//   - queue_state: pending and failed counts of a device's queue
//   - queue_item: status, attempts and last error of one queue item
//
// # Deterministic Testing
//
// Devices use a manual clock starting at testutil.Epoch and sequential
// queue item IDs prefixed with the device name ("a-0001"), so traces are
// identical across runs. Requests to /health and /sync/logs are left out
// of the trace; their timing depends on telemetry volume, not on the
// scenario.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/offline_adjust.yaml")
//	require.NoError(t, err)
//
//	result, err := harness.RunWithGolden(t, scenario)
//	require.NoError(t, err)
//	assert.True(t, result.Pass, result.Errors)
package harness
