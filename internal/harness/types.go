package harness

import (
	"fmt"

	"github.com/roach88/shelfsync/internal/testutil"
)

// Trace event types.
const (
	EventStep    = "step"
	EventRequest = "request"
)

// TraceEvent is one entry of a scenario trace: either a step being
// executed or a request the server received during that step.
type TraceEvent struct {
	Type     string `json:"type"`
	Step     int    `json:"step"`
	Actor    string `json:"actor,omitempty"`
	Action   string `json:"action,omitempty"`
	Method   string `json:"method,omitempty"`
	Path     string `json:"path,omitempty"`
	Status   int    `json:"status,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// Request returns "METHOD path" for request events.
func (e TraceEvent) Request() string {
	return e.Method + " " + e.Path
}

// String renders the event as one golden trace line. Step 0 is setup.
func (e TraceEvent) String() string {
	if e.Type == EventRequest {
		r := testutil.RecordedRequest{Method: e.Method, Path: e.Path, Status: e.Status, Replayed: e.Replayed}
		return "  " + r.String()
	}
	step := "setup"
	if e.Step > 0 {
		step = fmt.Sprint(e.Step)
	}
	return fmt.Sprintf("[%s] %s %s", step, e.Actor, e.Action)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds steps and the requests they caused, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace records the start of a step.
func (r *Result) AddStepTrace(step int, actor, action string) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventStep,
		Step:   step,
		Actor:  actor,
		Action: action,
	})
}

// AddRequestTrace records a request received while step was running.
func (r *Result) AddRequestTrace(step int, req testutil.RecordedRequest) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:     EventRequest,
		Step:     step,
		Method:   req.Method,
		Path:     req.Path,
		Status:   req.Status,
		Replayed: req.Replayed,
	})
}

// Requests returns the request events of the trace.
func (r *Result) Requests() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventRequest {
			out = append(out, e)
		}
	}
	return out
}
