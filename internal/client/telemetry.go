package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ShipLogsPath receives batched client telemetry.
const ShipLogsPath = "/sync/logs"

// Record is the telemetry of one HTTP exchange.
type Record struct {
	URL      string        `json:"url"`
	Method   string        `json:"method"`
	Path     string        `json:"-"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"-"`
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// MarshalJSON renders Duration as durationMs.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}{plain(r), r.Duration.Milliseconds()})
}

// RecordSink receives request telemetry.
type RecordSink interface {
	Record(ctx context.Context, r Record)
}

type metrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	refreshes *prometheus.CounterVec
}

// newMetrics creates the client collectors, registering them on reg when
// reg is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelfsync",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "HTTP exchanges with the inventory service by method and status.",
		}, []string{"method", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shelfsync",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP exchanges with the inventory service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelfsync",
			Subsystem: "client",
			Name:      "token_refreshes_total",
			Help:      "Token refreshes by outcome.",
		}, []string{"outcome"}),
	}
}

// LogPoster delivers a batch of records to the service.
type LogPoster interface {
	ShipLogs(ctx context.Context, records []Record) error
}

// DefaultShipperCapacity bounds the records a LogShipper buffers.
const DefaultShipperCapacity = 500

// LogShipper buffers request telemetry and posts it in batches.
// When the buffer is full the oldest records are dropped.
type LogShipper struct {
	mu       sync.Mutex
	buf      []Record
	capacity int
	dropped  int
}

// NewLogShipper creates a shipper holding at most capacity records.
func NewLogShipper(capacity int) *LogShipper {
	if capacity <= 0 {
		capacity = DefaultShipperCapacity
	}
	return &LogShipper{capacity: capacity}
}

// Record implements RecordSink.
func (s *LogShipper) Record(_ context.Context, r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == s.capacity {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, r)
}

// Len returns the number of buffered records.
func (s *LogShipper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flush posts the buffered records. On failure they are put back in front
// of anything recorded meanwhile, subject to capacity.
func (s *LogShipper) Flush(ctx context.Context, poster LogPoster) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := poster.ShipLogs(ctx, batch); err != nil {
		s.mu.Lock()
		merged := append(batch, s.buf...)
		if over := len(merged) - s.capacity; over > 0 {
			merged = merged[over:]
			s.dropped += over
		}
		s.buf = merged
		s.mu.Unlock()
		return fmt.Errorf("ship logs: %w", err)
	}
	return nil
}
