// Package connectivity tracks whether the inventory service is reachable.
//
// The flag is driven by request outcomes reported from the client (any
// response means online, a transport failure means offline) and optionally
// by a periodic probe. Subscribers receive transitions so the orchestrator
// can drain the queue as soon as the device comes back online.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/shelfsync/internal/model"
)

// Transition is a change of the online flag.
type Transition struct {
	From bool
	To   bool
	At   time.Time
}

// CameOnline reports whether the transition is offline → online.
func (t Transition) CameOnline() bool {
	return !t.From && t.To
}

// Pinger probes the service. client.API implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the online flag.
// Safe for concurrent use.
type Monitor struct {
	clock  model.Clock
	logger *slog.Logger
	gauge  prometheus.Gauge

	mu     sync.Mutex
	online bool
	since  time.Time
	subs   map[int]chan Transition
	nextID int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used to stamp transitions.
func WithClock(c model.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithRegisterer exports the flag as shelfsync_online.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) {
		m.gauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "shelfsync_online",
			Help: "1 when the inventory service is reachable.",
		})
	}
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool, opts ...Option) *Monitor {
	m := &Monitor{
		clock:  model.SystemClock{},
		logger: slog.Default(),
		online: online,
		subs:   make(map[int]chan Transition),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.clock.Now()
	m.setGauge(online)
	return m
}

// Online returns the current flag.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since returns when the flag last changed.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Observe records a request outcome. It satisfies client.Observer.
func (m *Monitor) Observe(online bool) {
	m.SetOnline(online)
}

// SetOnline sets the flag and notifies subscribers when it changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	t := Transition{From: m.online, To: online, At: m.clock.Now()}
	m.online = online
	m.since = t.At
	for _, ch := range m.subs {
		publish(ch, t)
	}
	m.setGauge(online)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
}

// publish delivers t without blocking. A subscriber that has not consumed
// the previous transition only sees the latest one.
func publish(ch chan Transition, t Transition) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel of transitions and a function that
// unsubscribes and closes it.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Watch probes p every interval until ctx is done, updating the flag from
// the outcome. Probing starts immediately.
func (m *Monitor) Watch(ctx context.Context, p Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.Probe(ctx, p)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe runs one probe and returns the resulting flag.
func (m *Monitor) Probe(ctx context.Context, p Pinger) bool {
	err := p.Ping(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	// Any HTTP answer, even an error status, proves the service is reachable.
	code := model.CodeOf(err)
	online := err == nil || code != model.ErrCodeNetworkUnavailable && code != model.ErrCodeTimeout
	if err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
	}
	m.SetOnline(online)
	return online
}

func (m *Monitor) setGauge(online bool) {
	if m.gauge == nil {
		return
	}
	if online {
		m.gauge.Set(1)
	} else {
		m.gauge.Set(0)
	}
}
