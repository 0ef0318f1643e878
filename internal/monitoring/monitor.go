// Package monitoring turns the event stream into Prometheus metrics and a
// per-run snapshot for the status endpoints.
package monitoring

import (
	"net/http"
	"sync"
	"time"

	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunSnapshot is the latest known state of one run.
type RunSnapshot struct {
	Status    models.RunStatus           `json:"status"`
	Heartbeat *eventbus.HeartbeatPayload `json:"heartbeat,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// Monitor collects run and agent metrics from the event bus
type Monitor struct {
	registry *prometheus.Registry
	metrics  map[string]prometheus.Collector

	mu        sync.RWMutex
	runs      map[string]RunSnapshot
	events    uint64
	startTime time.Time
}

// NewMonitor creates a monitor with its own Prometheus registry. When bus is
// non-nil the count of events dropped by slow observers is exported too.
func NewMonitor(bus *eventbus.Bus) *Monitor {
	registry := prometheus.NewRegistry()

	metrics := map[string]prometheus.Collector{
		"runs": prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "behaviorbench_run_transitions_total",
				Help: "Run status transitions by target status",
			},
			[]string{"status"},
		),
		"agents": prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "behaviorbench_agents",
				Help: "Agents currently in each status",
			},
			[]string{"status"},
		),
		"bot": prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "behaviorbench_bot_status_total",
				Help: "Environment connection status changes",
			},
			[]string{"status"},
		),
		"actions": prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "behaviorbench_actions_total",
				Help: "Behavioral actions dispatched by profile and outcome",
			},
			[]string{"profile", "success"},
		),
		"latency": prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "behaviorbench_action_latency_seconds",
				Help:    "Time taken by the environment to carry out an action",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"profile"},
		),
	}
	if bus != nil {
		metrics["dropped"] = prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "behaviorbench_events_dropped_total",
				Help: "Events dropped for observers that fell behind",
			},
			func() float64 { return float64(bus.Dropped()) },
		)
	}

	for _, metric := range metrics {
		registry.MustRegister(metric)
	}

	return &Monitor{
		registry:  registry,
		metrics:   metrics,
		runs:      make(map[string]RunSnapshot),
		startTime: time.Now(),
	}
}

// Attach subscribes the monitor to every event on bus.
func (m *Monitor) Attach(bus *eventbus.Bus) *eventbus.Subscription {
	return bus.Subscribe(nil, m.Handle)
}

// Registry exposes the registry backing Handler.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Handle records one event.
func (m *Monitor) Handle(ev eventbus.Event) {
	m.mu.Lock()
	m.events++
	m.mu.Unlock()

	switch p := ev.Payload.(type) {
	case eventbus.RunStatusPayload:
		m.counter("runs", string(p.Status))
		m.updateRun(ev.RunID, ev.Timestamp, func(s *RunSnapshot) {
			s.Status = p.Status
			s.Reason = p.Reason
		})
	case eventbus.HeartbeatPayload:
		m.updateRun(ev.RunID, ev.Timestamp, func(s *RunSnapshot) {
			s.Status = p.Status
			s.Heartbeat = &p
		})
	case eventbus.AgentStatusPayload:
		if gauge, ok := m.metrics["agents"].(*prometheus.GaugeVec); ok {
			// agents are created idle without an event
			if p.Previous != "" && p.Previous != models.AgentIdle {
				gauge.WithLabelValues(string(p.Previous)).Dec()
			}
			gauge.WithLabelValues(string(p.Status)).Inc()
		}
	case eventbus.BotStatusPayload:
		m.counter("bot", string(p.Status))
	case eventbus.ActionPayload:
		success := "false"
		if p.Action.Success {
			success = "true"
		}
		m.counter("actions", p.Profile, success)
		if histogram, ok := m.metrics["latency"].(*prometheus.HistogramVec); ok {
			histogram.WithLabelValues(p.Profile).Observe(float64(p.LatencyMs) / 1000)
		}
	}
}

func (m *Monitor) counter(name string, labels ...string) {
	if counter, ok := m.metrics[name].(*prometheus.CounterVec); ok {
		counter.WithLabelValues(labels...).Inc()
	}
}

func (m *Monitor) updateRun(runID string, at time.Time, apply func(*RunSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.runs[runID]
	apply(&s)
	s.UpdatedAt = at
	m.runs[runID] = s
}

// Run returns the latest snapshot of a run
func (m *Monitor) Run(runID string) (RunSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[runID]
	return s, ok
}

// GetMetrics returns a summary of what the monitor has seen
func (m *Monitor) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	byStatus := make(map[models.RunStatus]int)
	for _, s := range m.runs {
		byStatus[s.Status]++
		if !s.Status.Terminal() {
			active++
		}
	}

	return map[string]interface{}{
		"events_total":   m.events,
		"runs_tracked":   len(m.runs),
		"runs_active":    active,
		"runs_by_status": byStatus,
		"uptime_seconds": time.Since(m.startTime).Seconds(),
	}
}

// Forget drops terminal runs last updated before cutoff
func (m *Monitor) Forget(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.runs {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(m.runs, id)
			n++
		}
	}
	return n
}
