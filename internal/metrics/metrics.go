// Package metrics tracks command latency, error counts, and safety state,
// exposed both as Prometheus collectors and as an internal snapshot for the
// persisted session log.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyStat keeps min/max/running-average for one command.
type latencyStat struct {
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// Metrics is the process-wide metric set.
type Metrics struct {
	registry *prometheus.Registry

	commandLatency *prometheus.HistogramVec
	commandTotal   *prometheus.CounterVec
	errorTotal     *prometheus.CounterVec
	safetyState    prometheus.Gauge
	serviceUp      *prometheus.GaugeVec
	imagesTotal    prometheus.Counter
	exposureTotal  prometheus.Counter

	mu       sync.Mutex
	latency  map[string]*latencyStat
	started  map[string]time.Time
	errCount int64
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nightwatch",
			Name:      "command_duration_seconds",
			Help:      "Latency of service commands.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		commandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nightwatch",
			Name:      "commands_total",
			Help:      "Commands executed, by command and outcome.",
		}, []string{"command", "outcome"}),
		errorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nightwatch",
			Name:      "service_errors_total",
			Help:      "Errors recorded against each service.",
		}, []string{"service"}),
		safetyState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nightwatch",
			Name:      "safety_safe_to_observe",
			Help:      "1 while the safety monitor reports safe conditions.",
		}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nightwatch",
			Name:      "service_up",
			Help:      "1 while the named service is running.",
		}, []string{"service"}),
		imagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightwatch",
			Name:      "session_images_total",
			Help:      "Images captured across sessions.",
		}),
		exposureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightwatch",
			Name:      "session_exposure_seconds_total",
			Help:      "Accumulated exposure time.",
		}),
		latency: make(map[string]*latencyStat),
		started: make(map[string]time.Time),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandLatency, m.commandTotal, m.errorTotal,
		m.safetyState, m.serviceUp, m.imagesTotal, m.exposureTotal,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommand records one command execution.
func (m *Metrics) ObserveCommand(command string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commandLatency.WithLabelValues(command).Observe(elapsed.Seconds())
	m.commandTotal.WithLabelValues(command, outcome).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.latency[command]
	if !ok {
		st = &latencyStat{min: elapsed, max: elapsed}
		m.latency[command] = st
	}
	st.count++
	st.total += elapsed
	if elapsed < st.min {
		st.min = elapsed
	}
	if elapsed > st.max {
		st.max = elapsed
	}
	if err != nil {
		m.errCount++
	}
}

// RecordServiceError bumps the per-service error counter.
func (m *Metrics) RecordServiceError(service string) {
	m.errorTotal.WithLabelValues(service).Inc()
	m.mu.Lock()
	m.errCount++
	m.mu.Unlock()
}

// SetSafety publishes the current go/no-go state.
func (m *Metrics) SetSafety(safe bool) {
	if safe {
		m.safetyState.Set(1)
	} else {
		m.safetyState.Set(0)
	}
}

// ServiceStarted marks a service running and records its start instant.
func (m *Metrics) ServiceStarted(name string) {
	m.serviceUp.WithLabelValues(name).Set(1)
	m.mu.Lock()
	m.started[name] = time.Now()
	m.mu.Unlock()
}

// ServiceStopped marks a service down.
func (m *Metrics) ServiceStopped(name string) {
	m.serviceUp.WithLabelValues(name).Set(0)
}

// Uptime reports how long the named service has been running.
func (m *Metrics) Uptime(name string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.started[name]
	if !ok {
		return 0
	}
	return time.Since(start)
}

// RecordImage bumps the session capture counters.
func (m *Metrics) RecordImage(exposureSec float64) {
	m.imagesTotal.Inc()
	m.exposureTotal.Add(exposureSec)
}

// CommandStats is the snapshot form of one command's latency record.
type CommandStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot returns the internal counters for the session log.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	commands := make(map[string]CommandStats, len(m.latency))
	var total int64
	for name, st := range m.latency {
		commands[name] = CommandStats{
			Count: st.count,
			Min:   st.min,
			Max:   st.max,
			Avg:   time.Duration(int64(st.total) / st.count),
		}
		total += st.count
	}
	return map[string]any{
		"commandCount": total,
		"errorCount":   m.errCount,
		"commands":     commands,
	}
}
