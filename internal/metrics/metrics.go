// Package metrics defines the Prometheus collectors exported by the pushpoll
// client loop and push server.
//
// Collectors are registered on a caller-supplied [prometheus.Registerer] so
// tests and embedding applications can use a private registry. All recording
// methods are safe to call on a nil receiver, which turns metrics off.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushpoll"

// ClientMetrics records poll loop activity.
type ClientMetrics struct {
	cycles    *prometheus.CounterVec
	commands  *prometheus.CounterVec
	requestID prometheus.Gauge
	latency   prometheus.Histogram
	delay     prometheus.Histogram
}

// NewClientMetrics creates and registers the client collectors.
func NewClientMetrics(reg prometheus.Registerer) (*ClientMetrics, error) {
	m := &ClientMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "cycles_total",
			Help:      "Completed poll cycles by outcome.",
		}, []string{"outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Dispatched commands by type and result.",
		}, []string{"type", "result"}),
		requestID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_id",
			Help:      "Request counter value of the most recent poll.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "poll_duration_seconds",
			Help:      "Time a poll request stayed open.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60},
		}),
		delay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reopen_delay_seconds",
			Help:      "Jittered delay before the poll connection is reopened.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}

	if err := register(reg, m.cycles, m.commands, m.requestID, m.latency, m.delay); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveCycle records a finished poll cycle.
func (m *ClientMetrics) ObserveCycle(outcome string, requestID uint64, latency time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.requestID.Set(float64(requestID))
	m.latency.Observe(latency.Seconds())
}

// ObserveCommand records the result of dispatching one command.
// result is one of "ok", "error", "panic" or "unknown".
func (m *ClientMetrics) ObserveCommand(typ, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(typ, result).Inc()
}

// ObserveDelay records the delay chosen before reopening the connection.
func (m *ClientMetrics) ObserveDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.delay.Observe(d.Seconds())
}

// ServerMetrics records push server activity.
type ServerMetrics struct {
	held      prometheus.Gauge
	polls     *prometheus.CounterVec
	enqueued  prometheus.Counter
	delivered prometheus.Counter
	stale     prometheus.Counter
}

// NewServerMetrics creates and registers the server collectors.
func NewServerMetrics(reg prometheus.Registerer) (*ServerMetrics, error) {
	m := &ServerMetrics{
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "polls_held",
			Help:      "Poll requests currently held open.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "polls_total",
			Help:      "Answered poll requests by result.",
		}, []string{"result"}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "commands_enqueued_total",
			Help:      "Commands accepted for delivery.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "commands_delivered_total",
			Help:      "Commands written to poll responses.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stale_requests_total",
			Help:      "Polls whose request id did not increase.",
		}),
	}

	if err := register(reg, m.held, m.polls, m.enqueued, m.delivered, m.stale); err != nil {
		return nil, err
	}
	return m, nil
}

// PollStarted marks a poll request as held.
func (m *ServerMetrics) PollStarted() {
	if m == nil {
		return
	}
	m.held.Inc()
}

// PollFinished marks a held poll as answered. result is "delivered",
// "timeout", "shutdown" or "canceled".
func (m *ServerMetrics) PollFinished(result string, commands int) {
	if m == nil {
		return
	}
	m.held.Dec()
	m.polls.WithLabelValues(result).Inc()
	m.delivered.Add(float64(commands))
}

// Enqueued records accepted commands.
func (m *ServerMetrics) Enqueued(n int) {
	if m == nil {
		return
	}
	m.enqueued.Add(float64(n))
}

// StaleRequest records a poll whose request id did not increase.
func (m *ServerMetrics) StaleRequest() {
	if m == nil {
		return
	}
	m.stale.Inc()
}

// Handler returns an HTTP handler exposing the gatherer in the Prometheus
// text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		return errors.New("metrics registerer cannot be nil")
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}
