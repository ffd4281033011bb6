package modem

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the protocol engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration prometheus.Histogram
	linesReceived   *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	flushes         prometheus.Counter
}

// newMetrics creates and registers the engine metrics. A nil registerer
// yields nil metrics.
func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellmodem",
			Subsystem: "at",
			Name:      "commands_total",
			Help:      "Commands executed, by result kind",
		}, []string{"result"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cellmodem",
			Subsystem: "at",
			Name:      "command_duration_seconds",
			Help:      "Time from command write to completion",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellmodem",
			Subsystem: "at",
			Name:      "lines_received_total",
			Help:      "Lines read from the transport, by route",
		}, []string{"route"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellmodem",
			Subsystem: "at",
			Name:      "notifications_total",
			Help:      "Unsolicited notifications dispatched, by prefix",
		}, []string{"prefix"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellmodem",
			Subsystem: "at",
			Name:      "protocol_anomalies_total",
			Help:      "Tolerated protocol violations, by kind",
		}, []string{"kind"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellmodem",
			Subsystem: "at",
			Name:      "buffer_flushes_total",
			Help:      "Completed input buffer flushes",
		}),
	}

	m.commands = register(reg, m.commands)
	m.commandDuration = register(reg, m.commandDuration)
	m.linesReceived = register(reg, m.linesReceived)
	m.notifications = register(reg, m.notifications)
	m.anomalies = register(reg, m.anomalies)
	m.flushes = register(reg, m.flushes)

	return m
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) commandDone(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	m.commands.WithLabelValues(result).Inc()
	m.commandDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) lineRouted(route string) {
	if m == nil {
		return
	}
	m.linesReceived.WithLabelValues(route).Inc()
}

func (m *Metrics) notificationDispatched(prefix string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(prefix).Inc()
}

func (m *Metrics) anomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) flushed() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}
