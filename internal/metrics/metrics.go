// Package metrics provides Prometheus metrics for assocmux.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const (
	namespace = "assocmux"
)

// Metrics contains all Prometheus metrics for an endpoint.
type Metrics struct {
	// Association metrics
	AssociationsActive prometheus.Gauge
	AssociationsTotal  prometheus.Counter
	AssociationsClosed *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	SetupLatency       prometheus.Histogram
	OutboundStreams    prometheus.Histogram

	// Notification metrics
	Notifications *prometheus.CounterVec

	// Message metrics
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	SendErrors       *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Association metrics
		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "Number of associations currently established or shutting down",
		}),
		AssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_total",
			Help:      "Total number of associations established",
		}),
		AssociationsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_closed_total",
			Help:      "Total associations closed by reason",
		}, []string{"reason"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total association state transitions",
		}, []string{"from", "to"}),
		SetupLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "setup_latency_seconds",
			Help:      "Histogram of association setup latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		OutboundStreams: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiated_outbound_streams",
			Help:      "Histogram of negotiated outbound stream counts",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}),

		// Notification metrics
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total notifications received by kind",
		}, []string{"kind"}),

		// Message metrics
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages accepted by the transport",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages delivered to the application",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total failed sends by reason",
		}, []string{"reason"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total received messages dropped by reason",
		}, []string{"reason"}),
	}

	return m
}

// ============================================================================
// Association recording
// ============================================================================

// RecordAssociationUp records an association entering Established.
func (m *Metrics) RecordAssociationUp(outbound uint16) {
	m.AssociationsActive.Inc()
	m.AssociationsTotal.Inc()
	m.OutboundStreams.Observe(float64(outbound))
}

// RecordAssociationDown records an established association reaching Closed.
func (m *Metrics) RecordAssociationDown() {
	m.AssociationsActive.Dec()
}

// RecordAssociationClosed records why an association closed.
func (m *Metrics) RecordAssociationClosed(reason string) {
	m.AssociationsClosed.WithLabelValues(reason).Inc()
}

// RecordTransition records a state transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSetupDuration records how long a connect took.
func (m *Metrics) RecordSetupDuration(d time.Duration) {
	m.SetupLatency.Observe(d.Seconds())
}

// RecordNotification records a received notification.
func (m *Metrics) RecordNotification(kind string) {
	m.Notifications.WithLabelValues(kind).Inc()
}

// ============================================================================
// Message recording
// ============================================================================

// RecordMessageSent records a message accepted by the transport.
func (m *Metrics) RecordMessageSent(_ uint16, bytes int) {
	m.MessagesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordMessageReceived records a message delivered to the application.
func (m *Metrics) RecordMessageReceived(_ uint16, bytes int) {
	m.MessagesReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordSendError records a failed send.
func (m *Metrics) RecordSendError(reason string) {
	m.SendErrors.WithLabelValues(reason).Inc()
}

// RecordMessageDropped records a received message that was not delivered.
func (m *Metrics) RecordMessageDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// ============================================================================
// Exposition
// ============================================================================

// Handler returns an HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteText writes the metrics gathered by g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
