package monitoring

import (
	"strconv"
	"time"

	"watchparty/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	peersConnected   prometheus.Gauge
	connectionsTotal prometheus.Counter

	signalRelayed *prometheus.CounterVec
	signalFailed  *prometheus.CounterVec

	commentsAppended   prometheus.Counter
	commentSubscribers prometheus.Gauge

	httpRequestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers on the default registry.
func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWith(prometheus.DefaultRegisterer)
}

func NewPrometheusCollectorWith(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "watchparty_peers_connected",
			Help: "Peers currently connected to the signalling broker",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "watchparty_broker_connections_total",
			Help: "Total number of broker connections accepted",
		}),

		signalRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchparty_signal_messages_relayed_total",
			Help: "Signal messages relayed to their destination",
		}, []string{"type"}),

		signalFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchparty_signal_messages_failed_total",
			Help: "Signal messages that could not be relayed",
		}, []string{"type", "reason"}),

		commentsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "watchparty_comments_appended_total",
			Help: "Comments appended across all rooms",
		}),

		commentSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "watchparty_comment_subscribers",
			Help: "Active comment list subscriptions",
		}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchparty_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status"}),
	}
}

func (p *PrometheusCollector) RecordPeerConnected() {
	p.peersConnected.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) RecordSignalRelayed(messageType string) {
	p.signalRelayed.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) RecordSignalFailed(messageType, reason string) {
	p.signalFailed.WithLabelValues(messageType, reason).Inc()
}

// RecordCommentAppended is not labelled by room to keep cardinality bounded.
func (p *PrometheusCollector) RecordCommentAppended(domain.RoomID) {
	p.commentsAppended.Inc()
}

func (p *PrometheusCollector) SetCommentSubscribers(count int) {
	p.commentSubscribers.Set(float64(count))
}

func (p *PrometheusCollector) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
