package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus
// metrics.
type PrometheusCollector struct {
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionsActive   prometheus.Gauge

	tlsHandshakesTotal *prometheus.CounterVec

	workersSpawnedTotal prometheus.Counter
	workersBusy         prometheus.Gauge

	keepAliveSockets prometheus.Gauge

	bytesSentTotal        prometheus.Counter
	sendfileQueuedTotal   prometheus.Counter
	sendfileCompleteTotal prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics
// registered against reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpep_connections_accepted_total",
			Help: "Total number of connections accepted by the Acceptor.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcpep_connections_rejected_total",
			Help: "Total number of connections rejected before being handed to a worker.",
		}, []string{"reason"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpep_connections_active",
			Help: "Number of currently open connections.",
		}),

		tlsHandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcpep_tls_handshakes_total",
			Help: "Total number of TLS handshakes attempted, by outcome.",
		}, []string{"outcome"}),

		workersSpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpep_workers_spawned_total",
			Help: "Total number of worker goroutines spawned across all Stacks.",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpep_workers_busy",
			Help: "Number of workers currently processing a socket.",
		}),

		keepAliveSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpep_keepalive_sockets",
			Help: "Number of sockets currently parked in a Poller's PollSet.",
		}),

		bytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpep_sendfile_bytes_total",
			Help: "Total bytes transferred via kernel sendfile(2).",
		}),
		sendfileQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpep_sendfile_queued_total",
			Help: "Total number of sendfile transfers handed off to the poll loop after EAGAIN.",
		}),
		sendfileCompleteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpep_sendfile_completed_total",
			Help: "Total number of sendfile transfers completed.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsRejected,
		c.connectionsActive,
		c.tlsHandshakesTotal,
		c.workersSpawnedTotal,
		c.workersBusy,
		c.keepAliveSockets,
		c.bytesSentTotal,
		c.sendfileQueuedTotal,
		c.sendfileCompleteTotal,
	)

	return c
}

// ConnectionAccepted increments the accepted counter and active gauge.
func (c *PrometheusCollector) ConnectionAccepted() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionRejected increments the rejected counter for reason.
func (c *PrometheusCollector) ConnectionRejected(reason string) {
	c.connectionsRejected.WithLabelValues(reason).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSHandshakeSucceeded increments the TLS handshake counter with a
// success outcome.
func (c *PrometheusCollector) TLSHandshakeSucceeded() {
	c.tlsHandshakesTotal.WithLabelValues("success").Inc()
}

// TLSHandshakeFailed increments the TLS handshake counter with a failure
// outcome.
func (c *PrometheusCollector) TLSHandshakeFailed() {
	c.tlsHandshakesTotal.WithLabelValues("failure").Inc()
}

// WorkerSpawned increments the worker-spawned counter.
func (c *PrometheusCollector) WorkerSpawned() {
	c.workersSpawnedTotal.Inc()
}

// WorkerBusy adjusts the busy-worker gauge by delta.
func (c *PrometheusCollector) WorkerBusy(delta int) {
	c.workersBusy.Add(float64(delta))
}

// KeepAliveSockets adjusts the keep-alive socket gauge by delta.
func (c *PrometheusCollector) KeepAliveSockets(delta int64) {
	c.keepAliveSockets.Add(float64(delta))
}

// BytesSent adds n to the sendfile byte counter.
func (c *PrometheusCollector) BytesSent(n int64) {
	c.bytesSentTotal.Add(float64(n))
}

// SendfileQueued increments the sendfile-queued counter.
func (c *PrometheusCollector) SendfileQueued() {
	c.sendfileQueuedTotal.Inc()
}

// SendfileCompleted increments the sendfile-completed counter.
func (c *PrometheusCollector) SendfileCompleted() {
	c.sendfileCompleteTotal.Inc()
}
