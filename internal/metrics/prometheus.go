package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the LAN audio service.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Discovery metrics
	DiscoveryRequestsSent     prometheus.Counter
	DiscoveryResponsesHandled prometheus.Counter
	KnownServers              *prometheus.GaugeVec
	ServersPurged             prometheus.Counter

	// Datagram metrics
	DatagramsReceived *prometheus.CounterVec
	DatagramsRejected *prometheus.CounterVec
	ParseErrors       *prometheus.CounterVec

	// Streaming metrics
	ActiveConnections  prometheus.Gauge
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	ClientDisconnects  prometheus.Counter
	ConnectionFailures prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	BufferedBytes      prometheus.Histogram

	// Worker metrics
	WorkerErrors *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		// Discovery metrics
		DiscoveryRequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_discovery_requests_sent_total",
			Help: "Total number of discovery requests sent (multicast and unicast)",
		}),
		DiscoveryResponsesHandled: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_discovery_responses_total",
			Help: "Total number of discovery responses applied to the server index",
		}),
		KnownServers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanaudio_known_servers",
			Help: "Current number of known remote servers",
		}, []string{"kind"}),
		ServersPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_servers_purged_total",
			Help: "Total number of stale auto-discovered servers purged",
		}),

		// Datagram metrics
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanaudio_datagrams_received_total",
			Help: "Total number of control datagrams received",
		}, []string{"transport"}),
		DatagramsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanaudio_datagrams_rejected_total",
			Help: "Total number of datagrams rejected as possibly truncated",
		}, []string{"transport"}),
		ParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanaudio_parse_errors_total",
			Help: "Total number of control packets that failed to decode",
		}, []string{"transport"}),

		// Streaming metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanaudio_audio_connections",
			Help: "Current number of audio connections served",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_audio_bytes_sent_total",
			Help: "Total number of audio payload bytes written to clients",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_audio_bytes_received_total",
			Help: "Total number of audio payload bytes received from a server",
		}),
		ClientDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_client_disconnects_total",
			Help: "Total number of audio clients that disconnected normally",
		}),
		ConnectionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_connection_failures_total",
			Help: "Total number of audio connections that failed fatally",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanaudio_client_connect_attempts_total",
			Help: "Total number of audio client connection attempts",
		}),
		BufferedBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanaudio_buffered_bytes",
			Help:    "Bytes waiting in a connection buffer when a chunk is sent",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Worker metrics
		WorkerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanaudio_worker_errors_total",
			Help: "Total number of worker task failures",
		}, []string{"worker"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanaudio_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lanaudio_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanaudio_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDiscoveryRequest increments the requests sent counter
func (m *Metrics) RecordDiscoveryRequest() {
	if m == nil {
		return
	}
	m.DiscoveryRequestsSent.Inc()
}

// RecordDiscoveryResponse increments the responses handled counter
func (m *Metrics) RecordDiscoveryResponse() {
	if m == nil {
		return
	}
	m.DiscoveryResponsesHandled.Inc()
}

// SetKnownServers sets the auto and manual server gauges
func (m *Metrics) SetKnownServers(auto, manual int) {
	if m == nil {
		return
	}
	m.KnownServers.WithLabelValues("auto").Set(float64(auto))
	m.KnownServers.WithLabelValues("manual").Set(float64(manual))
}

// RecordServersPurged adds n purged servers
func (m *Metrics) RecordServersPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ServersPurged.Add(float64(n))
}

// RecordDatagramReceived increments the datagrams received counter
func (m *Metrics) RecordDatagramReceived(transport string) {
	if m == nil {
		return
	}
	m.DatagramsReceived.WithLabelValues(transport).Inc()
}

// RecordDatagramRejected increments the rejected datagrams counter
func (m *Metrics) RecordDatagramRejected(transport string) {
	if m == nil {
		return
	}
	m.DatagramsRejected.WithLabelValues(transport).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError(transport string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(transport).Inc()
}

// SetActiveConnections sets the current number of audio connections
func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(count))
}

// RecordBytesSent records a chunk written to a client
func (m *Metrics) RecordBytesSent(n int, buffered int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
	m.BufferedBytes.Observe(float64(buffered))
}

// RecordBytesReceived records a chunk received from a server
func (m *Metrics) RecordBytesReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// RecordClientDisconnect increments the normal disconnect counter
func (m *Metrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnects.Inc()
}

// RecordConnectionFailure increments the fatal connection error counter
func (m *Metrics) RecordConnectionFailure() {
	if m == nil {
		return
	}
	m.ConnectionFailures.Inc()
}

// RecordConnectAttempt increments the client connection attempts counter
func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordWorkerError increments the failure counter of a worker
func (m *Metrics) RecordWorkerError(worker string) {
	if m == nil {
		return
	}
	m.WorkerErrors.WithLabelValues(worker).Inc()
}

// WorkerErrorHook returns a callback suitable for worker.Options.OnError
func (m *Metrics) WorkerErrorHook(worker string) func(error) {
	if m == nil {
		return nil
	}
	return func(error) { m.RecordWorkerError(worker) }
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
