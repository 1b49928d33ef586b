// Prometheus-style metrics for the gRPC transport layer.
//
// Metrics tracks operational counters and a gauge for the transport client.
// All fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock.
//
// Handler returns an http.Handler that serves the registered metrics in the
// standard Prometheus text exposition format on every GET request:
//
//	m := transport.NewMetrics()
//	http.Handle("/metrics", m.Handler())
//
// Metric catalogue:
//
//	transport_connection_attempts_total   – counter: times the client tried to open a gRPC connection
//	transport_reconnect_attempts_total    – counter: reconnect cycles after a transient error
//	transport_registrations_total         – counter: Register RPCs attempted
//	transport_registration_errors_total   – counter: Register RPCs that returned an error
//	transport_events_sent_total           – counter: TriageEvent messages delivered to the dashboard
//	transport_stream_send_errors_total    – counter: errors returned by stream.Send
//	transport_stream_recv_errors_total    – counter: errors returned by stream.Recv (non-EOF)
//	transport_connected                   – gauge:   1 when a stream is active, 0 otherwise
package transport

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and the gauge for the transport
// layer. The zero value is ready to use; all counters start at zero.
type Metrics struct {
	ConnectionAttempts atomic.Int64
	ReconnectAttempts  atomic.Int64
	Registrations      atomic.Int64
	RegistrationErrors atomic.Int64
	EventsSent         atomic.Int64
	StreamSendErrors   atomic.Int64
	StreamRecvErrors   atomic.Int64

	Connected atomic.Int64
}

// NewMetrics allocates a new Metrics value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{"Total number of gRPC connection attempts made by the transport client.", "counter", "transport_connection_attempts_total", m.ConnectionAttempts.Load()},
		{"Total number of reconnection cycles initiated after a transient error.", "counter", "transport_reconnect_attempts_total", m.ReconnectAttempts.Load()},
		{"Total number of Register RPCs attempted.", "counter", "transport_registrations_total", m.Registrations.Load()},
		{"Total number of Register RPCs that returned an error.", "counter", "transport_registration_errors_total", m.RegistrationErrors.Load()},
		{"Total number of TriageEvent messages successfully delivered to the dashboard.", "counter", "transport_events_sent_total", m.EventsSent.Load()},
		{"Total number of stream.Send calls that returned an error.", "counter", "transport_stream_send_errors_total", m.StreamSendErrors.Load()},
		{"Total number of stream.Recv calls that returned a non-EOF error.", "counter", "transport_stream_recv_errors_total", m.StreamRecvErrors.Load()},
		{"1 when a bidirectional TriageEvent stream is currently active, 0 otherwise.", "gauge", "transport_connected", m.Connected.Load()},
	}
}

// Handler returns an http.Handler that writes all transport metrics in the
// Prometheus text exposition format on every GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
