package streamreactor

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "streamreactor"

// Stats collects container level counters. A nil *Stats ignores all updates.
type Stats struct {
	ActiveConnections    prometheus.Gauge
	AcceptedConnections  prometheus.Counter
	ConnectAttempts      prometheus.Counter
	ReconnectAttempts    prometheus.Counter
	Disconnects          prometheus.Counter
	BytesSent            prometheus.Counter
	BytesReceived        prometheus.Counter
	TLSHandshakeFailures prometheus.Counter
	PollerErrors         prometheus.Counter
}

func NewStats(containerName string) *Stats {
	labels := prometheus.Labels{"container": containerName}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &Stats{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_active",
			Help:        "Connections currently held by the container.",
			ConstLabels: labels,
		}),
		AcceptedConnections:  counter("connections_accepted_total", "Incoming connections accepted."),
		ConnectAttempts:      counter("connect_attempts_total", "Outgoing connect requests."),
		ReconnectAttempts:    counter("reconnect_attempts_total", "Reconnect attempts made by the sweep."),
		Disconnects:          counter("disconnects_total", "Connections torn down."),
		BytesSent:            counter("bytes_sent_total", "Bytes written to sockets."),
		BytesReceived:        counter("bytes_received_total", "Bytes read from sockets."),
		TLSHandshakeFailures: counter("tls_handshake_failures_total", "Failed TLS handshakes."),
		PollerErrors:         counter("poller_errors_total", "Failed poller waits."),
	}
}

func (s *Stats) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.ActiveConnections, s.AcceptedConnections, s.ConnectAttempts, s.ReconnectAttempts,
		s.Disconnects, s.BytesSent, s.BytesReceived, s.TLSHandshakeFailures, s.PollerErrors,
	}
}

func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range s.collectors() {
		c.Describe(ch)
	}
}

func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for _, c := range s.collectors() {
		c.Collect(ch)
	}
}

func (s *Stats) connectionAdded() {
	if s != nil {
		s.ActiveConnections.Inc()
	}
}

func (s *Stats) connectionRemoved() {
	if s != nil {
		s.ActiveConnections.Dec()
		s.Disconnects.Inc()
	}
}

func (s *Stats) accepted() {
	if s != nil {
		s.AcceptedConnections.Inc()
	}
}

func (s *Stats) connectAttempt() {
	if s != nil {
		s.ConnectAttempts.Inc()
	}
}

func (s *Stats) reconnectAttempt() {
	if s != nil {
		s.ReconnectAttempts.Inc()
	}
}

func (s *Stats) sent(n int) {
	if s != nil && n > 0 {
		s.BytesSent.Add(float64(n))
	}
}

func (s *Stats) received(n int) {
	if s != nil && n > 0 {
		s.BytesReceived.Add(float64(n))
	}
}

func (s *Stats) tlsFailure() {
	if s != nil {
		s.TLSHandshakeFailures.Inc()
	}
}

func (s *Stats) pollerError() {
	if s != nil {
		s.PollerErrors.Inc()
	}
}
