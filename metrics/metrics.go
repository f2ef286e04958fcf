// Package metrics provides a Prometheus implementation of
// connectivity.Metrics.
//
// # Metric Names
//
// All metrics use the configured namespace prefix (default: "meshnet").
//
//	meshnet_status{role="advertising|discovery"}            0 inactive, 1 pending, 2 active
//	meshnet_endpoints{state="discovered|connecting|connected"}
//	meshnet_messages_accepted_total{origin="local|remote"}
//	meshnet_messages_duplicate_total
//	meshnet_payloads_dropped_total
//	meshnet_connection_results_total{result="success|failure"}
//	meshnet_send_failures_total
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"meshnet/connectivity"
	"meshnet/models"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "meshnet"

// Metrics implements connectivity.Metrics with Prometheus collectors. It is
// safe for concurrent use.
type Metrics struct {
	status    *prometheus.GaugeVec
	endpoints *prometheus.GaugeVec

	messagesAccepted  *prometheus.CounterVec
	messagesDuplicate prometheus.Counter
	payloadsDropped   prometheus.Counter

	connectionResults *prometheus.CounterVec
	sendFailures      prometheus.Counter
}

var _ connectivity.Metrics = (*Metrics)(nil)

// NewMetrics registers the collectors with the default registry and panics
// if they are already registered.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer builds the collectors and registers them with
// registerer. A nil registerer leaves them unregistered.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Advertising and discovery status: 0 inactive, 1 pending, 2 active",
		}, []string{"role"}),
		endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Known endpoints by connection state",
		}, []string{"state"}),
		messagesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Messages added to the log",
		}, []string{"origin"}),
		messagesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Received messages dropped because their id was already known",
		}),
		payloadsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_dropped_total",
			Help:      "Received payloads that failed to decode",
		}),
		connectionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_results_total",
			Help:      "Completed connection attempts by result",
		}, []string{"result"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Payload deliveries the transport reported as failed",
		}),
	}

	for _, state := range []models.EndpointState{models.EndpointDiscovered, models.EndpointConnecting, models.EndpointConnected} {
		m.endpoints.WithLabelValues(stateLabel(state)).Set(0)
	}

	if registerer != nil {
		registerer.MustRegister(
			m.status,
			m.endpoints,
			m.messagesAccepted,
			m.messagesDuplicate,
			m.payloadsDropped,
			m.connectionResults,
			m.sendFailures,
		)
	}
	return m
}

func (m *Metrics) StatusChanged(role string, status models.ConnectivityStatus) {
	m.status.WithLabelValues(role).Set(float64(status))
}

// EndpointsChanged replaces the per-state endpoint gauges with counts taken
// from the full list.
func (m *Metrics) EndpointsChanged(endpoints []models.Endpoint) {
	counts := map[models.EndpointState]int{
		models.EndpointDiscovered: 0,
		models.EndpointConnecting: 0,
		models.EndpointConnected:  0,
	}
	for _, endpoint := range endpoints {
		counts[endpoint.State]++
	}
	for state, n := range counts {
		m.endpoints.WithLabelValues(stateLabel(state)).Set(float64(n))
	}
}

func (m *Metrics) MessageAccepted(origin string) {
	m.messagesAccepted.WithLabelValues(origin).Inc()
}

func (m *Metrics) MessageDuplicate() {
	m.messagesDuplicate.Inc()
}

func (m *Metrics) PayloadDropped() {
	m.payloadsDropped.Inc()
}

func (m *Metrics) ConnectionResult(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.connectionResults.WithLabelValues(result).Inc()
}

func (m *Metrics) SendFailed() {
	m.sendFailures.Inc()
}

func stateLabel(state models.EndpointState) string {
	return strings.ToLower(state.String())
}
