package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"meshnet/models"
)

func TestNewMetrics_DefaultNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("", registry)
	m.SendFailed()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "meshnet_send_failures_total" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected metric with default namespace 'meshnet'")
	}
}

func TestNewMetrics_NilRegisterer(t *testing.T) {
	m := NewMetricsWithRegisterer("test", nil)
	m.PayloadDropped()

	if got := testutil.ToFloat64(m.payloadsDropped); got != 1 {
		t.Errorf("payloads dropped = %v, want 1", got)
	}
}

func TestStatusChanged(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.StatusChanged("advertising", models.StatusPending)
	m.StatusChanged("discovery", models.StatusActive)
	m.StatusChanged("advertising", models.StatusInactive)

	if got := testutil.ToFloat64(m.status.WithLabelValues("advertising")); got != 0 {
		t.Errorf("advertising status = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.status.WithLabelValues("discovery")); got != 2 {
		t.Errorf("discovery status = %v, want 2", got)
	}
}

func TestEndpointsChangedResetsMissingStates(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.EndpointsChanged([]models.Endpoint{
		{ID: "a", State: models.EndpointConnected},
		{ID: "b", State: models.EndpointConnected},
		{ID: "c", State: models.EndpointDiscovered},
	})
	if got := testutil.ToFloat64(m.endpoints.WithLabelValues("connected")); got != 2 {
		t.Errorf("connected = %v, want 2", got)
	}

	m.EndpointsChanged([]models.Endpoint{{ID: "c", State: models.EndpointConnecting}})
	if got := testutil.ToFloat64(m.endpoints.WithLabelValues("connected")); got != 0 {
		t.Errorf("connected after update = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.endpoints.WithLabelValues("connecting")); got != 1 {
		t.Errorf("connecting after update = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.endpoints.WithLabelValues("discovered")); got != 0 {
		t.Errorf("discovered after update = %v, want 0", got)
	}
}

func TestMessageCounters(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.MessageAccepted("local")
	m.MessageAccepted("remote")
	m.MessageAccepted("remote")
	m.MessageDuplicate()
	m.ConnectionResult(true)
	m.ConnectionResult(false)
	m.ConnectionResult(false)

	if got := testutil.ToFloat64(m.messagesAccepted.WithLabelValues("remote")); got != 2 {
		t.Errorf("remote accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.messagesDuplicate); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connectionResults.WithLabelValues("failure")); got != 2 {
		t.Errorf("failed connections = %v, want 2", got)
	}
}
