package connectivity

import "meshnet/models"

// Roles reported to Metrics.StatusChanged.
const (
	RoleAdvertising = "advertising"
	RoleDiscovery   = "discovery"
)

// Message origins reported to Metrics.MessageAccepted.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Metrics receives core activity. The metrics package provides a Prometheus
// implementation.
type Metrics interface {
	StatusChanged(role string, status models.ConnectivityStatus)
	EndpointsChanged(endpoints []models.Endpoint)
	MessageAccepted(origin string)
	MessageDuplicate()
	PayloadDropped()
	ConnectionResult(success bool)
	SendFailed()
}

type nopMetrics struct{}

func (nopMetrics) StatusChanged(string, models.ConnectivityStatus) {}
func (nopMetrics) EndpointsChanged([]models.Endpoint)              {}
func (nopMetrics) MessageAccepted(string)                          {}
func (nopMetrics) MessageDuplicate()                               {}
func (nopMetrics) PayloadDropped()                                 {}
func (nopMetrics) ConnectionResult(bool)                           {}
func (nopMetrics) SendFailed()                                     {}
