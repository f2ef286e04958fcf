package connectivity

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"meshnet/models"
)

// Registry tracks every known endpoint and its connection state. Each mutation
// and the resulting snapshot publication happen under one lock, so observers
// see snapshots in mutation order.
type Registry struct {
	mu        sync.Mutex
	endpoints []models.Endpoint
	publish   func([]models.Endpoint)
	logger    *zap.Logger
}

// NewRegistry returns an empty registry. publish, when non-nil, receives a copy
// of the endpoint list after every change and must not block.
func NewRegistry(publish func([]models.Endpoint), logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{publish: publish, logger: logger}
}

// Add inserts an endpoint, replacing any existing record with the same id.
func (r *Registry) Add(endpoint models.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.indexLocked(endpoint.ID); idx >= 0 {
		r.endpoints[idx] = endpoint
	} else {
		r.endpoints = append(r.endpoints, endpoint)
	}
	r.publishLocked()
}

// Remove deletes an endpoint. Unknown ids are ignored.
func (r *Registry) Remove(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(endpointID)
	if idx < 0 {
		return
	}
	r.endpoints = append(r.endpoints[:idx], r.endpoints[idx+1:]...)
	r.publishLocked()
}

// UpdateState sets the state of a known endpoint without checking transition
// legality. It never creates an endpoint.
func (r *Registry) UpdateState(endpointID string, state models.EndpointState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(endpointID)
	if idx < 0 {
		r.logger.Error("state update for unknown endpoint",
			zap.String("endpoint_id", endpointID),
			zap.Stringer("state", state),
		)
		return fmt.Errorf("update %q: %w", endpointID, ErrEndpointNotFound)
	}
	if r.endpoints[idx].State == state {
		return nil
	}
	r.endpoints[idx].State = state
	r.publishLocked()
	return nil
}

// Transition moves an endpoint along a legal edge of the state machine and
// returns the previous state. A transition to the current state is a no-op.
func (r *Registry) Transition(endpointID string, to models.EndpointState) (models.EndpointState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(endpointID)
	if idx < 0 {
		return 0, fmt.Errorf("transition %q to %s: %w", endpointID, to, ErrEndpointNotFound)
	}
	from := r.endpoints[idx].State
	if from == to {
		return from, nil
	}
	if !legalTransition(from, to) {
		return from, fmt.Errorf("transition %q %s -> %s: %w", endpointID, from, to, ErrIllegalTransition)
	}
	r.endpoints[idx].State = to
	r.publishLocked()
	return from, nil
}

// TransitionFrom moves an endpoint to state to only when it is currently in
// state from. It lets a caller check and claim a state in one step.
func (r *Registry) TransitionFrom(endpointID string, from, to models.EndpointState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(endpointID)
	if idx < 0 {
		return fmt.Errorf("transition %q to %s: %w", endpointID, to, ErrEndpointNotFound)
	}
	current := r.endpoints[idx].State
	if current != from || !legalTransition(from, to) {
		return fmt.Errorf("transition %q %s -> %s: %w", endpointID, current, to, ErrIllegalTransition)
	}
	r.endpoints[idx].State = to
	r.publishLocked()
	return nil
}

// Get returns the endpoint with the given id.
func (r *Registry) Get(endpointID string) (models.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(endpointID)
	if idx < 0 {
		return models.Endpoint{}, false
	}
	return r.endpoints[idx], true
}

// List returns a copy of all endpoints in insertion order.
func (r *Registry) List() []models.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Connected returns a copy of every endpoint in the CONNECTED state.
func (r *Registry) Connected() []models.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	connected := make([]models.Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		if endpoint.State == models.EndpointConnected {
			connected = append(connected, endpoint)
		}
	}
	return connected
}

func (r *Registry) indexLocked(endpointID string) int {
	for i := range r.endpoints {
		if r.endpoints[i].ID == endpointID {
			return i
		}
	}
	return -1
}

func (r *Registry) snapshotLocked() []models.Endpoint {
	snapshot := make([]models.Endpoint, len(r.endpoints))
	copy(snapshot, r.endpoints)
	return snapshot
}

func (r *Registry) publishLocked() {
	if r.publish == nil {
		return
	}
	r.publish(r.snapshotLocked())
}

func legalTransition(from, to models.EndpointState) bool {
	switch from {
	case models.EndpointDiscovered:
		return to == models.EndpointConnecting
	case models.EndpointConnecting:
		return to == models.EndpointConnected || to == models.EndpointDiscovered
	case models.EndpointConnected:
		return to == models.EndpointDiscovered
	default:
		return false
	}
}

// SortForDisplay orders endpoints connected first, then connecting, then
// discovered. Endpoints in the same state keep their relative order.
func SortForDisplay(endpoints []models.Endpoint) []models.Endpoint {
	sorted := make([]models.Endpoint, len(endpoints))
	copy(sorted, endpoints)
	sort.SliceStable(sorted, func(i, j int) bool {
		return displayRank(sorted[i].State) < displayRank(sorted[j].State)
	})
	return sorted
}

func displayRank(state models.EndpointState) int {
	switch state {
	case models.EndpointConnected:
		return 0
	case models.EndpointConnecting:
		return 1
	default:
		return 2
	}
}
