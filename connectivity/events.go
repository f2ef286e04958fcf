package connectivity

import (
	"sync"

	"meshnet/models"
)

// EventKind identifies which observable changed.
type EventKind int

const (
	EventAdvertisingStatus EventKind = iota
	EventDiscoveryStatus
	EventEndpoints
	EventMessages
)

func (k EventKind) String() string {
	switch k {
	case EventAdvertisingStatus:
		return "advertising_status"
	case EventDiscoveryStatus:
		return "discovery_status"
	case EventEndpoints:
		return "endpoints"
	case EventMessages:
		return "messages"
	default:
		return "unknown"
	}
}

// Event carries a fresh snapshot of one observable. Only the fields matching
// Kind are set.
type Event struct {
	Kind      EventKind
	Status    models.ConnectivityStatus
	Endpoints []models.Endpoint
	Messages  []models.Message
	// Message is the message appended by the change that produced an
	// EventMessages event.
	Message models.Message
}

const defaultSubscriberBuffer = 64

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// emit delivers event to every subscriber without blocking. A subscriber
// whose buffer is full misses the event.
func (h *hub) emit(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
