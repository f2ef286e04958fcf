package connectivity

import (
	"sync"

	"go.uber.org/zap"

	"meshnet/models"
)

// Persister stores accepted messages outside the process.
type Persister interface {
	SaveMessage(message models.Message) error
	LoadMessages() ([]models.Message, error)
}

// SeenIDLoader is implemented by persisters that remember ids of messages
// no longer in the log. Restore marks those ids as seen so a pruned message
// is not accepted again.
type SeenIDLoader interface {
	LoadSeenIDs() ([]string, error)
}

// Store is the ordered, id-deduplicated message log.
type Store struct {
	mu        sync.Mutex
	messages  []models.Message
	ids       map[string]struct{}
	persister Persister
	publish   func([]models.Message, models.Message)
	logger    *zap.Logger
}

// NewStore returns an empty store. publish, when non-nil, receives the full
// log and the appended message after every accepted Add and must not block.
func NewStore(persister Persister, publish func([]models.Message, models.Message), logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		ids:       make(map[string]struct{}),
		persister: persister,
		publish:   publish,
		logger:    logger,
	}
}

// Add appends message unless a message with the same id is already stored.
// It reports whether the message was appended.
func (s *Store) Add(message models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[message.ID]; exists {
		return false
	}
	s.ids[message.ID] = struct{}{}
	s.messages = append(s.messages, message)

	if s.persister != nil {
		if err := s.persister.SaveMessage(message); err != nil {
			s.logger.Warn("persist message failed",
				zap.String("message_id", message.ID),
				zap.Error(err),
			)
		}
	}
	if s.publish != nil {
		s.publish(s.snapshotLocked(), message)
	}
	return true
}

// Restore loads the persisted log into an empty store. Messages already
// present are skipped. Nothing is published.
func (s *Store) Restore() (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	loaded, err := s.persister.LoadMessages()
	if err != nil {
		return 0, err
	}
	var seen []string
	if loader, ok := s.persister.(SeenIDLoader); ok {
		if seen, err = loader.LoadSeenIDs(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, message := range loaded {
		if _, exists := s.ids[message.ID]; exists {
			continue
		}
		s.ids[message.ID] = struct{}{}
		s.messages = append(s.messages, message)
		restored++
	}
	for _, id := range seen {
		s.ids[id] = struct{}{}
	}
	return restored, nil
}

// List returns a copy of the log in insertion order.
func (s *Store) List() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []models.Message {
	snapshot := make([]models.Message, len(s.messages))
	copy(snapshot, s.messages)
	return snapshot
}
