// Package memory implements the recoverability and monitoring persistence
// ports on process memory. It backs tests and the "memory" storage driver.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
)

// Store holds every document kind behind a single lock so that batch
// application (patch plus delete) is atomic.
type Store struct {
	mu sync.RWMutex

	messages   map[string]*recoverability.FailedMessage
	operations map[string]*recoverability.Operation
	batches    map[string]*recoverability.Batch
	heartbeats map[uuid.UUID]*monitoring.Heartbeat
}

var (
	_ recoverability.FailedMessageStore = (*Store)(nil)
	_ monitoring.HeartbeatRepository    = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		messages:   make(map[string]*recoverability.FailedMessage),
		operations: make(map[string]*recoverability.Operation),
		batches:    make(map[string]*recoverability.Batch),
		heartbeats: make(map[uuid.UUID]*monitoring.Heartbeat),
	}
}

// SaveFailedMessages upserts the given messages.
func (s *Store) SaveFailedMessages(_ context.Context, msgs ...*recoverability.FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = cloneMessage(m)
	}
	return nil
}

// GetFailedMessage returns a copy of the message, or nil if absent.
func (s *Store) GetFailedMessage(_ context.Context, id string) (*recoverability.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(m), nil
}

func cloneMessage(m *recoverability.FailedMessage) *recoverability.FailedMessage {
	c := *m
	c.FailureGroups = append([]recoverability.FailureGroup(nil), m.FailureGroups...)
	return &c
}
