// Package service implements the relay turn pipeline.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// ErrNotFound is returned when no conversation is recorded for an identity.
var ErrNotFound = errors.New("conversation not found")

// ConversationStore maps an identity to its last known AI conversation.
// Implementations only guarantee atomic single-key reads and writes;
// concurrent turns for the same identity are last-write-wins.
type ConversationStore interface {
	Get(ctx context.Context, identity string) (*model.ConversationRecord, error)
	Put(ctx context.Context, identity, conversationID string) error
}

// MemoryConversationStore keeps records for the lifetime of the process.
type MemoryConversationStore struct {
	mu      sync.RWMutex
	records map[string]model.ConversationRecord
	now     func() time.Time
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		records: make(map[string]model.ConversationRecord),
		now:     time.Now,
	}
}

// Get returns a copy of the record for identity.
func (s *MemoryConversationStore) Get(_ context.Context, identity string) (*model.ConversationRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[identity]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Put replaces the record for identity, stamping it with the current time.
func (s *MemoryConversationStore) Put(_ context.Context, identity, conversationID string) error {
	s.mu.Lock()
	s.records[identity] = model.ConversationRecord{
		ConversationID: conversationID,
		UpdatedAt:      s.now(),
	}
	s.mu.Unlock()

	metrics.SetConversationsStored(s.Len())
	return nil
}

// Len returns the number of identities with a record.
func (s *MemoryConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LookupConversationID returns the stored conversation id for identity. A
// missing record yields "" and a nil error.
func LookupConversationID(ctx context.Context, store ConversationStore, identity string) (string, error) {
	rec, err := store.Get(ctx, identity)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.ConversationID, nil
}
