package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
)

// DefaultBucket is the key-value bucket holding conversation records.
const DefaultBucket = "relay_conversations"

// bucket is the subset of jetstream.KeyValue the store uses.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// KVConversationStore persists identity to conversation mappings in a
// JetStream key-value bucket, so they survive restarts and are shared
// between replicas.
type KVConversationStore struct {
	kv  bucket
	now func() time.Time
}

var _ service.ConversationStore = (*KVConversationStore)(nil)

// NewKVConversationStore opens the named bucket, creating it when missing.
func NewKVConversationStore(ctx context.Context, client *Client, name string) (*KVConversationStore, error) {
	if name == "" {
		name = DefaultBucket
	}
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: "Chat identity to AI conversation id",
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", name, err)
	}

	return newKVConversationStore(kv), nil
}

func newKVConversationStore(kv bucket) *KVConversationStore {
	return &KVConversationStore{kv: kv, now: time.Now}
}

// Get returns the record for identity or service.ErrNotFound.
func (s *KVConversationStore) Get(ctx context.Context, identity string) (*model.ConversationRecord, error) {
	entry, err := s.kv.Get(ctx, recordKey(identity))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, service.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	var rec model.ConversationRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &rec, nil
}

// Put overwrites the record for identity.
func (s *KVConversationStore) Put(ctx context.Context, identity, conversationID string) error {
	data, err := json.Marshal(model.ConversationRecord{
		ConversationID: conversationID,
		UpdatedAt:      s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	if _, err := s.kv.Put(ctx, recordKey(identity), data); err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	return nil
}

// recordKey maps an identity onto the KV key alphabet.
func recordKey(identity string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identity))
}
