// Package model defines data structures for the chat relay.
package model

import (
	"time"
)

// ConversationRecord is the last known AI conversation for one identity.
type ConversationRecord struct {
	ConversationID string    `json:"conversation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}
