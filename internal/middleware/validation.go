package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds inbound message text, in bytes.
const MaxMessageLength = 100000

// maxIdentityLength bounds chat and user ids.
const maxIdentityLength = 128

// Validation errors.
var (
	ErrEmptyText       = errors.New("message text cannot be empty")
	ErrTextTooLong     = errors.New("message text exceeds maximum length")
	ErrInvalidEncoding = errors.New("message text must be valid UTF-8")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// ValidateMessageText checks inbound text before it is relayed.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxMessageLength {
		return ErrTextTooLong
	}
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	return nil
}

// ValidateIdentity checks a chat or user id used as a reply target.
func ValidateIdentity(id string) error {
	if id == "" || len(id) > maxIdentityLength {
		return ErrInvalidIdentity
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return ErrInvalidIdentity
		}
	}
	return nil
}
