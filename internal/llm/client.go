// Package llm provides streaming AI backend clients that all produce the same
// model.Event sequence.
package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// ChatRequest is one user turn sent to an AI backend.
type ChatRequest struct {
	Message        string
	User           string
	ConversationID string
}

// Stream is a finite, single-consumer sequence of events. Recv returns io.EOF
// once the sequence is exhausted. Transport and protocol failures are
// delivered as a final model.ErrorEvent rather than as an error.
type Stream interface {
	Recv() (model.Event, error)
	Close() error
}

// Streamer opens event streams. Opening never fails: a backend that cannot
// be reached yields a stream holding a single model.ErrorEvent.
type Streamer interface {
	StreamChat(ctx context.Context, req *ChatRequest) Stream

	// Name returns the provider name.
	Name() string
}

// Provider is the type of AI backend.
type Provider string

const (
	ProviderDify      Provider = "dify"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// StreamError describes why a stream ended early.
type StreamError struct {
	Provider   Provider
	StatusCode int
	Body       string
	Err        error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: stream failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *StreamError) Unwrap() error { return e.Err }

// failedStream yields one ErrorEvent and then io.EOF.
type failedStream struct {
	err  error
	done bool
}

func newFailedStream(err error) *failedStream {
	return &failedStream{err: err}
}

func (s *failedStream) Recv() (model.Event, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return model.ErrorEvent{Message: s.err.Error()}, nil
}

func (s *failedStream) Close() error { return nil }
