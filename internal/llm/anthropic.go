package llm

import (
	"context"
	"errors"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

const (
	defaultAnthropicModel = "claude-3-5-sonnet-20241022"
	anthropicMaxTokens    = 4096
)

// AnthropicClient streams messages from Anthropic. Like OpenAI it is
// stateless per turn.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// StreamChat sends the message as a single user turn and streams the reply.
func (c *AnthropicClient) StreamChat(ctx context.Context, req *ChatRequest) Stream {
	messages := []anthropic.MessageParam{
		{
			Role: anthropic.F(anthropic.MessageParamRole("user")),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(req.Message),
				},
			}),
		},
	}

	stream := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(c.model),
		MaxTokens: anthropic.F(int64(anthropicMaxTokens)),
		Messages:  anthropic.F(messages),
	})

	return &anthropicStream{stream: stream}
}

// messageEventStream is the subset of the SDK's SSE stream the adapter uses.
type messageEventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEvent
	Err() error
	Close() error
}

type anthropicStream struct {
	stream messageEventStream
	done   bool
}

func (s *anthropicStream) Recv() (model.Event, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.stream.Next() {
		event := s.stream.Current()
		if event.Type == anthropic.MessageStreamEventTypeContentBlockDelta && event.Delta.Type == "text_delta" {
			if event.Delta.Text != "" {
				return model.MessageEvent{Answer: event.Delta.Text}, nil
			}
		}
	}

	s.done = true
	if err := s.stream.Err(); err != nil {
		return model.ErrorEvent{Message: (&StreamError{Provider: ProviderAnthropic, Err: err}).Error()}, nil
	}
	return model.MessageEndEvent{}, nil
}

func (s *anthropicStream) Close() error {
	s.done = true
	return s.stream.Close()
}
