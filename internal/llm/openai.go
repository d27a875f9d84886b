package llm

import (
	"context"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient streams chat completions from OpenAI. Completions are
// stateless, so the end event never carries a conversation id.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a new OpenAI client. A non-empty baseURL points it
// at an OpenAI-compatible server.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return string(ProviderOpenAI)
}

// StreamChat sends the message as a single user turn and streams the reply.
func (c *OpenAIClient) StreamChat(ctx context.Context, req *ChatRequest) Stream {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Message},
		},
		User:   req.User,
		Stream: true,
	})
	if err != nil {
		return newFailedStream(&StreamError{Provider: ProviderOpenAI, Err: err})
	}

	return &openAIStream{stream: stream}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	done   bool
}

func (s *openAIStream) Recv() (model.Event, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return model.MessageEndEvent{}, nil
		}
		if err != nil {
			s.done = true
			return model.ErrorEvent{Message: (&StreamError{Provider: ProviderOpenAI, Err: err}).Error()}, nil
		}

		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			return model.MessageEvent{Answer: delta}, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.done = true
	s.stream.Close()
	return nil
}
