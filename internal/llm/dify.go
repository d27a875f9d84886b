package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

const (
	dataPrefix     = "data: "
	maxLineSize    = 1 << 20
	maxErrBodySize = 4096
)

// DifyClient streams chat-messages from a Dify application.
type DifyClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *logger.Logger
	newID      func() string
}

// DifyOption configures a DifyClient.
type DifyOption func(*DifyClient)

// WithDifyHTTPClient overrides the HTTP client used for streaming.
func WithDifyHTTPClient(httpClient *http.Client) DifyOption {
	return func(c *DifyClient) {
		c.httpClient = httpClient
	}
}

// WithDifyLogger sets the logger.
func WithDifyLogger(log *logger.Logger) DifyOption {
	return func(c *DifyClient) {
		c.logger = log
	}
}

// NewStreamingHTTPClient returns a client suited to long-lived event streams:
// timeout bounds the wait for response headers, not the whole body.
func NewStreamingHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// NewDifyClient creates a Dify client for the given API root (e.g. https://api.dify.ai/v1).
func NewDifyClient(apiKey, endpoint string, opts ...DifyOption) (*DifyClient, error) {
	if apiKey == "" {
		return nil, errors.New("Dify API key is required")
	}
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("Dify API endpoint is required")
	}

	c := &DifyClient{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: NewStreamingHTTPClient(30 * time.Second),
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrGlobal(c.logger)

	return c, nil
}

// Name returns the provider name.
func (c *DifyClient) Name() string {
	return string(ProviderDify)
}

type difyInputs struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Stream    bool   `json:"stream"`
}

type difyRequest struct {
	Inputs         difyInputs `json:"inputs"`
	Query          string     `json:"query"`
	User           string     `json:"user"`
	ResponseMode   string     `json:"response_mode"`
	ConversationID *string    `json:"conversation_id"`
}

func (c *DifyClient) buildRequest(req *ChatRequest) difyRequest {
	body := difyRequest{
		Inputs: difyInputs{
			Message:   req.Message,
			SessionID: req.ConversationID,
			Stream:    true,
		},
		Query:        req.Message,
		User:         req.User,
		ResponseMode: "streaming",
	}
	if req.ConversationID != "" {
		id := req.ConversationID
		body.ConversationID = &id
	} else {
		body.Inputs.SessionID = c.newID()
	}
	return body
}

// StreamChat opens a streaming chat-messages request.
func (c *DifyClient) StreamChat(ctx context.Context, req *ChatRequest) Stream {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return newFailedStream(&StreamError{Provider: ProviderDify, Err: fmt.Errorf("marshal request: %w", err)})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return newFailedStream(&StreamError{Provider: ProviderDify, Err: fmt.Errorf("create request: %w", err)})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("dify request failed", zap.Error(err))
		return newFailedStream(&StreamError{Provider: ProviderDify, Err: err})
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrBodySize))
		_ = res.Body.Close()
		serr := &StreamError{Provider: ProviderDify, StatusCode: res.StatusCode, Body: string(buf)}
		c.logger.Error("dify returned non-success status",
			zap.Int("status", res.StatusCode),
			zap.String("body", string(buf)),
		)
		return newFailedStream(serr)
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &difyStream{
		body:    res.Body,
		scanner: scanner,
		logger:  c.logger,
	}
}

// difyStream decodes "data: " lines from the response body.
type difyStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *logger.Logger
	done    bool
}

func (s *difyStream) Recv() (model.Event, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		event, err := model.DecodeEvent([]byte(line[len(dataPrefix):]))
		if err != nil {
			s.logger.Warn("skipping malformed stream line", zap.Error(err))
			continue
		}
		if e, ok := event.(model.ErrorEvent); ok {
			s.logger.Error("dify stream reported error", zap.String("message", e.Message))
		}
		return event, nil
	}

	s.done = true
	_ = s.body.Close()

	if err := s.scanner.Err(); err != nil {
		s.logger.Error("dify stream read failed", zap.Error(err))
		return model.ErrorEvent{Message: (&StreamError{Provider: ProviderDify, Err: err}).Error()}, nil
	}
	return nil, io.EOF
}

func (s *difyStream) Close() error {
	s.done = true
	return s.body.Close()
}
