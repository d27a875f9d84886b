// Package feishu talks to the Feishu open platform: tenant access tokens and
// outbound IM messages.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// DefaultBaseURL is the public Feishu open API root.
const DefaultBaseURL = "https://open.feishu.cn/open-apis"

const msgTypeText = "text"

// Receive ID kinds accepted by the messages endpoint.
const (
	ReceiveIDTypeChat = "chat_id"
	ReceiveIDTypeUser = "open_id"
)

// ReceiveIDType infers the receive_id_type for an identity from its prefix.
// The second result is false when the prefix is not recognised and the
// chat_id default was applied.
func ReceiveIDType(receiveID string) (string, bool) {
	switch {
	case strings.HasPrefix(receiveID, "oc_"):
		return ReceiveIDTypeChat, true
	case strings.HasPrefix(receiveID, "ou_"):
		return ReceiveIDTypeUser, true
	default:
		return ReceiveIDTypeChat, false
	}
}

// Client sends text messages on behalf of the app.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// Option configures a Client or TokenProvider.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// WithBaseURL overrides the open API root.
func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

func buildOptions(opts []Option) options {
	o := options{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.baseURL == "" {
		o.baseURL = DefaultBaseURL
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	o.logger = logger.OrGlobal(o.logger)
	return o
}

// NewClient creates a message delivery client.
func NewClient(opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		baseURL:    o.baseURL,
		httpClient: o.httpClient,
		logger:     o.logger,
	}
}

type sendRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
}

type sendResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}

// SendResult describes a delivered message.
type SendResult struct {
	MessageID string
}

// SendText delivers one text message to receiveID. It makes exactly one
// request and never retries.
func (c *Client) SendText(ctx context.Context, token, receiveID, text string) (*SendResult, error) {
	idType, known := ReceiveIDType(receiveID)
	if !known {
		c.logger.Warn("unknown receive_id prefix, defaulting to chat_id",
			zap.String("receive_id", receiveID),
		)
	}

	content, err := encodeNoEscape(map[string]string{"text": text})
	if err != nil {
		return nil, &DeliveryError{ReceiveID: receiveID, Err: fmt.Errorf("encode content: %w", err)}
	}
	body, err := encodeNoEscape(sendRequest{
		ReceiveID: receiveID,
		MsgType:   msgTypeText,
		Content:   content,
	})
	if err != nil {
		return nil, &DeliveryError{ReceiveID: receiveID, Err: fmt.Errorf("encode request: %w", err)}
	}

	endpoint := c.baseURL + "/im/v1/messages?receive_id_type=" + url.QueryEscape(idType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, &DeliveryError{ReceiveID: receiveID, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug("sending feishu message",
		zap.String("receive_id", receiveID),
		zap.String("receive_id_type", idType),
		zap.Int("length", len(text)),
	)

	status, raw, err := do(c.httpClient, req)
	if err != nil {
		return nil, &DeliveryError{ReceiveID: receiveID, Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &DeliveryError{ReceiveID: receiveID, StatusCode: status, Body: string(raw)}
	}

	var resp sendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &DeliveryError{ReceiveID: receiveID, StatusCode: status, Body: string(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Code != 0 {
		return nil, &DeliveryError{ReceiveID: receiveID, StatusCode: status, Code: resp.Code, Body: resp.Msg}
	}

	return &SendResult{MessageID: resp.Data.MessageID}, nil
}

// encodeNoEscape marshals v as JSON without HTML escaping so that answer text
// such as "<b>" or "&" reaches the chat untouched.
func encodeNoEscape(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// do executes req and returns the status and a bounded copy of the body.
func do(httpClient *http.Client, req *http.Request) (int, []byte, error) {
	res, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return res.StatusCode, raw, nil
}
