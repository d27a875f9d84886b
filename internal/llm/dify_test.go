package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

func drain(t *testing.T, s Stream) []model.Event {
	t.Helper()
	defer s.Close()

	var events []model.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func sseServer(t *testing.T, lines []string, seen *difyRequest, auth *string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat-messages", r.URL.Path)
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestDify(t *testing.T, endpoint string) *DifyClient {
	t.Helper()
	c, err := NewDifyClient("app-key", endpoint,
		WithDifyHTTPClient(http.DefaultClient),
		WithDifyLogger(logger.FromZap(zaptest.NewLogger(t))),
	)
	require.NoError(t, err)
	return c
}

func TestNewDifyClient_Validates(t *testing.T) {
	_, err := NewDifyClient("", "https://dify")
	require.Error(t, err)
	_, err = NewDifyClient("key", " ")
	require.Error(t, err)
}

func TestDifyStreamChat_RequestShape(t *testing.T) {
	var seen difyRequest
	var auth string
	url := sseServer(t, []string{`data: {"event":"message_end","conversation_id":"conv-1"}`}, &seen, &auth)
	c := newTestDify(t, url+"/")

	events := drain(t, c.StreamChat(context.Background(), &ChatRequest{Message: "hello", User: "ou_1", ConversationID: "conv-1"}))
	require.Len(t, events, 1)

	assert.Equal(t, "Bearer app-key", auth)
	assert.Equal(t, "hello", seen.Query)
	assert.Equal(t, "hello", seen.Inputs.Message)
	assert.True(t, seen.Inputs.Stream)
	assert.Equal(t, "conv-1", seen.Inputs.SessionID)
	assert.Equal(t, "ou_1", seen.User)
	assert.Equal(t, "streaming", seen.ResponseMode)
	require.NotNil(t, seen.ConversationID)
	assert.Equal(t, "conv-1", *seen.ConversationID)
}

func TestDifyBuildRequest_NewConversation(t *testing.T) {
	c := newTestDify(t, "https://dify.example.com/v1")

	body := c.buildRequest(&ChatRequest{Message: "hi", User: "ou_1"})
	assert.Nil(t, body.ConversationID)
	_, err := uuid.Parse(body.Inputs.SessionID)
	assert.NoError(t, err)

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"conversation_id":null`)

	other := c.buildRequest(&ChatRequest{Message: "hi", User: "ou_1"})
	assert.NotEqual(t, body.Inputs.SessionID, other.Inputs.SessionID)
}

func TestDifyStreamChat_ParsesEvents(t *testing.T) {
	url := sseServer(t, []string{
		`event: ping`,
		`data: {"event":"message","answer":"Hi "}`,
		`data: {"event":"workflow_started"}`,
		`data: {"event":"message","answer":"there"}`,
		`data: {"event":"message_end","conversation_id":"conv-42"}`,
	}, nil, nil)

	events := drain(t, newTestDify(t, url).StreamChat(context.Background(), &ChatRequest{Message: "x", User: "ou_1"}))
	assert.Equal(t, []model.Event{
		model.MessageEvent{Answer: "Hi "},
		model.OtherEvent{Name: "workflow_started"},
		model.MessageEvent{Answer: "there"},
		model.MessageEndEvent{ConversationID: "conv-42"},
	}, events)
}

func TestDifyStreamChat_SkipsMalformedLines(t *testing.T) {
	url := sseServer(t, []string{
		`data: {"event":"message","answer":"one"}`,
		`data: {"event":"message","answ`,
		`data: {"event":"message","answer":"two"}`,
	}, nil, nil)

	events := drain(t, newTestDify(t, url).StreamChat(context.Background(), &ChatRequest{Message: "x", User: "ou_1"}))
	assert.Equal(t, []model.Event{
		model.MessageEvent{Answer: "one"},
		model.MessageEvent{Answer: "two"},
	}, events)
}

func TestDifyStreamChat_ErrorField(t *testing.T) {
	url := sseServer(t, []string{`data: {"error":"mcp tool crashed"}`}, nil, nil)

	events := drain(t, newTestDify(t, url).StreamChat(context.Background(), &ChatRequest{Message: "x", User: "ou_1"}))
	assert.Equal(t, []model.Event{model.ErrorEvent{Message: "mcp tool crashed"}}, events)
}

func TestDifyStreamChat_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"unauthorized","message":"Access token is invalid"}`)
	}))
	defer srv.Close()

	events := drain(t, newTestDify(t, srv.URL).StreamChat(context.Background(), &ChatRequest{Message: "x", User: "ou_1"}))
	require.Len(t, events, 1)
	e, ok := events[0].(model.ErrorEvent)
	require.True(t, ok)
	assert.Contains(t, e.Message, "401")
	assert.Contains(t, e.Message, "Access token is invalid")
}

func TestDifyStreamChat_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	events := drain(t, newTestDify(t, srv.URL).StreamChat(context.Background(), &ChatRequest{Message: "x", User: "ou_1"}))
	require.Len(t, events, 1)
	_, ok := events[0].(model.ErrorEvent)
	assert.True(t, ok)
}

func TestDifyStreamChat_LineTooLong(t *testing.T) {
	long := `data: {"event":"message","answer":"` + strings.Repeat("a", maxLineSize) + `"}`
	url := sseServer(t, []string{`data: {"event":"message","answer":"ok"}`, long}, nil, nil)

	events := drain(t, newTestDify(t, url).StreamChat(context.Background(), &ChatRequest{Message: "x", User: "ou_1"}))
	require.Len(t, events, 2)
	assert.Equal(t, model.MessageEvent{Answer: "ok"}, events[0])
	_, ok := events[1].(model.ErrorEvent)
	assert.True(t, ok, "read failure must end the stream with one error event")
}

func TestFailedStream(t *testing.T) {
	s := newFailedStream(errors.New("boom"))
	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, model.ErrorEvent{Message: "boom"}, ev)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close())
}

func TestStreamError(t *testing.T) {
	assert.Equal(t, "dify: unexpected status 502: bad gateway",
		(&StreamError{Provider: ProviderDify, StatusCode: 502, Body: "bad gateway"}).Error())

	cause := errors.New("dial tcp: refused")
	err := &StreamError{Provider: ProviderOpenAI, Err: cause}
	assert.Equal(t, "openai: stream failed: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
}
