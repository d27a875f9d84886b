package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/chat-relay/internal/feishu"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// fakeTokens returns results in order, repeating the last one.
type fakeTokens struct {
	mu      sync.Mutex
	results []tokenResult
	calls   int
}

type tokenResult struct {
	token string
	err   error
}

func (f *fakeTokens) AcquireToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r.token, r.err
}

func okTokens() *fakeTokens {
	return &fakeTokens{results: []tokenResult{{token: "t-1"}}}
}

type sentMessage struct {
	Token     string
	ReceiveID string
	Text      string
}

// fakeSender records every attempt; failures maps a 1-based attempt number to an error.
type fakeSender struct {
	mu       sync.Mutex
	attempts []sentMessage
	failures map[int]error
}

func (f *fakeSender) SendText(_ context.Context, token, receiveID, text string) (*feishu.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, sentMessage{Token: token, ReceiveID: receiveID, Text: text})
	if err := f.failures[len(f.attempts)]; err != nil {
		return nil, err
	}
	return &feishu.SendResult{MessageID: fmt.Sprintf("om_%d", len(f.attempts))}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.attempts))
	for _, a := range f.attempts {
		out = append(out, a.Text)
	}
	return out
}

// scriptedStreamer returns a stream over a fixed event list.
type scriptedStreamer struct {
	events  []model.Event
	tailErr error
	panics  bool
	seen    *llm.ChatRequest
	stream  *sliceStream
}

func (s *scriptedStreamer) Name() string { return "scripted" }

func (s *scriptedStreamer) StreamChat(_ context.Context, req *llm.ChatRequest) llm.Stream {
	if s.panics {
		panic("backend exploded")
	}
	s.seen = req
	s.stream = &sliceStream{events: s.events, tailErr: s.tailErr}
	return s.stream
}

type sliceStream struct {
	events  []model.Event
	pos     int
	tailErr error
	closed  bool
}

func (s *sliceStream) Recv() (model.Event, error) {
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.tailErr != nil {
		return nil, s.tailErr
	}
	return nil, io.EOF
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type turnFixture struct {
	tokens *fakeTokens
	sender *fakeSender
	ai     *scriptedStreamer
	store  *MemoryConversationStore
	proc   *TurnProcessor
}

func newTurnFixture(t *testing.T, events ...model.Event) *turnFixture {
	t.Helper()
	f := &turnFixture{
		tokens: okTokens(),
		sender: &fakeSender{},
		ai:     &scriptedStreamer{events: events},
		store:  NewMemoryConversationStore(),
	}
	f.proc = NewTurnProcessor(f.tokens, f.sender, f.ai, f.store, DefaultChunkSize, logger.FromZap(zaptest.NewLogger(t)))
	return f
}

func msg(s string) model.Event { return model.MessageEvent{Answer: s} }

func TestRunTurn_FlushesWhenThresholdReached(t *testing.T) {
	f := newTurnFixture(t,
		msg("Hi "), msg("there, "), msg("how can I help you today with your inquiry"),
		model.MessageEndEvent{},
	)

	f.proc.RunTurn(context.Background(), "hello", "ou_123", "")

	assert.Equal(t, []string{"Hi there, how can I help you today with your inquiry"}, f.sender.texts())
	assert.True(t, f.ai.stream.closed)
}

func TestRunTurn_FlushesRemainderAtMessageEnd(t *testing.T) {
	f := newTurnFixture(t, msg("Hello"), msg(", "), msg("world"), model.MessageEndEvent{})

	f.proc.RunTurn(context.Background(), "hello", "ou_123", "")

	assert.Equal(t, []string{"Hello, world"}, f.sender.texts())
}

func TestRunTurn_ChunksInArrivalOrder(t *testing.T) {
	a := strings.Repeat("a", 50)
	b := strings.Repeat("b", 60)
	f := newTurnFixture(t, msg(a), msg("b"), msg(b[1:]), msg("tail"), model.MessageEndEvent{})

	f.proc.RunTurn(context.Background(), "hello", "oc_1", "")

	assert.Equal(t, []string{a, b, "tail"}, f.sender.texts())
	for _, s := range f.sender.attempts {
		assert.Equal(t, "oc_1", s.ReceiveID)
		assert.Equal(t, "t-1", s.Token)
	}
}

func TestRunTurn_ThresholdCountsCharactersNotBytes(t *testing.T) {
	frag := strings.Repeat("你好", 10) // 20 characters, 60 bytes
	f := newTurnFixture(t, msg(frag), msg(frag), msg(frag), model.MessageEndEvent{})

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Equal(t, []string{frag + frag + frag}, f.sender.texts())
}

func TestRunTurn_NoFlushForEmptyRemainder(t *testing.T) {
	f := newTurnFixture(t, model.MessageEndEvent{})

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Empty(t, f.sender.texts())
}

func TestRunTurn_StoresConversationID(t *testing.T) {
	f := newTurnFixture(t, msg("hi"), model.MessageEndEvent{ConversationID: "conv-42"})

	f.proc.RunTurn(context.Background(), "hello", "ou_123", "")

	rec, err := f.store.Get(context.Background(), "ou_123")
	require.NoError(t, err)
	assert.Equal(t, "conv-42", rec.ConversationID)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestRunTurn_PassesConversationToBackend(t *testing.T) {
	f := newTurnFixture(t, model.MessageEndEvent{ConversationID: "conv-2"})
	require.NoError(t, f.store.Put(context.Background(), "ou_1", "conv-1"))

	f.proc.RunTurn(context.Background(), "what next?", "ou_1", "conv-1")

	require.NotNil(t, f.ai.seen)
	assert.Equal(t, llm.ChatRequest{Message: "what next?", User: "ou_1", ConversationID: "conv-1"}, *f.ai.seen)

	rec, err := f.store.Get(context.Background(), "ou_1")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", rec.ConversationID)
}

func TestRunTurn_DeliveryFailureDoesNotStopTurn(t *testing.T) {
	f := newTurnFixture(t,
		msg(strings.Repeat("x", 55)),
		msg("remainder"),
		model.MessageEndEvent{ConversationID: "conv-7"},
	)
	f.sender.failures = map[int]error{1: &feishu.DeliveryError{ReceiveID: "ou_1", StatusCode: 500}}

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Equal(t, []string{strings.Repeat("x", 55), "remainder"}, f.sender.texts())
	rec, err := f.store.Get(context.Background(), "ou_1")
	require.NoError(t, err)
	assert.Equal(t, "conv-7", rec.ConversationID)
}

func TestRunTurn_ErrorEventNotifiesUser(t *testing.T) {
	f := newTurnFixture(t, msg("partial"), model.ErrorEvent{Message: "quota exceeded"})

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Equal(t, []string{"error while processing your request: quota exceeded"}, f.sender.texts())
	_, err := f.store.Get(context.Background(), "ou_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunTurn_ErrorEventDeliveryFailureIsSwallowed(t *testing.T) {
	f := newTurnFixture(t, model.ErrorEvent{Message: "boom"})
	f.sender.failures = map[int]error{1: errors.New("send failed")}

	assert.NotPanics(t, func() {
		f.proc.RunTurn(context.Background(), "hello", "ou_1", "")
	})
	assert.Len(t, f.sender.attempts, 1)
}

func TestRunTurn_TokenFailureNotifiesWithFreshToken(t *testing.T) {
	f := newTurnFixture(t, msg("never streamed"))
	f.tokens.results = []tokenResult{
		{err: &feishu.AuthError{StatusCode: 503, Body: "unavailable"}},
		{token: "t-2"},
	}

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Nil(t, f.ai.seen, "stream must not open without a token")
	require.Len(t, f.sender.attempts, 1)
	assert.Equal(t, "t-2", f.sender.attempts[0].Token)
	assert.True(t, strings.HasPrefix(f.sender.attempts[0].Text, SystemErrorPrefix))
	assert.Contains(t, f.sender.attempts[0].Text, "status 503")
}

func TestRunTurn_TokenFailureWithoutNotification(t *testing.T) {
	f := newTurnFixture(t)
	f.tokens.results = []tokenResult{{err: errors.New("auth down")}}

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Empty(t, f.sender.attempts)
	assert.Equal(t, 2, f.tokens.calls)
}

func TestRunTurn_RecvErrorSendsSystemError(t *testing.T) {
	f := newTurnFixture(t, msg("abc"))
	f.ai.tailErr = errors.New("connection reset")

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Equal(t, []string{"system error: connection reset"}, f.sender.texts())
	assert.Equal(t, 1, f.tokens.calls)
}

func TestRunTurn_PanicIsContained(t *testing.T) {
	f := newTurnFixture(t)
	f.ai.panics = true

	assert.NotPanics(t, func() {
		f.proc.RunTurn(context.Background(), "hello", "ou_1", "")
	})
	require.Len(t, f.sender.attempts, 1)
	assert.Contains(t, f.sender.attempts[0].Text, "system error: panic: backend exploded")
}

func TestRunTurn_IgnoresOtherEvents(t *testing.T) {
	f := newTurnFixture(t, model.OtherEvent{Name: "workflow_started"}, msg("ok"), model.MessageEndEvent{})

	f.proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Equal(t, []string{"ok"}, f.sender.texts())
}

func TestRunTurn_MalformedLineWithDifyBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"first \"}\n\n")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"second\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message_end\",\"conversation_id\":\"conv-9\"}\n\n")
	}))
	defer srv.Close()

	log := logger.FromZap(zaptest.NewLogger(t))
	dify, err := llm.NewDifyClient("app-key", srv.URL, llm.WithDifyHTTPClient(http.DefaultClient), llm.WithDifyLogger(log))
	require.NoError(t, err)

	sender := &fakeSender{}
	store := NewMemoryConversationStore()
	proc := NewTurnProcessor(okTokens(), sender, dify, store, 0, log)

	proc.RunTurn(context.Background(), "hello", "ou_1", "")

	assert.Equal(t, []string{"first second"}, sender.texts())
	id, err := LookupConversationID(context.Background(), store, "ou_1")
	require.NoError(t, err)
	assert.Equal(t, "conv-9", id)
}

func TestNewTurnProcessor_DefaultsChunkSize(t *testing.T) {
	p := NewTurnProcessor(okTokens(), &fakeSender{}, &scriptedStreamer{}, NewMemoryConversationStore(), -1, nil)
	assert.Equal(t, DefaultChunkSize, p.chunkSize)
	assert.NotNil(t, p.logger)
}
