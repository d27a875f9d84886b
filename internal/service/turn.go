package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/feishu"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// DefaultChunkSize is the accumulated length, in characters, that triggers a flush.
const DefaultChunkSize = 50

// User-visible message prefixes.
const (
	StreamErrorPrefix = "error while processing your request: "
	SystemErrorPrefix = "system error: "
)

// Turn outcomes, used as metric labels.
const (
	OutcomeOK          = "ok"
	OutcomeStreamError = "stream_error"
	OutcomeSystemError = "system_error"
)

// Delivery kinds, used as metric labels.
const (
	chunkPartial = "partial"
	chunkFinal   = "final"
	chunkError   = "error"
	chunkSystem  = "system"
)

var tracer = otel.Tracer("github.com/capitalize-ai/chat-relay/internal/service")

// TokenSource provides a bearer token for outbound delivery.
type TokenSource interface {
	AcquireToken(ctx context.Context) (string, error)
}

// MessageSender delivers one text message to a chat target.
type MessageSender interface {
	SendText(ctx context.Context, token, receiveID, text string) (*feishu.SendResult, error)
}

// TurnProcessor runs one message through the AI backend and relays the
// streamed answer back to the chat.
type TurnProcessor struct {
	tokens    TokenSource
	sender    MessageSender
	ai        llm.Streamer
	store     ConversationStore
	chunkSize int
	logger    *logger.Logger
}

// NewTurnProcessor creates a turn processor. A non-positive chunkSize
// selects DefaultChunkSize.
func NewTurnProcessor(
	tokens TokenSource,
	sender MessageSender,
	ai llm.Streamer,
	store ConversationStore,
	chunkSize int,
	log *logger.Logger,
) *TurnProcessor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &TurnProcessor{
		tokens:    tokens,
		sender:    sender,
		ai:        ai,
		store:     store,
		chunkSize: chunkSize,
		logger:    logger.OrGlobal(log),
	}
}

// RunTurn relays text for identity, continuing conversationID when non-empty.
// It never returns an error: failures are logged and, where possible,
// reported to the user in the chat.
func (p *TurnProcessor) RunTurn(ctx context.Context, text, identity, conversationID string) {
	start := time.Now()
	t := &turn{
		p:        p,
		identity: identity,
		log:      p.logger.WithTurn(uuid.New().String(), identity),
	}

	ctx, span := tracer.Start(ctx, "relay.turn", trace.WithAttributes(
		attribute.String("relay.identity", identity),
		attribute.String("relay.provider", p.ai.Name()),
		attribute.Bool("relay.resumed", conversationID != ""),
	))
	t.span = span

	outcome := OutcomeSystemError
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeSystemError
			t.systemError(ctx, fmt.Errorf("panic: %v", r))
		}
		if outcome != OutcomeOK {
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.Int("relay.chunks", t.delivered))
		span.End()

		metrics.RecordTurn(outcome, time.Since(start).Seconds())
		t.log.Info("turn finished",
			zap.String("outcome", outcome),
			zap.Int("chunks", t.delivered),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	outcome = t.run(ctx, text, conversationID)
}

// turn holds the state of one RunTurn call.
type turn struct {
	p         *TurnProcessor
	identity  string
	token     string
	delivered int
	log       *logger.Logger
	span      trace.Span
}

func (t *turn) run(ctx context.Context, text, conversationID string) string {
	token, err := t.p.tokens.AcquireToken(ctx)
	if err != nil {
		t.systemError(ctx, err)
		return OutcomeSystemError
	}
	t.token = token

	stream := t.p.ai.StreamChat(ctx, &llm.ChatRequest{
		Message:        text,
		User:           t.identity,
		ConversationID: conversationID,
	})
	defer stream.Close()

	var (
		pending strings.Builder
		runes   int
		outcome = OutcomeOK
	)

	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return outcome
		}
		if err != nil {
			t.systemError(ctx, err)
			return OutcomeSystemError
		}

		switch e := event.(type) {
		case model.MessageEvent:
			pending.WriteString(e.Answer)
			runes += utf8.RuneCountInString(e.Answer)
			if runes >= t.p.chunkSize {
				t.deliver(ctx, chunkPartial, pending.String())
				pending.Reset()
				runes = 0
			}

		case model.MessageEndEvent:
			if pending.Len() > 0 {
				t.deliver(ctx, chunkFinal, pending.String())
				pending.Reset()
				runes = 0
			}
			if e.ConversationID != "" {
				err := t.p.store.Put(ctx, t.identity, e.ConversationID)
				metrics.RecordStoreWrite(err)
				if err != nil {
					t.log.Error("failed to record conversation", zap.String("conversation_id", e.ConversationID), zap.Error(err))
				}
			}

		case model.ErrorEvent:
			outcome = OutcomeStreamError
			t.log.Error("AI stream reported error", zap.String("message", e.Message))
			t.deliver(ctx, chunkError, StreamErrorPrefix+e.Message)

		default:
			t.log.Debug("ignoring stream event", zap.String("event", string(model.TypeOf(event))))
		}
	}
}

// deliver sends text to the turn's identity. Failures are logged and swallowed.
func (t *turn) deliver(ctx context.Context, kind, text string) {
	_, err := t.p.sender.SendText(ctx, t.token, t.identity, text)
	metrics.RecordChunk(kind, err)
	if err != nil {
		t.span.RecordError(err)
		t.log.Error("failed to deliver message", zap.String("kind", kind), zap.Error(err))
		return
	}
	t.delivered++
}

// systemError reports err to the user as a best effort. When the turn has no
// token yet, one more token is requested for the notification itself.
func (t *turn) systemError(ctx context.Context, err error) {
	t.span.RecordError(err)
	t.log.Error("turn failed", zap.Error(err))

	if t.token == "" {
		token, tokErr := t.p.tokens.AcquireToken(ctx)
		if tokErr != nil {
			t.log.Error("cannot notify user of system error", zap.Error(tokErr))
			return
		}
		t.token = token
	}

	t.deliver(ctx, chunkSystem, SystemErrorPrefix+err.Error())
}
