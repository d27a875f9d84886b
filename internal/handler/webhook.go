package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// MaxBodyBytes bounds the webhook request body.
const MaxBodyBytes = 1 << 20

// Webhook outcomes, used as metric labels.
const (
	webhookChallenge = "challenge"
	webhookInvalid   = "invalid"
	webhookIgnored   = "ignored"
	webhookAccepted  = "accepted"
)

// TurnRunner relays one message to the AI backend and back.
type TurnRunner interface {
	RunTurn(ctx context.Context, text, identity, conversationID string)
}

// Spawner runs fn without the caller waiting for it.
type Spawner interface {
	Go(fn func(ctx context.Context))
}

// WebhookHandler receives Feishu event callbacks.
type WebhookHandler struct {
	runner  TurnRunner
	spawner Spawner
	store   service.ConversationStore
	logger  *logger.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(runner TurnRunner, spawner Spawner, store service.ConversationStore, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		runner:  runner,
		spawner: spawner,
		store:   store,
		logger:  logger.OrGlobal(log),
	}
}

// Handle handles POST /feishu/webhook. The caller always gets a success
// acknowledgement, or the challenge echo during URL verification.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(r.Context())))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		metrics.RecordWebhook(webhookInvalid)
		log.Warn("failed to read webhook body", zap.Error(err))
		writeAck(w)
		return
	}

	var payload model.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.RecordWebhook(webhookInvalid)
		log.Warn("failed to decode webhook payload", zap.Error(err))
		writeAck(w)
		return
	}

	if len(payload.Challenge) > 0 {
		metrics.RecordWebhook(webhookChallenge)
		log.Info("answering URL verification challenge")
		writeJSON(w, http.StatusOK, model.ChallengeAck{Challenge: payload.Challenge, Code: 0})
		return
	}

	msg, err := parseMessage(payload.Event)
	if err != nil {
		metrics.RecordWebhook(webhookInvalid)
		log.Warn("discarding webhook event", zap.Error(err))
		writeAck(w)
		return
	}
	if msg == nil {
		metrics.RecordWebhook(webhookIgnored)
		log.Debug("ignoring non-text webhook event")
		writeAck(w)
		return
	}

	identity := msg.Identity()
	conversationID, err := service.LookupConversationID(r.Context(), h.store, identity)
	if err != nil {
		log.Warn("conversation lookup failed, starting a new one", zap.String("identity", identity), zap.Error(err))
		conversationID = ""
	}

	text := msg.Text
	h.spawner.Go(func(ctx context.Context) {
		h.runner.RunTurn(ctx, text, identity, conversationID)
	})

	metrics.RecordWebhook(webhookAccepted)
	log.Info("turn scheduled",
		zap.String("identity", identity),
		zap.Bool("resumed", conversationID != ""),
	)
	writeAck(w)
}

// parseMessage extracts a relayable message from event. It returns nil and
// no error for events the relay does not handle. Mention placeholders are
// removed and the text is trimmed; text that ends up empty or whitespace-only
// is rejected rather than relayed.
func parseMessage(event *model.WebhookEvent) (*model.InboundMessage, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: missing event", model.ErrMalformedEvent)
	}
	if event.Message.MessageType != model.MessageTypeText {
		return nil, nil
	}

	var content model.TextContent
	if err := json.Unmarshal([]byte(event.Message.Content), &content); err != nil {
		return nil, fmt.Errorf("%w: message content: %v", model.ErrMalformedEvent, err)
	}

	text := strings.TrimSpace(stripMentions(content.Text, event.Message.Mentions))
	if err := middleware.ValidateMessageText(text); err != nil {
		return nil, err
	}

	msg := &model.InboundMessage{
		Text:     text,
		SenderID: event.Sender.SenderID.OpenID,
		ChatID:   event.Message.ChatID,
	}
	if err := middleware.ValidateIdentity(msg.Identity()); err != nil {
		return nil, err
	}
	return msg, nil
}

// stripMentions removes every mention key from text. Longer keys go first so
// that @_user_1 does not consume the prefix of @_user_10.
func stripMentions(text string, mentions []model.WebhookMention) string {
	keys := make([]string, 0, len(mentions))
	for _, m := range mentions {
		if m.Key != "" {
			keys = append(keys, m.Key)
		}
	}
	slices.SortFunc(keys, func(a, b string) int { return len(b) - len(a) })

	for _, k := range keys {
		text = strings.ReplaceAll(text, k, "")
	}
	return text
}
