package model

import (
	"encoding/json"
)

// MessageTypeText is the only inbound Feishu message type the relay handles.
const MessageTypeText = "text"

// InboundMessage is the relay-relevant part of one webhook payload.
type InboundMessage struct {
	Text     string
	SenderID string
	ChatID   string
}

// Identity is the key replies are addressed to and conversation state is stored under.
func (m InboundMessage) Identity() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.SenderID
}

// WebhookPayload is the top-level Feishu event callback body.
type WebhookPayload struct {
	Challenge json.RawMessage `json:"challenge,omitempty"`
	Event     *WebhookEvent   `json:"event,omitempty"`
}

// WebhookEvent is the "event" object of an im.message.receive_v1 callback.
type WebhookEvent struct {
	Message WebhookMessage `json:"message"`
	Sender  WebhookSender  `json:"sender"`
}

// WebhookMessage describes the received message.
type WebhookMessage struct {
	MessageID   string           `json:"message_id"`
	MessageType string           `json:"message_type"`
	Content     string           `json:"content"`
	ChatID      string           `json:"chat_id"`
	Mentions    []WebhookMention `json:"mentions,omitempty"`
}

// WebhookMention is one @-mention placeholder inside a text message.
type WebhookMention struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// WebhookSender identifies who sent the message.
type WebhookSender struct {
	SenderID struct {
		OpenID string `json:"open_id"`
	} `json:"sender_id"`
}

// TextContent is the JSON document stored in WebhookMessage.Content for text messages.
type TextContent struct {
	Text string `json:"text"`
}

// Ack is the acknowledgement returned for every webhook call.
type Ack struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ChallengeAck echoes the URL verification handshake.
type ChallengeAck struct {
	Challenge json.RawMessage `json:"challenge"`
	Code      int             `json:"code"`
}
