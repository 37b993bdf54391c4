package lark

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

const eventTypeMessageReceive = "im.message.receive_v1"

// eventPayload is the Lark event-subscription callback body (schema 2.0).
type eventPayload struct {
	Schema string `json:"schema"`
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		TenantKey string `json:"tenant_key"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
				UserID string `json:"user_id"`
			} `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			CreateTime  string `json:"create_time"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

// ParseInbound normalizes a Lark event callback payload. Events other than
// message receipt come back with System set so the caller drops them.
func (c *Client) ParseInbound(payload []byte) (platform.InboundMessage, error) {
	var body eventPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return platform.InboundMessage{}, fmt.Errorf("%w: %v", platform.ErrMalformedPayload, err)
	}
	if body.Header.EventType != eventTypeMessageReceive {
		return platform.InboundMessage{Platform: Type, System: true}, nil
	}
	messageID := strings.TrimSpace(body.Event.Message.MessageID)
	chatID := strings.TrimSpace(body.Event.Message.ChatID)
	if messageID == "" || chatID == "" {
		return platform.InboundMessage{}, fmt.Errorf("%w: missing message or chat id", platform.ErrMalformedPayload)
	}

	senderID := strings.TrimSpace(body.Event.Sender.SenderID.OpenID)
	senderName := strings.TrimSpace(body.Event.Sender.SenderID.UserID)
	if senderName == "" {
		senderName = senderID
	}

	ref, err := SessionRef(chatID, body.Header.TenantKey)
	if err != nil {
		return platform.InboundMessage{}, fmt.Errorf("%w: %v", platform.ErrMalformedPayload, err)
	}

	msg := platform.InboundMessage{
		Platform:          Type,
		ExternalMessageID: messageID,
		ConversationID:    chatID,
		SenderID:          senderID,
		SenderName:        senderName,
		Text:              extractText(body.Event.Message.MessageType, body.Event.Message.Content),
		SentAt:            parseCreateTime(body.Event.Message.CreateTime),
		FromBot:           body.Event.Sender.SenderType != "user",
		SessionRef:        ref,
	}
	return msg, nil
}

// extractText pulls plain text out of the content JSON for text messages;
// other message types have no bridgeable body.
func extractText(messageType, content string) string {
	if messageType != "text" {
		return ""
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Text)
}

// parseCreateTime converts Lark's millisecond-epoch string; a missing or
// bad value falls back to now rather than dropping the message.
func parseCreateTime(raw string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
