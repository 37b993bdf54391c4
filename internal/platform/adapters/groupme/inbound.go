package groupme

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

// callbackPayload is the body GroupMe POSTs to a registered callback URL.
type callbackPayload struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id"`
	Name       string `json:"name"`
	SenderID   string `json:"sender_id"`
	SenderType string `json:"sender_type"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"created_at"`
	UserID     string `json:"user_id"`
	Attachments []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"attachments"`
}

// ParseInbound normalizes a GroupMe callback payload.
func (c *Client) ParseInbound(payload []byte) (platform.InboundMessage, error) {
	var body callbackPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return platform.InboundMessage{}, fmt.Errorf("%w: %v", platform.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(body.ID) == "" || strings.TrimSpace(body.GroupID) == "" {
		return platform.InboundMessage{}, fmt.Errorf("%w: missing message or group id", platform.ErrMalformedPayload)
	}

	msg := platform.InboundMessage{
		Platform:          Type,
		ExternalMessageID: strings.TrimSpace(body.ID),
		ConversationID:    strings.TrimSpace(body.GroupID),
		SenderID:          strings.TrimSpace(body.SenderID),
		SenderName:        strings.TrimSpace(body.Name),
		Text:              body.Text,
		SentAt:            time.Unix(body.CreatedAt, 0).UTC(),
		FromBot:           body.SenderType == "bot",
		System:            body.SenderType == "system",
	}
	for _, att := range body.Attachments {
		if att.Type == "image" && strings.TrimSpace(att.URL) != "" {
			msg.AttachmentURL = strings.TrimSpace(att.URL)
			break
		}
	}
	return msg, nil
}
