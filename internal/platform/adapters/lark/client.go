// Package lark implements the platform client for the Lark/Feishu bot
// channel. Unlike the group-messaging service, Lark never exposes a handle
// the bridge can call cold: outbound delivery requires a session reference
// (receive id plus type) captured from a prior inbound activity and kept in
// the conversation session store.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	larksdk "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

// Type is the Lark platform identifier.
const Type = platform.Lark

const (
	regionFeishu = "feishu"

	feishuBaseURL = "https://open.feishu.cn"
	larkBaseURL   = "https://open.larksuite.com"
)

// Client talks to the Lark open platform through the official SDK.
type Client struct {
	logger *slog.Logger
	api    *larksdk.Client
}

// New creates a Lark client from configuration.
func New(log *slog.Logger, cfg config.LarkConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	baseURL := larkBaseURL
	if strings.EqualFold(strings.TrimSpace(cfg.Region), regionFeishu) {
		baseURL = feishuBaseURL
	}
	api := larksdk.NewClient(strings.TrimSpace(cfg.AppID), strings.TrimSpace(cfg.AppSecret),
		larksdk.WithOpenBaseUrl(baseURL))
	return &Client{
		logger: log.With(slog.String("platform", Type.String())),
		api:    api,
	}
}

// Platform returns the Lark platform identifier.
func (c *Client) Platform() platform.Platform {
	return Type
}

// Descriptor returns the Lark platform metadata.
func (c *Client) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Platform:        Type,
		DisplayName:     "Lark",
		RequiresSession: true,
	}
}

// sessionRef is the opaque blob persisted per conversation. The receive id
// can change over the life of a conversation, so the freshest stored value
// always wins over anything cached elsewhere.
type sessionRef struct {
	ReceiveID     string `json:"receive_id"`
	ReceiveIDType string `json:"receive_id_type"`
	TenantKey     string `json:"tenant_key,omitempty"`
}

// SessionRef builds a session blob for a conversation id. Exported for the
// inbound path, which refreshes the stored blob on every contact.
func SessionRef(conversationID, tenantKey string) ([]byte, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	return json.Marshal(sessionRef{
		ReceiveID:     conversationID,
		ReceiveIDType: larkim.ReceiveIdTypeChatId,
		TenantKey:     strings.TrimSpace(tenantKey),
	})
}

// PostMessage opens a continuation from the stored session reference and
// sends a text message. Without a session reference it fails fast with
// ErrSessionNotEstablished and performs no network call.
func (c *Client) PostMessage(ctx context.Context, target platform.Target, msg platform.OutboundMessage) error {
	if len(target.SessionRef) == 0 {
		return platform.ErrSessionNotEstablished
	}
	var ref sessionRef
	if err := json.Unmarshal(target.SessionRef, &ref); err != nil {
		return fmt.Errorf("decode session ref: %w", platform.ErrSessionNotEstablished)
	}
	if strings.TrimSpace(ref.ReceiveID) == "" {
		return platform.ErrSessionNotEstablished
	}
	receiveIDType := strings.TrimSpace(ref.ReceiveIDType)
	if receiveIDType == "" {
		receiveIDType = larkim.ReceiveIdTypeChatId
	}

	content, err := json.Marshal(map[string]string{"text": msg.Body()})
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(ref.ReceiveID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()

	resp, err := c.api.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return platform.TransientDelivery(Type, err)
	}
	if !resp.Success() {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return platform.TransientDelivery(Type, fmt.Errorf("create message: code %d: %s", resp.Code, resp.Msg))
		}
		return platform.PermanentDelivery(Type, fmt.Errorf("create message: code %d: %s", resp.Code, resp.Msg))
	}
	return nil
}

// BuildSessionRef implements platform.SessionBuilder for out-of-band
// session establishment (operator-supplied chat ids).
func (c *Client) BuildSessionRef(conversationID, tenantKey string) ([]byte, error) {
	return SessionRef(conversationID, tenantKey)
}
