// Package groupme implements the platform client for the GroupMe bot API.
// GroupMe exposes discoverable group ids and posts directly with an access
// token; inbound delivery is a callback URL registered once per group when
// the mapping is created.
package groupme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

// Type is the GroupMe platform identifier.
const Type = platform.GroupMe

const (
	defaultBaseURL = "https://api.groupme.com/v3"
	botDisplayName = "COBRA Bridge"

	groupMeMaxTextLength = 1000
)

// Client talks to the GroupMe REST API.
type Client struct {
	logger      *slog.Logger
	httpClient  *http.Client
	baseURL     string
	accessToken string
}

// New creates a GroupMe client from configuration.
func New(log *slog.Logger, cfg config.GroupMeConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		logger:      log.With(slog.String("platform", Type.String())),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(cfg.AccessToken),
	}
}

// Platform returns the GroupMe platform identifier.
func (c *Client) Platform() platform.Platform {
	return Type
}

// Descriptor returns the GroupMe platform metadata.
func (c *Client) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Platform:        Type,
		DisplayName:     "GroupMe",
		RequiresSession: false,
	}
}

// sessionRef is the posting handle persisted on the mapping at callback
// registration time: GroupMe posts through a per-group bot id, not the
// group id itself.
type sessionRef struct {
	BotID string `json:"bot_id"`
}

// PostMessage posts a message into the group via the bot issued at
// callback registration.
func (c *Client) PostMessage(ctx context.Context, target platform.Target, msg platform.OutboundMessage) error {
	var ref sessionRef
	if len(target.SessionRef) > 0 {
		if err := json.Unmarshal(target.SessionRef, &ref); err != nil {
			return platform.PermanentDelivery(Type, fmt.Errorf("decode session ref: %w", err))
		}
	}
	if strings.TrimSpace(ref.BotID) == "" {
		return platform.PermanentDelivery(Type, fmt.Errorf("no bot registered for group %s", target.ExternalID))
	}

	text := truncateText(msg.Body(), groupMeMaxTextLength)
	body := map[string]any{
		"bot_id": ref.BotID,
		"text":   text,
	}
	if url := strings.TrimSpace(msg.AttachmentURL); url != "" {
		body["attachments"] = []map[string]any{{"type": "image", "url": url}}
	}
	return c.do(ctx, http.MethodPost, "/bots/post", body, nil)
}

// CreateGroup creates a new GroupMe group.
func (c *Client) CreateGroup(ctx context.Context, name string) (platform.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return platform.Group{}, fmt.Errorf("group name is required")
	}
	var resp struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		ShareURL string `json:"share_url"`
	}
	payload := map[string]any{"name": name, "share": true}
	if err := c.do(ctx, http.MethodPost, "/groups", payload, &resp); err != nil {
		return platform.Group{}, err
	}
	return platform.Group{ExternalID: resp.ID, Name: resp.Name, ShareURL: resp.ShareURL}, nil
}

// DestroyGroup destroys a GroupMe group.
func (c *Client) DestroyGroup(ctx context.Context, externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("group id is required")
	}
	return c.do(ctx, http.MethodPost, "/groups/"+externalID+"/destroy", nil, nil)
}

// RegisterCallback creates the relay bot in the group, pointing its
// callback URL at our webhook endpoint. The returned session ref carries
// the bot id needed for posting.
func (c *Client) RegisterCallback(ctx context.Context, externalID, callbackURL string) (platform.Registration, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return platform.Registration{}, fmt.Errorf("group id is required")
	}
	var resp struct {
		Bot struct {
			BotID string `json:"bot_id"`
		} `json:"bot"`
	}
	payload := map[string]any{
		"bot": map[string]any{
			"name":         botDisplayName,
			"group_id":     externalID,
			"callback_url": callbackURL,
		},
	}
	if err := c.do(ctx, http.MethodPost, "/bots", payload, &resp); err != nil {
		return platform.Registration{}, err
	}
	if strings.TrimSpace(resp.Bot.BotID) == "" {
		return platform.Registration{}, platform.PermanentDelivery(Type, fmt.Errorf("bot registration returned no bot id"))
	}
	ref, err := json.Marshal(sessionRef{BotID: resp.Bot.BotID})
	if err != nil {
		return platform.Registration{}, err
	}
	return platform.Registration{SessionRef: ref}, nil
}

// do performs one API call and decodes the GroupMe response envelope.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	url := c.baseURL + path
	if c.accessToken != "" {
		url += "?token=" + c.accessToken
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return platform.TransientDelivery(Type, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return platform.TransientDelivery(Type, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return platform.TransientDelivery(Type, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return platform.PermanentDelivery(Type, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return platform.PermanentDelivery(Type, fmt.Errorf("decode response envelope: %w", err))
	}
	if len(envelope.Response) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Response, out); err != nil {
		return platform.PermanentDelivery(Type, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncateText(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	const ellipsis = "..."
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
