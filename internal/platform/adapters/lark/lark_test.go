package lark

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

func testClient() *Client {
	return New(nil, config.LarkConfig{AppID: "cli_test", AppSecret: "secret"})
}

func TestPostMessageWithoutSessionFailsFast(t *testing.T) {
	t.Parallel()

	// No session reference means no delivery attempt at all: the error
	// must surface without any network activity.
	client := testClient()
	cases := []platform.Target{
		{ExternalID: "oc_1"},
		{ExternalID: "oc_1", SessionRef: []byte("not-json")},
		{ExternalID: "oc_1", SessionRef: []byte(`{"receive_id":""}`)},
	}
	for _, target := range cases {
		err := client.PostMessage(context.Background(), target, platform.OutboundMessage{Text: "hi"})
		if !errors.Is(err, platform.ErrSessionNotEstablished) {
			t.Fatalf("expected session gating for %q, got %v", target.SessionRef, err)
		}
	}
}

func TestSessionRefRoundTrip(t *testing.T) {
	t.Parallel()

	blob, err := SessionRef("oc_chat_1", "tenant_9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ref sessionRef
	if err := json.Unmarshal(blob, &ref); err != nil {
		t.Fatalf("unmarshal session ref: %v", err)
	}
	if ref.ReceiveID != "oc_chat_1" {
		t.Fatalf("unexpected receive id: %s", ref.ReceiveID)
	}
	if ref.TenantKey != "tenant_9" {
		t.Fatalf("unexpected tenant key: %s", ref.TenantKey)
	}

	if _, err := SessionRef("", ""); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
}

func TestParseInboundMessageEvent(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"schema": "2.0",
		"header": {
			"event_id": "evt-1",
			"event_type": "im.message.receive_v1",
			"tenant_key": "tenant_9"
		},
		"event": {
			"sender": {
				"sender_id": {"open_id": "ou_abc", "user_id": "dana"},
				"sender_type": "user"
			},
			"message": {
				"message_id": "om_123",
				"chat_id": "oc_chat_1",
				"chat_type": "group",
				"message_type": "text",
				"create_time": "1771234567000",
				"content": "{\"text\":\"shelter open at fairgrounds\"}"
			}
		}
	}`)

	msg, err := testClient().ParseInbound(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ExternalMessageID != "om_123" {
		t.Fatalf("unexpected message id: %s", msg.ExternalMessageID)
	}
	if msg.Text != "shelter open at fairgrounds" {
		t.Fatalf("unexpected text: %q", msg.Text)
	}
	if want := time.UnixMilli(1771234567000).UTC(); !msg.SentAt.Equal(want) {
		t.Fatalf("unexpected sent at: %s", msg.SentAt)
	}
	if msg.FromBot {
		t.Fatal("user message flagged as bot")
	}
	if len(msg.SessionRef) == 0 {
		t.Fatal("inbound contact must carry a fresh session ref")
	}
	var ref sessionRef
	if err := json.Unmarshal(msg.SessionRef, &ref); err != nil {
		t.Fatalf("unmarshal session ref: %v", err)
	}
	if ref.ReceiveID != "oc_chat_1" || ref.TenantKey != "tenant_9" {
		t.Fatalf("unexpected session ref: %+v", ref)
	}
}

func TestParseInboundNonMessageEvent(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"schema": "2.0", "header": {"event_type": "im.chat.member.bot.added_v1"}}`)
	msg, err := testClient().ParseInbound(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.System {
		t.Fatal("non-message event must be flagged as system")
	}
}

func TestParseInboundMalformed(t *testing.T) {
	t.Parallel()

	_, err := testClient().ParseInbound([]byte(`{`))
	if !errors.Is(err, platform.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
}
