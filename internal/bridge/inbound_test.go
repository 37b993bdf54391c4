package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamisinc/cobra-poc-sub003/internal/chat"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
	"github.com/dynamisinc/cobra-poc-sub003/internal/session"
)

type fakeMappingStore struct {
	byID      map[string]mapping.Mapping
	siblings  []mapping.Mapping
	refreshed []string
	removed   []string
}

func (f *fakeMappingStore) GetByID(_ context.Context, id string) (mapping.Mapping, error) {
	m, ok := f.byID[id]
	if !ok {
		return mapping.Mapping{}, mapping.ErrNotFound
	}
	return m, nil
}

func (f *fakeMappingStore) RefreshSession(_ context.Context, id string, _ []byte) error {
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeMappingStore) ListActiveByEvent(_ context.Context, _ string) ([]mapping.Mapping, error) {
	return f.siblings, nil
}

func (f *fakeMappingStore) DeactivateOnRemovalNotice(_ context.Context, p platform.Platform, externalID string) (mapping.Mapping, error) {
	for _, m := range f.byID {
		if m.Platform == p && m.ExternalID == externalID && m.IsActive {
			f.removed = append(f.removed, m.ID)
			return m, nil
		}
	}
	return mapping.Mapping{}, mapping.ErrNotFound
}

type fakeChannelStore struct {
	byMapping map[string]chat.Channel
}

func (f *fakeChannelStore) GetByMapping(_ context.Context, mappingID string) (chat.Channel, error) {
	ch, ok := f.byMapping[mappingID]
	if !ok {
		return chat.Channel{}, chat.ErrChannelNotFound
	}
	return ch, nil
}

type fakeMessageStore struct {
	inserted  []chat.InsertMessageInput
	duplicate bool
}

func (f *fakeMessageStore) Insert(_ context.Context, in chat.InsertMessageInput) (chat.Message, error) {
	if f.duplicate {
		return chat.Message{}, chat.ErrDuplicateMessage
	}
	f.inserted = append(f.inserted, in)
	return chat.Message{
		ID:         "msg-1",
		ChannelID:  in.ChannelID,
		Body:       in.Body,
		SenderName: in.SenderName,
		SentAt:     in.SentAt,
	}, nil
}

type fakeSessionStore struct {
	saved   []session.Session
	cleared []string
}

func (f *fakeSessionStore) Save(_ context.Context, sess session.Session) error {
	f.saved = append(f.saved, sess)
	return nil
}

func (f *fakeSessionStore) Clear(_ context.Context, key string) error {
	f.cleared = append(f.cleared, key)
	return nil
}

type fakeBroadcaster struct {
	events []string
	types  []string
}

func (f *fakeBroadcaster) Broadcast(eventID, eventType string, _ any) {
	f.events = append(f.events, eventID)
	f.types = append(f.types, eventType)
}

type processorFixture struct {
	processor *Processor
	mappings  *fakeMappingStore
	channels  *fakeChannelStore
	messages  *fakeMessageStore
	sessions  *fakeSessionStore
	hub       *fakeBroadcaster
	sender    *fakeSender
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()

	sender := &fakeSender{p: platform.GroupMe}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(sender))

	origin := mapping.Mapping{
		ID: "m-origin", EventID: "evt-1", Platform: platform.GroupMe,
		ExternalID: "g-origin", WebhookSecret: "s3cret", IsActive: true,
	}
	sibling := mapping.Mapping{
		ID: "m-sibling", EventID: "evt-1", Platform: platform.GroupMe,
		ExternalID: "g-sibling", IsActive: true,
	}

	mappings := &fakeMappingStore{
		byID:     map[string]mapping.Mapping{origin.ID: origin, sibling.ID: sibling},
		siblings: []mapping.Mapping{origin, sibling},
	}
	channels := &fakeChannelStore{byMapping: map[string]chat.Channel{
		origin.ID: {ID: "ch-1", EventID: "evt-1", ChannelType: chat.TypeExternal, MappingID: origin.ID, IsActive: true},
	}}
	messages := &fakeMessageStore{}
	sessions := &fakeSessionStore{}
	broadcasterFake := &fakeBroadcaster{}
	dispatcher := NewDispatcher(nil, registry, nil, testBridgeConfig())

	return &processorFixture{
		processor: NewProcessor(nil, registry, mappings, channels, messages, sessions, broadcasterFake, dispatcher),
		mappings:  mappings,
		channels:  channels,
		messages:  messages,
		sessions:  sessions,
		hub:       broadcasterFake,
		sender:    sender,
	}
}

func inboundFixture() platform.InboundMessage {
	return platform.InboundMessage{
		Platform:          platform.GroupMe,
		ExternalMessageID: "ext-1",
		ConversationID:    "g-origin",
		SenderID:          "u-9",
		SenderName:        "Dana",
		Text:              "road closed at mile 12",
		SentAt:            time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestProcessBridgesInboundAndExcludesOrigin(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	f.processor.Process(context.Background(), "m-origin", "s3cret", inboundFixture())

	require.Len(t, f.messages.inserted, 1)
	stored := f.messages.inserted[0]
	assert.Equal(t, "Dana", stored.SenderName, "sender attribution must be preserved")
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC), stored.SentAt, "platform timestamp must be preserved")
	assert.Equal(t, platform.GroupMe, stored.SourcePlatform)
	assert.Equal(t, "ext-1", stored.ExternalMessageID)

	require.Equal(t, []string{"evt-1"}, f.hub.events)
	assert.Equal(t, []string{"message_received"}, f.hub.types)

	require.Len(t, f.sender.calls, 1, "relay must reach the sibling only")
	assert.Equal(t, "g-sibling", f.sender.calls[0].ExternalID)
}

func TestProcessBridgesAttachmentOnlyMessages(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	msg := inboundFixture()
	msg.Text = ""
	msg.AttachmentURL = "https://i.groupme.com/640x480.jpeg.deadbeef"
	f.processor.Process(context.Background(), "m-origin", "s3cret", msg)

	require.Len(t, f.messages.inserted, 1, "picture-only messages must be bridged")
	assert.Empty(t, f.messages.inserted[0].Body)
	assert.Equal(t, "https://i.groupme.com/640x480.jpeg.deadbeef", f.messages.inserted[0].AttachmentURL)
	require.Len(t, f.sender.calls, 1)
}

func TestProcessDropsDuplicateReplay(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	f.messages.duplicate = true
	f.processor.Process(context.Background(), "m-origin", "s3cret", inboundFixture())

	assert.Empty(t, f.hub.events, "replays must not reach clients")
	assert.Empty(t, f.sender.calls, "replays must not be re-relayed")
}

func TestProcessDropsBotMessages(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	msg := inboundFixture()
	msg.FromBot = true
	f.processor.Process(context.Background(), "m-origin", "s3cret", msg)

	assert.Empty(t, f.messages.inserted)
	assert.Empty(t, f.sender.calls)
}

func TestProcessDropsSecretMismatch(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	f.processor.Process(context.Background(), "m-origin", "wrong", inboundFixture())

	assert.Empty(t, f.messages.inserted)
	assert.Empty(t, f.mappings.refreshed, "unauthenticated contact must not refresh session state")
}

func TestProcessDropsUnknownMapping(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	f.processor.Process(context.Background(), "m-missing", "", inboundFixture())

	assert.Empty(t, f.messages.inserted)
}

func TestProcessUnlinkedMappingRefreshesSessionOnly(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	unlinked := mapping.Mapping{
		ID: "m-unlinked", Platform: platform.Lark, ExternalID: "oc_1", IsActive: true,
	}
	f.mappings.byID[unlinked.ID] = unlinked

	msg := inboundFixture()
	msg.Platform = platform.Lark
	msg.ConversationID = "oc_1"
	msg.SessionRef = []byte(`{"receive_id":"oc_1","receive_id_type":"chat_id"}`)
	f.processor.Process(context.Background(), "m-unlinked", "", msg)

	assert.Equal(t, []string{"m-unlinked"}, f.mappings.refreshed)
	require.Len(t, f.sessions.saved, 1)
	assert.Equal(t, "lark:oc_1", f.sessions.saved[0].ConversationKey)
	assert.Empty(t, f.messages.inserted, "unlinked mappings do not bridge")
}

func TestProcessRemovalDeactivatesAndClearsSession(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t)
	f.processor.ProcessRemoval(context.Background(), platform.RemovalNotice{
		Platform:       platform.GroupMe,
		ConversationID: "g-origin",
	})

	assert.Equal(t, []string{"m-origin"}, f.mappings.removed)
	assert.Equal(t, []string{"groupme:g-origin"}, f.sessions.cleared)
}
