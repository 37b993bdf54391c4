package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
	"github.com/dynamisinc/cobra-poc-sub003/internal/session"
)

// fakeSender scripts per-call results and records every delivery.
type fakeSender struct {
	p       platform.Platform
	results []error
	calls   []platform.Target
	bodies  []string
}

func (f *fakeSender) Platform() platform.Platform { return f.p }

func (f *fakeSender) Descriptor() platform.Descriptor {
	return platform.Descriptor{Platform: f.p, DisplayName: string(f.p)}
}

func (f *fakeSender) PostMessage(_ context.Context, target platform.Target, msg platform.OutboundMessage) error {
	f.calls = append(f.calls, target)
	f.bodies = append(f.bodies, msg.Body())
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		AttributionTag:  "COBRA",
		RetryMax:        3,
		RetryBackoffMs:  1,
		DeliveryTimeout: 1,
	}
}

// fakeSessionResolver serves scripted session blobs by conversation key.
type fakeSessionResolver struct {
	blobs map[string][]byte
}

func (f *fakeSessionResolver) Get(_ context.Context, key string) (session.Session, error) {
	blob, ok := f.blobs[key]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return session.Session{ConversationKey: key, Blob: blob}, nil
}

func newTestDispatcher(t *testing.T, sender *fakeSender) *Dispatcher {
	t.Helper()
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(sender))
	return NewDispatcher(nil, registry, nil, testBridgeConfig())
}

func TestAttribution(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, platform.NewRegistry(), nil, testBridgeConfig())
	assert.Equal(t, "Alice via COBRA", d.Attribution("Alice"))
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{p: platform.GroupMe, results: []error{
		platform.TransientDelivery(platform.GroupMe, errors.New("503")),
		platform.TransientDelivery(platform.GroupMe, errors.New("503")),
		nil,
	}}
	d := newTestDispatcher(t, sender)

	err := d.DispatchToMapping(context.Background(), mapping.Mapping{
		ID: "m1", Platform: platform.GroupMe, ExternalID: "g1",
	}, Outbound{Text: "hello", SenderName: "Alice"})

	require.NoError(t, err)
	assert.Len(t, sender.calls, 3)
}

func TestDispatchStopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	permanent := platform.PermanentDelivery(platform.GroupMe, errors.New("404"))
	sender := &fakeSender{p: platform.GroupMe, results: []error{permanent}}
	d := newTestDispatcher(t, sender)

	err := d.DispatchToMapping(context.Background(), mapping.Mapping{
		ID: "m1", Platform: platform.GroupMe, ExternalID: "g1",
	}, Outbound{Text: "hello", SenderName: "Alice"})

	require.Error(t, err)
	assert.Len(t, sender.calls, 1)
}

func TestDispatchExhaustsRetriesOnTransient(t *testing.T) {
	t.Parallel()

	transient := platform.TransientDelivery(platform.Lark, errors.New("timeout"))
	sender := &fakeSender{p: platform.Lark, results: []error{transient, transient, transient}}
	d := newTestDispatcher(t, sender)

	err := d.DispatchToMapping(context.Background(), mapping.Mapping{
		ID: "m1", Platform: platform.Lark, ExternalID: "oc_1",
	}, Outbound{Text: "hello", SenderName: "Alice"})

	require.Error(t, err)
	assert.True(t, platform.IsTransient(err))
	assert.Len(t, sender.calls, 3)
}

func TestDispatchSessionGatingDoesNotRetry(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{p: platform.Lark, results: []error{platform.ErrSessionNotEstablished}}
	d := newTestDispatcher(t, sender)

	err := d.DispatchToMapping(context.Background(), mapping.Mapping{
		ID: "m1", Platform: platform.Lark, ExternalID: "oc_1",
	}, Outbound{Text: "hello", SenderName: "Alice"})

	require.ErrorIs(t, err, platform.ErrSessionNotEstablished)
	assert.Len(t, sender.calls, 1)
}

func TestDispatchAppliesAttribution(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{p: platform.GroupMe}
	d := newTestDispatcher(t, sender)

	err := d.DispatchToMapping(context.Background(), mapping.Mapping{
		ID: "m1", Platform: platform.GroupMe, ExternalID: "g1",
	}, Outbound{Text: "status update", SenderName: "Bob"})

	require.NoError(t, err)
	require.Len(t, sender.bodies, 1)
	assert.Equal(t, "Bob via COBRA: status update", sender.bodies[0])
}

func TestDispatchPrefersStoredSessionRef(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{p: platform.Lark}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(sender))

	fresh := []byte(`{"receive_id":"oc_1","receive_id_type":"chat_id","tenant_key":"t2"}`)
	sessions := &fakeSessionResolver{blobs: map[string][]byte{
		session.Key(platform.Lark, "oc_1"): fresh,
	}}
	d := NewDispatcher(nil, registry, sessions, testBridgeConfig())

	err := d.DispatchToMapping(context.Background(), mapping.Mapping{
		ID: "m1", Platform: platform.Lark, ExternalID: "oc_1",
		SessionRef: []byte(`{"receive_id":"oc_1","tenant_key":"stale"}`),
	}, Outbound{Text: "hello", SenderName: "Alice"})

	require.NoError(t, err)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, fresh, sender.calls[0].SessionRef,
		"the session store holds the freshest routing blob and must win")
}

func TestDispatchFallsBackToMappingSessionRef(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{p: platform.Lark}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(sender))

	d := NewDispatcher(nil, registry, &fakeSessionResolver{}, testBridgeConfig())
	stale := []byte(`{"receive_id":"oc_2","receive_id_type":"chat_id"}`)

	err := d.DispatchToMapping(context.Background(), mapping.Mapping{
		ID: "m2", Platform: platform.Lark, ExternalID: "oc_2", SessionRef: stale,
	}, Outbound{Text: "hello", SenderName: "Alice"})

	require.NoError(t, err)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, stale, sender.calls[0].SessionRef)
}

func TestRetryDelayDoubles(t *testing.T) {
	t.Parallel()

	cfg := testBridgeConfig()
	cfg.RetryBackoffMs = 100
	d := NewDispatcher(nil, platform.NewRegistry(), nil, cfg)

	assert.Equal(t, 100*time.Millisecond, d.retryDelay(1))
	assert.Equal(t, 200*time.Millisecond, d.retryDelay(2))
	assert.Equal(t, 400*time.Millisecond, d.retryDelay(3))
}

func TestFanOutSkipsOrigin(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{p: platform.GroupMe}
	d := newTestDispatcher(t, sender)

	mappings := []mapping.Mapping{
		{ID: "m1", Platform: platform.GroupMe, ExternalID: "g1"},
		{ID: "m2", Platform: platform.GroupMe, ExternalID: "g2"},
		{ID: "m3", Platform: platform.GroupMe, ExternalID: "g3"},
	}
	sent := d.FanOut(context.Background(), mappings, "m2", Outbound{Text: "hi", SenderName: "Alice"})

	assert.Equal(t, 2, sent)
	for _, call := range sender.calls {
		assert.NotEqual(t, "g2", call.ExternalID, "message must not echo to its origin")
	}
}

func TestBroadcastAnnouncementCountsPartialDelivery(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{p: platform.GroupMe, results: []error{
		nil,
		platform.PermanentDelivery(platform.GroupMe, fmt.Errorf("bot removed")),
		nil,
	}}
	d := newTestDispatcher(t, sender)

	mappings := []mapping.Mapping{
		{ID: "m1", Platform: platform.GroupMe, ExternalID: "g1"},
		{ID: "m2", Platform: platform.GroupMe, ExternalID: "g2"},
		{ID: "m3", Platform: platform.GroupMe, ExternalID: "g3"},
	}
	sent, attempted := d.BroadcastAnnouncement(context.Background(), mappings, Outbound{
		Text: "evacuation order", SenderName: "EOC",
	})

	assert.Equal(t, 3, attempted)
	assert.Equal(t, 2, sent)
}
