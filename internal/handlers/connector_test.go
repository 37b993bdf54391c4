package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamisinc/cobra-poc-sub003/internal/bridge"
	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform/adapters/groupme"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform/adapters/lark"
	"github.com/dynamisinc/cobra-poc-sub003/internal/session"
)

type recordingMappingStore struct {
	upserts []mapping.UpsertInput
}

func (r *recordingMappingStore) UpsertByExternalIdentity(_ context.Context, in mapping.UpsertInput) (mapping.Mapping, bool, error) {
	r.upserts = append(r.upserts, in)
	return mapping.Mapping{ID: "m-7", Platform: in.Platform, ExternalID: in.ExternalID}, true, nil
}

type recordingSessionStore struct {
	saved []session.Session
}

func (r *recordingSessionStore) Save(_ context.Context, sess session.Session) error {
	r.saved = append(r.saved, sess)
	return nil
}

func newConnectorTestHandler(t *testing.T) (*ConnectorHandler, *recordingMappingStore, *recordingSessionStore) {
	t.Helper()
	registry := platform.NewRegistry()
	registry.MustRegister(groupme.New(nil, config.GroupMeConfig{}))
	registry.MustRegister(lark.New(nil, config.LarkConfig{}))

	dispatcher := bridge.NewDispatcher(nil, registry, nil, config.BridgeConfig{RetryMax: 1, RetryBackoffMs: 1, DeliveryTimeout: 1})
	processor := bridge.NewProcessor(nil, registry,
		nopMappingStore{}, nopChannelStore{}, nopMessageStore{}, nopSessionStore{}, nopBroadcaster{}, dispatcher)

	mappings := &recordingMappingStore{}
	sessions := &recordingSessionStore{}
	return NewConnectorHandler(nil, registry, mappings, sessions, processor), mappings, sessions
}

func putSession(h *ConnectorHandler, platformName, body string) (*httptest.ResponseRecorder, error) {
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodPut, "/connectors/"+platformName+"/session", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/connectors/:platform/session")
	c.SetParamNames("platform")
	c.SetParamValues(platformName)
	return rec, h.EstablishSession(c)
}

func TestEstablishSessionStoresProvidedBlob(t *testing.T) {
	t.Parallel()

	h, mappings, sessions := newConnectorTestHandler(t)
	rec, err := putSession(h, "lark",
		`{"conversation_id": "oc_1", "session_blob": {"receive_id":"oc_1","receive_id_type":"chat_id","tenant_key":"t1"}, "display_name": "Ops Chat"}`)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mapping_id":"m-7"`)

	require.Len(t, mappings.upserts, 1)
	assert.JSONEq(t, `{"receive_id":"oc_1","receive_id_type":"chat_id","tenant_key":"t1"}`,
		string(mappings.upserts[0].SessionRef), "the adapter's blob must be stored verbatim")
	require.Len(t, sessions.saved, 1)
	assert.Equal(t, session.Key(platform.Lark, "oc_1"), sessions.saved[0].ConversationKey)
}

func TestEstablishSessionBuildsBlobWhenOmitted(t *testing.T) {
	t.Parallel()

	h, mappings, _ := newConnectorTestHandler(t)
	rec, err := putSession(h, "lark",
		`{"conversation_id": "oc_2", "tenant_key": "t9"}`)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	want, err := lark.SessionRef("oc_2", "t9")
	require.NoError(t, err)
	require.Len(t, mappings.upserts, 1)
	assert.Equal(t, want, mappings.upserts[0].SessionRef)
}

func TestEstablishSessionRejectsSessionlessPlatform(t *testing.T) {
	t.Parallel()

	h, _, _ := newConnectorTestHandler(t)
	_, err := putSession(h, "groupme", `{"conversation_id": "g1"}`)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestRemovalNoticeAcknowledgedWithNoContent(t *testing.T) {
	t.Parallel()

	h, _, _ := newConnectorTestHandler(t)
	e := newTestEcho()
	req := httptest.NewRequest(http.MethodPost, "/connectors/groupme/removed/g1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/connectors/:platform/removed/:conversation_id")
	c.SetParamNames("platform", "conversation_id")
	c.SetParamValues("groupme", "g1")

	require.NoError(t, h.HandleRemoved(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}
