package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dynamisinc/cobra-poc-sub003/internal/bridge"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
	"github.com/dynamisinc/cobra-poc-sub003/internal/session"
)

type connectorMappingStore interface {
	UpsertByExternalIdentity(ctx context.Context, in mapping.UpsertInput) (mapping.Mapping, bool, error)
}

type connectorSessionStore interface {
	Save(ctx context.Context, sess session.Session) error
}

// ConnectorHandler serves the platform-facing connector endpoints:
// session establishment and removal notices. Both are unauthenticated,
// like the webhook receiver.
type ConnectorHandler struct {
	logger    *slog.Logger
	registry  *platform.Registry
	mappings  connectorMappingStore
	sessions  connectorSessionStore
	processor *bridge.Processor
}

func NewConnectorHandler(
	log *slog.Logger,
	registry *platform.Registry,
	mappings connectorMappingStore,
	sessions connectorSessionStore,
	processor *bridge.Processor,
) *ConnectorHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectorHandler{
		logger:    log.With(slog.String("handler", "connector")),
		registry:  registry,
		mappings:  mappings,
		sessions:  sessions,
		processor: processor,
	}
}

func (h *ConnectorHandler) Register(e *echo.Echo) {
	e.PUT("/connectors/:platform/session", h.EstablishSession)
	e.POST("/connectors/:platform/removed/:conversation_id", h.HandleRemoved)
}

type establishSessionRequest struct {
	ConversationID string          `json:"conversation_id" validate:"required"`
	SessionBlob    json.RawMessage `json:"session_blob"`
	DisplayName    string          `json:"display_name"`
	TenantKey      string          `json:"tenant_key"`
}

type establishSessionResponse struct {
	MappingID    string `json:"mapping_id"`
	IsNewMapping bool   `json:"is_new_mapping"`
}

// EstablishSession records first contact from an external conversation:
// it builds a session reference, stores it, and upserts the unlinked
// mapping for the identity. Replays refresh the stored session.
func (h *ConnectorHandler) EstablishSession(c echo.Context) error {
	p, err := h.registry.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req establishSessionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	// The adapter process may hand us the platform-issued blob directly;
	// otherwise the platform client constructs one from the conversation id.
	blob := []byte(req.SessionBlob)
	if len(blob) == 0 {
		builder, ok := h.registry.GetSessionBuilder(p)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "platform does not use sessions")
		}
		blob, err = builder.BuildSessionRef(req.ConversationID, req.TenantKey)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	ctx := c.Request().Context()
	m, isNew, err := h.mappings.UpsertByExternalIdentity(ctx, mapping.UpsertInput{
		Platform:    p,
		ExternalID:  req.ConversationID,
		DisplayName: req.DisplayName,
		SessionRef:  blob,
	})
	if err != nil {
		return httpError(err)
	}
	err = h.sessions.Save(ctx, session.Session{
		ConversationKey: session.Key(p, req.ConversationID),
		Platform:        p,
		Blob:            blob,
		DisplayName:     req.DisplayName,
		TenantID:        req.TenantKey,
	})
	if err != nil {
		return httpError(err)
	}

	h.logger.Info("session established",
		"platform", p, "mapping_id", m.ID, "new_mapping", isNew)
	return c.JSON(http.StatusOK, establishSessionResponse{
		MappingID:    m.ID,
		IsNewMapping: isNew,
	})
}

// HandleRemoved processes the platform reporting our bot was removed from
// a conversation. Always acknowledged; the deactivation runs detached.
func (h *ConnectorHandler) HandleRemoved(c echo.Context) error {
	p, err := h.registry.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conversationID := strings.TrimSpace(c.Param("conversation_id"))
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	go h.processor.ProcessRemoval(context.WithoutCancel(c.Request().Context()), platform.RemovalNotice{
		Platform:       p,
		ConversationID: conversationID,
		RemovedBy:      c.QueryParam("removed_by"),
	})
	return c.NoContent(http.StatusNoContent)
}
