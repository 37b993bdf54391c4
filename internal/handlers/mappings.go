package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dynamisinc/cobra-poc-sub003/internal/chat"
	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/hub"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

// MappingsHandler is the admin surface for channel mappings: listing,
// provisioning, linking to events, lifecycle, and purge.
type MappingsHandler struct {
	logger   *slog.Logger
	registry *platform.Registry
	mappings *mapping.Store
	channels *chat.ChannelStore
	hub      *hub.Hub
	server   config.ServerConfig
}

func NewMappingsHandler(
	log *slog.Logger,
	registry *platform.Registry,
	mappings *mapping.Store,
	channels *chat.ChannelStore,
	h *hub.Hub,
	cfg config.Config,
) *MappingsHandler {
	return &MappingsHandler{
		logger:   log.With(slog.String("handler", "mappings")),
		registry: registry,
		mappings: mappings,
		channels: channels,
		hub:      h,
		server:   cfg.Server,
	}
}

func (h *MappingsHandler) Register(e *echo.Echo) {
	group := e.Group("/mappings")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.POST("/provision", h.Provision)
	group.POST("/:id/link", h.Link)
	group.POST("/:id/unlink", h.Unlink)
	group.PUT("/:id/name", h.Rename)
	group.POST("/:id/deactivate", h.Deactivate)
	group.POST("/:id/reactivate", h.Reactivate)
	group.DELETE("/:id", h.Purge)
}

func (h *MappingsHandler) List(c echo.Context) error {
	items, err := h.mappings.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *MappingsHandler) Get(c echo.Context) error {
	m, err := h.mappings.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

type provisionRequest struct {
	EventID  string `json:"event_id" validate:"required,uuid"`
	Platform string `json:"platform" validate:"required"`
	Name     string `json:"name" validate:"required"`
}

type provisionResponse struct {
	Mapping  mapping.Mapping `json:"mapping"`
	Channel  chat.Channel    `json:"channel"`
	ShareURL string          `json:"share_url,omitempty"`
}

// Provision creates a new external group on the platform, registers the
// inbound callback for it, and links the resulting mapping to the event
// with a fresh channel.
func (h *MappingsHandler) Provision(c echo.Context) error {
	var req provisionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.registry.ParsePlatform(req.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	provisioner, ok := h.registry.GetGroupProvisioner(p)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("platform cannot provision groups: %s", p))
	}
	registrar, _ := h.registry.GetCallbackRegistrar(p)

	ctx := c.Request().Context()
	group, err := provisioner.CreateGroup(ctx, req.Name)
	if err != nil {
		return httpError(err)
	}

	secret := uuid.NewString()
	m, err := h.mappings.Create(ctx, mapping.CreateInput{
		EventID:       req.EventID,
		Platform:      p,
		ExternalID:    group.ExternalID,
		DisplayName:   req.Name,
		WebhookSecret: secret,
	})
	if err != nil {
		return httpError(err)
	}

	if registrar != nil {
		callbackURL := fmt.Sprintf("%s/webhooks/%s/%s?token=%s",
			strings.TrimRight(h.server.PublicBaseURL, "/"), p, m.ID, secret)
		registration, err := registrar.RegisterCallback(ctx, group.ExternalID, callbackURL)
		if err != nil {
			return httpError(err)
		}
		if len(registration.SessionRef) > 0 {
			if err := h.mappings.RefreshSession(ctx, m.ID, registration.SessionRef); err != nil {
				return httpError(err)
			}
			m.SessionRef = registration.SessionRef
		}
	}

	channel, err := h.channels.Create(ctx, chat.CreateChannelInput{
		EventID:     req.EventID,
		Name:        req.Name,
		ChannelType: chat.TypeExternal,
		MappingID:   m.ID,
	})
	if err != nil {
		return httpError(err)
	}
	h.hub.Broadcast(req.EventID, hub.EventChannelCreated, channel)

	h.logger.Info("provisioned external group",
		"platform", p, "mapping_id", m.ID, "external_id", group.ExternalID)
	return c.JSON(http.StatusCreated, provisionResponse{
		Mapping:  m,
		Channel:  channel,
		ShareURL: group.ShareURL,
	})
}

type linkRequest struct {
	EventID     string `json:"event_id" validate:"required,uuid"`
	ChannelName string `json:"channel_name"`
}

// Link binds an existing (typically first-contact) mapping to an event and
// creates the external channel that carries its traffic.
func (h *MappingsHandler) Link(c echo.Context) error {
	var req linkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := h.mappings.LinkToEvent(ctx, c.Param("id"), req.EventID)
	if err != nil {
		return httpError(err)
	}

	name := strings.TrimSpace(req.ChannelName)
	if name == "" {
		name = m.DisplayName
	}
	if name == "" {
		name = fmt.Sprintf("%s %s", m.Platform, m.ExternalID)
	}
	channel, err := h.channels.Create(ctx, chat.CreateChannelInput{
		EventID:     req.EventID,
		Name:        name,
		ChannelType: chat.TypeExternal,
		MappingID:   m.ID,
	})
	if err != nil {
		return httpError(err)
	}
	h.hub.Broadcast(req.EventID, hub.EventChannelCreated, channel)

	return c.JSON(http.StatusOK, map[string]any{
		"mapping": m,
		"channel": channel,
	})
}

// Unlink detaches a mapping from its event. The mapping and its session
// survive; the channel that carried its traffic is archived.
func (h *MappingsHandler) Unlink(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	before, err := h.mappings.GetByID(ctx, id)
	if err != nil {
		return httpError(err)
	}
	m, err := h.mappings.Unlink(ctx, id)
	if err != nil {
		return httpError(err)
	}

	if channel, err := h.channels.GetByMapping(ctx, id); err == nil {
		if archived, err := h.channels.Archive(ctx, channel.ID); err == nil {
			h.hub.Broadcast(before.EventID, hub.EventChannelArchived, archived)
		} else {
			h.logger.Warn("archive channel on unlink", "channel_id", channel.ID, "error", err)
		}
	}
	return c.JSON(http.StatusOK, m)
}

type renameRequest struct {
	DisplayName string `json:"display_name" validate:"required"`
}

func (h *MappingsHandler) Rename(c echo.Context) error {
	var req renameRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	m, err := h.mappings.Rename(c.Request().Context(), c.Param("id"), req.DisplayName)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *MappingsHandler) Deactivate(c echo.Context) error {
	m, err := h.mappings.Deactivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *MappingsHandler) Reactivate(c echo.Context) error {
	m, err := h.mappings.Reactivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// Purge hard-deletes a mapping. With destroy_group=true it also tears down
// the external group, for platforms that support it.
func (h *MappingsHandler) Purge(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	m, err := h.mappings.GetByID(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("destroy_group") == "true" {
		if provisioner, ok := h.registry.GetGroupProvisioner(m.Platform); ok {
			if err := provisioner.DestroyGroup(ctx, m.ExternalID); err != nil {
				return httpError(err)
			}
		}
	}
	if err := h.mappings.Purge(ctx, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
