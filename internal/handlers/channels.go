package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dynamisinc/cobra-poc-sub003/internal/chat"
	"github.com/dynamisinc/cobra-poc-sub003/internal/hub"
)

// ChannelsHandler serves per-event channel management.
type ChannelsHandler struct {
	logger   *slog.Logger
	channels *chat.ChannelStore
	hub      *hub.Hub
}

func NewChannelsHandler(log *slog.Logger, channels *chat.ChannelStore, h *hub.Hub) *ChannelsHandler {
	return &ChannelsHandler{
		logger:   log.With(slog.String("handler", "channels")),
		channels: channels,
		hub:      h,
	}
}

func (h *ChannelsHandler) Register(e *echo.Echo) {
	e.GET("/events/:event_id/channels", h.List)
	e.POST("/events/:event_id/channels", h.Create)
	e.POST("/events/:event_id/channels/ensure", h.Ensure)

	group := e.Group("/channels")
	group.GET("/:id", h.Get)
	group.PUT("/:id/name", h.Rename)
	group.POST("/:id/archive", h.Archive)
	group.POST("/:id/restore", h.Restore)
	group.DELETE("/:id", h.Delete)
}

func (h *ChannelsHandler) List(c echo.Context) error {
	includeArchived := c.QueryParam("include_archived") == "true"
	items, err := h.channels.ListByEvent(c.Request().Context(), c.Param("event_id"), includeArchived)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type createChannelRequest struct {
	Name         string `json:"name" validate:"required"`
	ChannelType  string `json:"channel_type" validate:"omitempty,oneof=position custom"`
	PositionRole string `json:"position_role"`
}

func (h *ChannelsHandler) Create(c echo.Context) error {
	var req createChannelRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	channelType := req.ChannelType
	if channelType == "" {
		channelType = chat.TypeCustom
	}
	eventID := c.Param("event_id")
	channel, err := h.channels.Create(c.Request().Context(), chat.CreateChannelInput{
		EventID:      eventID,
		Name:         req.Name,
		ChannelType:  channelType,
		PositionRole: req.PositionRole,
	})
	if err != nil {
		return httpError(err)
	}
	h.hub.Broadcast(eventID, hub.EventChannelCreated, channel)
	return c.JSON(http.StatusCreated, channel)
}

// Ensure creates the event's system channels if missing.
func (h *ChannelsHandler) Ensure(c echo.Context) error {
	eventID := c.Param("event_id")
	if err := h.channels.EnsureEventChannels(c.Request().Context(), eventID); err != nil {
		return httpError(err)
	}
	items, err := h.channels.ListByEvent(c.Request().Context(), eventID, false)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ChannelsHandler) Get(c echo.Context) error {
	channel, err := h.channels.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, channel)
}

type renameChannelRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *ChannelsHandler) Rename(c echo.Context) error {
	var req renameChannelRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	channel, err := h.channels.Rename(c.Request().Context(), c.Param("id"), req.Name)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, channel)
}

func (h *ChannelsHandler) Archive(c echo.Context) error {
	channel, err := h.channels.Archive(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	h.hub.Broadcast(channel.EventID, hub.EventChannelArchived, channel)
	return c.JSON(http.StatusOK, channel)
}

func (h *ChannelsHandler) Restore(c echo.Context) error {
	channel, err := h.channels.Restore(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	h.hub.Broadcast(channel.EventID, hub.EventChannelRestored, channel)
	return c.JSON(http.StatusOK, channel)
}

func (h *ChannelsHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	channel, err := h.channels.GetByID(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if err := h.channels.Delete(ctx, channel.ID); err != nil {
		return httpError(err)
	}
	h.hub.Broadcast(channel.EventID, hub.EventChannelDeleted, channel)
	return c.NoContent(http.StatusNoContent)
}
