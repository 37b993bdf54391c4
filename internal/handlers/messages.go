package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dynamisinc/cobra-poc-sub003/internal/auth"
	"github.com/dynamisinc/cobra-poc-sub003/internal/bridge"
	"github.com/dynamisinc/cobra-poc-sub003/internal/chat"
	"github.com/dynamisinc/cobra-poc-sub003/internal/hub"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
)

// MessagesHandler serves the internal message surface: posting into a
// channel and reading history.
type MessagesHandler struct {
	logger     *slog.Logger
	channels   *chat.ChannelStore
	messages   *chat.MessageStore
	mappings   *mapping.Store
	hub        *hub.Hub
	dispatcher *bridge.Dispatcher
}

func NewMessagesHandler(
	log *slog.Logger,
	channels *chat.ChannelStore,
	messages *chat.MessageStore,
	mappings *mapping.Store,
	h *hub.Hub,
	dispatcher *bridge.Dispatcher,
) *MessagesHandler {
	return &MessagesHandler{
		logger:     log.With(slog.String("handler", "messages")),
		channels:   channels,
		messages:   messages,
		mappings:   mappings,
		hub:        h,
		dispatcher: dispatcher,
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.GET("/channels/:id/messages", h.History)
	e.POST("/channels/:id/messages", h.Send)
}

// History pages backwards through a channel's log. Pass before as RFC 3339
// to continue from an earlier page.
func (h *MessagesHandler) History(c echo.Context) error {
	channelID := c.Param("id")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	ctx := c.Request().Context()
	if raw := c.QueryParam("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC 3339")
		}
		items, err := h.messages.ListBefore(ctx, channelID, before, limit)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, items)
	}
	items, err := h.messages.ListLatest(ctx, channelID, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type sendMessageRequest struct {
	Body          string `json:"body" validate:"required"`
	SenderName    string `json:"sender_name"`
	AttachmentURL string `json:"attachment_url" validate:"omitempty,url"`
}

// Send records an internally authored message, pushes it to connected
// clients, and relays it to the channel's external conversation when one
// is mapped. External delivery happens detached from the response.
func (h *MessagesHandler) Send(c echo.Context) error {
	var req sendMessageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	senderName := req.SenderName
	if senderName == "" {
		userID, err := auth.UserIDFromContext(c)
		if err != nil {
			return err
		}
		senderName = userID
	}

	ctx := c.Request().Context()
	channel, err := h.channels.GetByID(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !channel.IsActive {
		return echo.NewHTTPError(http.StatusConflict, "channel is archived")
	}

	msg, err := h.messages.Insert(ctx, chat.InsertMessageInput{
		ChannelID:     channel.ID,
		Body:          req.Body,
		SenderName:    senderName,
		AttachmentURL: req.AttachmentURL,
	})
	if err != nil {
		return httpError(err)
	}
	h.hub.Broadcast(channel.EventID, hub.EventMessageReceived, msg)

	if channel.External() {
		m, err := h.mappings.GetByID(ctx, channel.MappingID)
		if err == nil && m.IsActive {
			out := bridge.Outbound{
				Text:          req.Body,
				SenderName:    senderName,
				AttachmentURL: req.AttachmentURL,
			}
			go func(ctx context.Context) {
				if err := h.dispatcher.DispatchToMapping(ctx, m, out); err != nil {
					h.logger.Error("relay internal message",
						"mapping_id", m.ID, "platform", m.Platform, "error", err)
				}
			}(context.WithoutCancel(ctx))
		}
	}

	return c.JSON(http.StatusCreated, msg)
}
