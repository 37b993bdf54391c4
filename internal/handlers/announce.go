package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dynamisinc/cobra-poc-sub003/internal/auth"
	"github.com/dynamisinc/cobra-poc-sub003/internal/bridge"
	"github.com/dynamisinc/cobra-poc-sub003/internal/chat"
	"github.com/dynamisinc/cobra-poc-sub003/internal/hub"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
)

// AnnounceHandler fans an announcement out to every mapped external
// conversation of an event at once.
type AnnounceHandler struct {
	logger     *slog.Logger
	mappings   *mapping.Store
	channels   *chat.ChannelStore
	messages   *chat.MessageStore
	hub        *hub.Hub
	dispatcher *bridge.Dispatcher
}

func NewAnnounceHandler(
	log *slog.Logger,
	mappings *mapping.Store,
	channels *chat.ChannelStore,
	messages *chat.MessageStore,
	h *hub.Hub,
	dispatcher *bridge.Dispatcher,
) *AnnounceHandler {
	return &AnnounceHandler{
		logger:     log.With(slog.String("handler", "announce")),
		mappings:   mappings,
		channels:   channels,
		messages:   messages,
		hub:        h,
		dispatcher: dispatcher,
	}
}

func (h *AnnounceHandler) Register(e *echo.Echo) {
	e.POST("/events/:event_id/announce", h.Announce)
}

type announceRequest struct {
	Title      string `json:"title" validate:"required"`
	Message    string `json:"message" validate:"required"`
	SenderName string `json:"sender_name"`
	Priority   string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

// announcementText folds the title and priority tag into the single text
// body the platforms receive.
func announcementText(title, message, priority string) string {
	text := title + "\n" + message
	if priority != "" && priority != "normal" {
		text = "[" + strings.ToUpper(priority) + "] " + text
	}
	return text
}

type announceResponse struct {
	Success       bool   `json:"success"`
	ChannelsSent  int    `json:"channels_sent"`
	ChannelsTotal int    `json:"channels_total"`
	Message       string `json:"message,omitempty"`
}

// Announce delivers the body to every active mapping of the event,
// best effort, and records it in the announcements channel when one
// exists. Partial delivery is reported, not failed.
func (h *AnnounceHandler) Announce(c echo.Context) error {
	var req announceRequest
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
	eventID := c.Param("event_id")
	body := announcementText(req.Title, req.Message, req.Priority)

	targets, err := h.mappings.ListActiveByEvent(ctx, eventID)
	if err != nil {
		return httpError(err)
	}

	sent, attempted := h.dispatcher.BroadcastAnnouncement(ctx, targets, bridge.Outbound{
		Text:       body,
		SenderName: senderName,
	})

	h.recordAnnouncement(c, eventID, body, senderName)

	resp := announceResponse{
		Success:       attempted == 0 || sent > 0,
		ChannelsSent:  sent,
		ChannelsTotal: attempted,
	}
	if sent < attempted {
		resp.Message = "announcement delivered to a subset of external channels"
	}
	return c.JSON(http.StatusOK, resp)
}

// recordAnnouncement logs the announcement into the event's announcements
// channel and pushes it to connected clients. Best effort.
func (h *AnnounceHandler) recordAnnouncement(c echo.Context, eventID, body, senderName string) {
	ctx := c.Request().Context()
	channels, err := h.channels.ListByEvent(ctx, eventID, false)
	if err != nil {
		h.logger.Warn("list channels for announcement record", "event_id", eventID, "error", err)
		return
	}
	for _, channel := range channels {
		if channel.ChannelType != chat.TypeAnnouncements {
			continue
		}
		msg, err := h.messages.Insert(ctx, chat.InsertMessageInput{
			ChannelID:  channel.ID,
			Body:       body,
			SenderName: senderName,
		})
		if err != nil {
			h.logger.Warn("record announcement", "channel_id", channel.ID, "error", err)
			return
		}
		h.hub.Broadcast(eventID, hub.EventMessageReceived, msg)
		return
	}
}
