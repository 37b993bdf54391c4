package handlers

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/dynamisinc/cobra-poc-sub003/internal/hub"
)

// WSHandler upgrades realtime connections. Auth runs in the JWT
// middleware (token query parameter) before the upgrade.
type WSHandler struct {
	logger *slog.Logger
	hub    *hub.Hub
}

func NewWSHandler(log *slog.Logger, h *hub.Hub) *WSHandler {
	return &WSHandler{
		logger: log.With(slog.String("handler", "ws")),
		hub:    h,
	}
}

func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Connect)
}

func (h *WSHandler) Connect(c echo.Context) error {
	return h.hub.ServeWS(c.Response(), c.Request())
}
