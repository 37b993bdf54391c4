package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dynamisinc/cobra-poc-sub003/internal/bridge"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// WebhookHandler receives platform callbacks on per-mapping URLs. The
// response is sent before any bridging work happens; platforms that see
// slow webhook responses disable the callback.
type WebhookHandler struct {
	logger    *slog.Logger
	registry  *platform.Registry
	processor *bridge.Processor
}

func NewWebhookHandler(log *slog.Logger, registry *platform.Registry, processor *bridge.Processor) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:    log.With(slog.String("handler", "webhook")),
		registry:  registry,
		processor: processor,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/:platform/:mapping_id", h.HandleProbe)
	e.POST("/webhooks/:platform/:mapping_id", h.Handle)
}

// HandleProbe responds to health/probe requests on the webhook URL.
func (h *WebhookHandler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// urlVerification is the subscription-validation handshake some platforms
// perform when the callback URL is first configured.
type urlVerification struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// Handle acknowledges the callback and hands the payload off for detached
// processing.
func (h *WebhookHandler) Handle(c echo.Context) error {
	p, err := h.registry.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	mappingID := strings.TrimSpace(c.Param("mapping_id"))
	if mappingID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mapping id is required")
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}

	var verification urlVerification
	if err := json.Unmarshal(payload, &verification); err == nil &&
		verification.Type == "url_verification" && verification.Challenge != "" {
		return c.JSON(http.StatusOK, map[string]string{"challenge": verification.Challenge})
	}

	msg, err := h.processor.Parse(p, payload)
	if err != nil {
		if errors.Is(err, platform.ErrMalformedPayload) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	secret := c.QueryParam("token")
	go h.processor.Process(context.WithoutCancel(c.Request().Context()), mappingID, secret, msg)

	return c.NoContent(http.StatusOK)
}
