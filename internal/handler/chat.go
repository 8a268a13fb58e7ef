package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"mtls-chat-proxy/internal/chat"
	"mtls-chat-proxy/internal/config"
)

// ChatHandler serves POST /api/chat.
type ChatHandler struct {
	chat        *chat.Service
	maxDuration time.Duration
	logger      *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(svc *chat.Service, cfg *config.Config, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		chat:        svc,
		maxDuration: time.Duration(cfg.Chat.MaxDurationSeconds) * time.Second,
		logger:      logger.With("component", "chat_handler"),
	}
}

// Handle runs the conversation upstream and streams the answer back as data
// stream frames.
func (h *ChatHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	if h.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.maxDuration)
		defer cancel()
	}

	var req chat.Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return mapError(c, h.logger, fmt.Errorf("%w: decode body: %v", chat.ErrInvalidRequest, err))
	}

	reader, err := h.chat.Open(ctx, &req)
	if err != nil {
		return mapError(c, h.logger, err)
	}
	defer func() { _ = reader.Close() }()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, chat.DataStreamContentType)
	res.Header().Set(chat.DataStreamHeader, chat.DataStreamVersion)
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)

	// The status is already sent; stream failures are reported in-band.
	if err := h.chat.Relay(ctx, reader, chat.NewDataStreamWriter(res)); err != nil {
		h.logger.Warn("chat stream ended early", "err", sanitizeError(err))
	}
	return nil
}
