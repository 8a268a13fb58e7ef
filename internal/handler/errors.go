package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"mtls-chat-proxy/internal/chat"
	"mtls-chat-proxy/internal/credential"
	"mtls-chat-proxy/internal/service"
)

// bearerPattern matches bearer credentials embedded in error messages.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"',]+`)

// mapError writes the JSON error response for err. It must only be called
// before any part of the response body has been written.
func mapError(c echo.Context, logger *slog.Logger, err error) error {
	logger.Error("request failed",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, chat.ErrInvalidRequest) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	var cae *credential.CredentialAcquisitionError
	if errors.As(err, &cae) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "credential acquisition failed",
		})
	}

	var fe *service.ForwardingError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case service.KindStatus:
			return c.JSON(fe.StatusCode, map[string]string{
				"error": fmt.Sprintf("upstream request failed: %d %s", fe.StatusCode, fe.Status),
			})
		case service.KindCanceled:
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "client disconnected"})
		case service.KindTimeout:
			return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "upstream request timed out"})
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "upstream request timed out"})
	}
	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "client disconnected"})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
}

// sanitizeError redacts bearer tokens from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
