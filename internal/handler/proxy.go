package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"mtls-chat-proxy/internal/chat"
	"mtls-chat-proxy/internal/model"
)

// forwardedRequestHeaders are the inbound headers relayed to the upstream.
var forwardedRequestHeaders = []string{"Accept", "Accept-Language", echo.HeaderXRequestID}

// ProxyHandler relays OpenAI-compatible chat completion requests to the
// upstream with the gateway's credential and client identity attached.
type ProxyHandler struct {
	fwd    chat.Forwarder
	url    string
	logger *slog.Logger
}

// NewProxyHandler creates a ProxyHandler targeting the chat service's upstream endpoint.
func NewProxyHandler(fwd chat.Forwarder, svc *chat.Service, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		fwd:    fwd,
		url:    svc.CompletionsURL(),
		logger: logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request body. Requests with "stream": true are relayed
// as they arrive; others are buffered and returned with the upstream status
// and headers.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return mapError(c, h.logger, err)
	}

	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "request body must be a JSON object"})
	}

	out := &model.OutboundRequest{
		Ctx:    req.Context(),
		URL:    h.url,
		Method: http.MethodPost,
		Header: make(http.Header),
		Body:   body,
	}
	for _, key := range forwardedRequestHeaders {
		if v := req.Header.Values(key); len(v) > 0 {
			out.Header[http.CanonicalHeaderKey(key)] = v
		}
	}

	if !probe.Stream {
		resp, err := h.fwd.Forward(out)
		if err != nil {
			return mapError(c, h.logger, err)
		}
		copyHeaders(c.Response().Header(), resp.Header)
		return c.Blob(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Raw)
	}

	resp, err := h.fwd.ForwardStream(out)
	if err != nil {
		return mapError(c, h.logger, err)
	}
	defer func() { _ = resp.Close() }()

	copyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy leaves the caller with a
	// truncated stream, so it is only logged.
	if err := streamBody(c.Response(), resp.Stream); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}
	return nil
}

func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// streamBody copies src to the response, flushing after every read.
func streamBody(res *echo.Response, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				return werr
			}
			res.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
