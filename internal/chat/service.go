package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/model"
)

// Forwarder sends authenticated requests to the model upstream.
type Forwarder interface {
	Forward(req *model.OutboundRequest) (*model.UpstreamResponse, error)
	ForwardStream(req *model.OutboundRequest) (*model.UpstreamResponse, error)
	Buffer(req *model.OutboundRequest, resp *model.UpstreamResponse) (*model.UpstreamResponse, error)
}

// Service runs a conversation against the configured model.
type Service struct {
	fwd    Forwarder
	cfg    *config.Config
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(fwd Forwarder, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		fwd:    fwd,
		cfg:    cfg,
		logger: logger.With("component", "chat"),
	}
}

// CompletionsURL is the upstream chat completion endpoint.
func (s *Service) CompletionsURL() string {
	return s.cfg.Model.BaseURL + "/chat/completions"
}

// Open validates req, sends it upstream and returns a reader over the
// completion. The caller must Close the reader.
//
// With streaming enabled an event-stream answer is read incrementally; any
// other answer is buffered and yielded as a single chunk.
func (s *Service) Open(ctx context.Context, req *Request) (*ChunkReader, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	completion := NewCompletionRequest(s.cfg.Model, req.Messages)
	body, err := json.Marshal(completion)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	out := &model.OutboundRequest{
		Ctx:    ctx,
		URL:    s.CompletionsURL(),
		Method: http.MethodPost,
		Body:   body,
	}

	if !completion.Stream {
		resp, err := s.fwd.Forward(out)
		if err != nil {
			return nil, err
		}
		return NewBufferedReader(resp.Raw, resp.IsJSON()), nil
	}

	out.Header = http.Header{"Accept": {"text/event-stream"}}
	resp, err := s.fwd.ForwardStream(out)
	if err != nil {
		return nil, err
	}
	if isEventStream(resp.Header.Get("Content-Type")) {
		return NewStreamReader(resp.Stream), nil
	}

	s.logger.Debug("upstream ignored stream request; buffering response",
		"content_type", resp.Header.Get("Content-Type"),
	)
	buffered, err := s.fwd.Buffer(out, resp)
	if err != nil {
		return nil, err
	}
	return NewBufferedReader(buffered.Raw, buffered.IsJSON()), nil
}

// Relay copies the completion in r to w as data stream frames. Errors after
// the first frame are reported in-band with an error frame; text already
// written stays with the caller.
func (s *Service) Relay(ctx context.Context, r *ChunkReader, w *DataStreamWriter) error {
	if err := w.Start(NewMessageID()); err != nil {
		return err
	}

	var (
		reason string
		usage  *Usage
		deltas int
	)
	for {
		c, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("completion stream failed", "err", err, "deltas", deltas)
			if werr := w.Error(streamErrorMessage(err)); werr != nil {
				return werr
			}
			return err
		}

		if c.Delta != "" {
			if err := w.Text(c.Delta); err != nil {
				return err
			}
			deltas++
		}
		if c.FinishReason != "" {
			reason = c.FinishReason
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}

	s.logger.Debug("completion relayed", "deltas", deltas, "finish_reason", reason)
	return w.Finish(reason, usage)
}

func streamErrorMessage(err error) string {
	var se *StreamError
	switch {
	case errors.As(err, &se) && se.Message != "":
		return "completion stream failed: " + se.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "completion timed out"
	case errors.Is(err, context.Canceled):
		return "completion canceled"
	default:
		return "completion stream failed"
	}
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}
