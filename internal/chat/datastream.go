package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Data stream protocol headers.
const (
	DataStreamHeader      = "X-Vercel-AI-Data-Stream"
	DataStreamVersion     = "v1"
	DataStreamContentType = "text/plain; charset=utf-8"
)

// frameUsage is the usage object of finish frames. Unknown counts encode as null.
type frameUsage struct {
	PromptTokens     *int `json:"promptTokens"`
	CompletionTokens *int `json:"completionTokens"`
}

type startFrame struct {
	MessageID string `json:"messageId"`
}

type finishStepFrame struct {
	FinishReason string     `json:"finishReason"`
	Usage        frameUsage `json:"usage"`
	IsContinued  bool       `json:"isContinued"`
}

type finishMessageFrame struct {
	FinishReason string     `json:"finishReason"`
	Usage        frameUsage `json:"usage"`
}

// DataStreamWriter writes data stream protocol frames, one per line, flushing
// after each so the caller sees tokens as they arrive.
type DataStreamWriter struct {
	w       io.Writer
	flusher http.Flusher
	started bool
}

// NewDataStreamWriter wraps w. If w implements http.Flusher every frame is flushed.
func NewDataStreamWriter(w io.Writer) *DataStreamWriter {
	f, _ := w.(http.Flusher)
	return &DataStreamWriter{w: w, flusher: f}
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// Started reports whether any frame has been written.
func (d *DataStreamWriter) Started() bool {
	return d.started
}

// Start writes the message start frame.
func (d *DataStreamWriter) Start(messageID string) error {
	return d.frame('f', startFrame{MessageID: messageID})
}

// Text writes a text delta frame.
func (d *DataStreamWriter) Text(delta string) error {
	return d.frame('0', delta)
}

// Error writes an error frame.
func (d *DataStreamWriter) Error(msg string) error {
	return d.frame('3', msg)
}

// Finish writes the step and message finish frames.
func (d *DataStreamWriter) Finish(reason string, usage *Usage) error {
	if reason == "" {
		reason = "unknown"
	}
	var fu frameUsage
	if usage != nil {
		fu = frameUsage{PromptTokens: &usage.PromptTokens, CompletionTokens: &usage.CompletionTokens}
	}
	if err := d.frame('e', finishStepFrame{FinishReason: reason, Usage: fu}); err != nil {
		return err
	}
	return d.frame('d', finishMessageFrame{FinishReason: reason, Usage: fu})
}

func (d *DataStreamWriter) frame(code byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %c frame: %w", code, err)
	}
	d.started = true
	if _, err := fmt.Fprintf(d.w, "%c:%s\n", code, payload); err != nil {
		return fmt.Errorf("write %c frame: %w", code, err)
	}
	if d.flusher != nil {
		d.flusher.Flush()
	}
	return nil
}
