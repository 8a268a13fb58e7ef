package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxSSELine = 1024 * 1024

// Usage holds token accounting as reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Chunk is one increment of a completion.
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
}

// streamResponse is the subset of an OpenAI chat.completion.chunk we read.
type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StreamError is an error event sent by the upstream in place of a chunk.
type StreamError struct {
	Message string
	Type    string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "upstream stream error: " + e.Message
	}
	return fmt.Sprintf("upstream stream error (%s): %s", e.Type, e.Message)
}

// completionResponse is the subset of an OpenAI chat.completion we read.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// ChunkReader yields the chunks of one completion. It is finite and cannot be
// restarted; Next returns io.EOF once the completion has ended.
type ChunkReader struct {
	body    io.Closer
	scanner *bufio.Scanner
	pending []Chunk
	done    bool
}

// NewStreamReader reads Server-Sent Events from body until [DONE] or EOF.
func NewStreamReader(body io.ReadCloser) *ChunkReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &ChunkReader{body: body, scanner: scanner}
}

// NewBufferedReader yields a whole response body as a single chunk.
// A chat completion object contributes its message content; any other body is
// passed through as text.
func NewBufferedReader(raw []byte, isJSON bool) *ChunkReader {
	chunk := Chunk{Delta: string(raw), FinishReason: "stop"}
	if isJSON {
		var resp completionResponse
		if err := json.Unmarshal(raw, &resp); err == nil && len(resp.Choices) > 0 {
			chunk = Chunk{
				Delta:        resp.Choices[0].Message.Content,
				FinishReason: resp.Choices[0].FinishReason,
				Usage:        resp.Usage,
			}
		}
	}
	return &ChunkReader{pending: []Chunk{chunk}}
}

// Next returns the next chunk, or io.EOF when the completion has ended.
func (r *ChunkReader) Next(ctx context.Context) (*Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	if r.scanner == nil {
		if len(r.pending) == 0 {
			r.done = true
			return nil, io.EOF
		}
		c := r.pending[0]
		r.pending = r.pending[1:]
		return &c, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if !r.scanner.Scan() {
			r.done = true
			if err := r.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read event stream: %w", err)
			}
			return nil, io.EOF
		}

		data, ok := strings.CutPrefix(r.scanner.Text(), "data:")
		if !ok {
			// Comments, event names, ids and blank separators.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			r.done = true
			return nil, io.EOF
		}
		if data == "" {
			continue
		}

		var resp streamResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return nil, fmt.Errorf("parse stream chunk: %w", err)
		}
		if resp.Error != nil {
			r.done = true
			return nil, &StreamError{Message: resp.Error.Message, Type: resp.Error.Type}
		}

		c := Chunk{Usage: resp.Usage}
		if len(resp.Choices) > 0 {
			c.Delta = resp.Choices[0].Delta.Content
			if fr := resp.Choices[0].FinishReason; fr != nil {
				c.FinishReason = *fr
			}
		}
		if c.Delta == "" && c.FinishReason == "" && c.Usage == nil {
			continue
		}
		return &c, nil
	}
}

// Close releases the upstream body, if any.
func (r *ChunkReader) Close() error {
	r.done = true
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}
