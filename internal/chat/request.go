// Package chat turns a conversation into an upstream chat completion and
// relays the result to the caller as a data stream.
package chat

import (
	"errors"
	"fmt"

	"mtls-chat-proxy/internal/config"
)

// ErrInvalidRequest is wrapped by every validation failure.
var ErrInvalidRequest = errors.New("invalid chat request")

// Roles accepted in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var validRoles = map[string]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
	RoleTool:      true,
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the inbound body of POST /api/chat.
type Request struct {
	Messages []Message `json:"messages"`
}

// Validate checks that the conversation can be forwarded.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("%w: messages[%d]: unknown role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// CompletionRequest is the OpenAI-compatible body sent upstream.
type CompletionRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	Stream           bool      `json:"stream"`
}

// NewCompletionRequest builds the upstream body for msgs using the model settings.
func NewCompletionRequest(cfg config.ModelConfig, msgs []Message) *CompletionRequest {
	return &CompletionRequest{
		Model:            cfg.Name,
		Messages:         msgs,
		FrequencyPenalty: cfg.FrequencyPenalty,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		Stream:           !cfg.Buffered,
	}
}
