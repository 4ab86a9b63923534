// Package llm defines the LLM provider interface and related types.
// Providers are interchangeable behind this interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// StopReason describes why the LLM stopped generating.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
)

// ErrLLM marks every failure that came from an LLM call, so callers can
// tell planning failures apart from their own errors.
var ErrLLM = errors.New("llm request failed")

// Error describes a failed LLM call.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrLLM, e.Provider, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrLLM, e.Err} }

// IsLLMError reports whether err came from an LLM call.
func IsLLMError(err error) bool {
	return errors.Is(err, ErrLLM)
}

// Message is a single turn in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a provider's Complete() call.
type CompletionRequest struct {
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Model        string // override provider default if set
}

// CompletionResponse is returned by Complete().
type CompletionResponse struct {
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is the core abstraction for language model backends.
type Provider interface {
	// Complete sends a completion request and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend, e.g. "anthropic".
	Name() string

	// ModelID returns the current model identifier string.
	ModelID() string
}

// Complete sends one user prompt and returns the raw text. Every failure,
// including an empty answer, is wrapped so IsLLMError reports true.
func Complete(ctx context.Context, p Provider, system, prompt string) (string, error) {
	if p == nil {
		return "", &Error{Provider: "none", Err: errors.New("no LLM provider configured")}
	}
	resp, err := p.Complete(ctx, CompletionRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		if IsLLMError(err) {
			return "", err
		}
		return "", &Error{Provider: p.Name(), Err: err}
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", &Error{Provider: p.Name(), Err: errors.New("empty response")}
	}
	return text, nil
}
