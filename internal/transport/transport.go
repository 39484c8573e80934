// Package transport abstracts the streaming model providers behind a
// single Generate call. Providers deliver tokens and assembled tool
// calls over a channel; Done and Err are terminal.
package transport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/draftwise/draftwise/pkg/models"
)

// Chunk is one streaming event from a provider. Exactly one of Text,
// ToolCall, Done or Err is meaningful per chunk.
type Chunk struct {
	Text         string
	ToolCall     *models.ToolCall
	Done         bool
	InputTokens  int
	OutputTokens int
	Err          error
}

// Message is a provider-neutral conversation entry.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSchema describes one tool the model may call.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single generation request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Provider produces a token/tool-call stream for a request. The
// returned channel is closed after a terminal chunk; cancelling the
// context stops the stream.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// deliver sends a chunk unless the consumer's context has ended. It
// reports whether the chunk was delivered; producers stop on false so
// a cancelled turn never strands a provider goroutine on a send.
func deliver(ctx context.Context, chunks chan<- *Chunk, c *Chunk) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryable reports whether a provider error is transient: rate
// limits, 5xx responses, timeouts and connection failures.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}

	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}

	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}

	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}

	return false
}
