package session

import "github.com/draftwise/draftwise/pkg/models"

// EventType discriminates turn events.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventState      EventType = "state"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one streamed occurrence within a turn. The events channel
// is closed after a done or error event.
type Event struct {
	Type       EventType          `json:"type"`
	Text       string             `json:"text,omitempty"`
	ToolCall   *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
	State      State              `json:"state,omitempty"`
	Cancelled  bool               `json:"cancelled,omitempty"`
	Err        error              `json:"-"`
	Message    string             `json:"message,omitempty"`
}
