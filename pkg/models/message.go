package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageStatus tracks whether a message is still being streamed.
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
)

// ToolCallStatus tracks the lifecycle of a tool call. Transitions are
// strictly forward: pending -> executing -> succeeded|failed.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

// CanAdvanceTo reports whether a transition from s to next is legal.
func (s ToolCallStatus) CanAdvanceTo(next ToolCallStatus) bool {
	switch s {
	case ToolCallPending:
		return next == ToolCallExecuting
	case ToolCallExecuting:
		return next == ToolCallSucceeded || next == ToolCallFailed
	default:
		return false
	}
}

// Terminal reports whether the status is a terminal state.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallSucceeded || s == ToolCallFailed
}

// Message is a single conversation entry owned by its session.
// Once Status is MessageComplete the message is immutable.
type Message struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	ToolResults []ToolResult  `json:"tool_results,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ToolCall is a structured request from the model to execute a tool.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Status ToolCallStatus  `json:"status,omitempty"`
}

// Advance moves the call to next when the transition is legal,
// reporting whether it was applied. Illegal moves leave the status
// untouched.
func (tc *ToolCall) Advance(next ToolCallStatus) bool {
	if !tc.Status.CanAdvanceTo(next) {
		return false
	}
	tc.Status = next
	return true
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Session represents a conversational editing thread bound to one
// tenant and one canvas document.
type Session struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	DocumentID string    `json:"document_id"`
	Key        string    `json:"key"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SessionKey builds the uniqueness key for a tenant/document pair.
func SessionKey(tenantID, documentID string) string {
	return tenantID + ":" + documentID
}
