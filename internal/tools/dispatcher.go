package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/draftwise/draftwise/internal/canvas"
	"github.com/draftwise/draftwise/pkg/models"
)

// Error codes relayed to the model inside tool results. They are
// feedback for a bounded model retry, not user-facing failures.
const (
	CodeUnsupportedTool        = "unsupported_tool"
	CodeInvalidArguments       = "invalid_arguments"
	CodeConcurrentModification = "concurrent_modification"
	CodeExecutionFailed        = "execution_failed"
)

// maxConflictRetries bounds how many times a tool's intent is re-applied
// against a fresh snapshot after a version conflict.
const maxConflictRetries = 3

// feedback is the machine-readable payload inside an error tool result.
type feedback struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// outcome is the payload inside a successful tool result.
type outcome struct {
	OK      bool   `json:"ok"`
	Summary string `json:"summary,omitempty"`
	Version int64  `json:"version"`
	DraftID string `json:"draft_id,omitempty"`
}

// Dispatcher resolves tool calls against the registry and applies their
// effects to the canvas, with conflict retry and idempotent replay.
type Dispatcher struct {
	registry *Registry
	canvas   *canvas.Manager
	logger   *slog.Logger
	metrics  *dispatchMetrics

	mu      sync.Mutex
	results map[string]*execution
}

// execution is one idempotency-key slot. It doubles as an in-flight
// latch: a second Execute with the same key waits on done instead of
// dispatching a duplicate mutation.
type execution struct {
	done   chan struct{}
	result *models.ToolResult
	err    error
}

// NewDispatcher creates a dispatcher over the given registry and canvas.
func NewDispatcher(registry *Registry, cm *canvas.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		canvas:   cm,
		logger:   logger.With("component", "tools"),
		metrics:  getDispatchMetrics(),
		results:  make(map[string]*execution),
	}
}

// Specs exposes the registered tool descriptions for the transport layer.
func (d *Dispatcher) Specs() []Spec {
	return d.registry.Specs()
}

// Execute runs one tool call against the document. The idempotency key
// (the tool call ID when the caller has nothing better) makes replay
// safe: an already-seen key returns the cached prior result verbatim
// without touching the canvas.
func (d *Dispatcher) Execute(ctx context.Context, documentID string, call *models.ToolCall, idempotencyKey string) (*models.ToolResult, error) {
	if idempotencyKey == "" {
		idempotencyKey = call.ID
	}

	d.mu.Lock()
	if e, ok := d.results[idempotencyKey]; ok {
		d.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		d.metrics.RecordReplay(call.Name)
		return e.result, nil
	}
	e := &execution{done: make(chan struct{})}
	d.results[idempotencyKey] = e
	d.mu.Unlock()

	e.result, e.err = d.dispatch(ctx, documentID, call)
	close(e.done)
	if e.err != nil {
		// Internal failures are not replayed; a later retry with the
		// same key dispatches fresh.
		d.mu.Lock()
		delete(d.results, idempotencyKey)
		d.mu.Unlock()
		return nil, e.err
	}
	return e.result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, documentID string, call *models.ToolCall) (*models.ToolResult, error) {
	e, ok := d.registry.get(call.Name)
	if !ok {
		d.metrics.RecordExecution(call.Name, "unsupported")
		return errorResult(call.ID, CodeUnsupportedTool, "unknown tool: "+call.Name), nil
	}

	if err := e.Validate(call.Input); err != nil {
		d.metrics.RecordExecution(call.Name, "invalid")
		return errorResult(call.ID, CodeInvalidArguments, err.Error()), nil
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, err := d.canvas.Snapshot(ctx, documentID)
		if err != nil {
			return nil, err
		}

		mut, err := e.tool.Build(snap, call.Input)
		if err != nil {
			d.metrics.RecordExecution(call.Name, "invalid")
			return errorResult(call.ID, CodeInvalidArguments, err.Error()), nil
		}

		version, draftID, err := d.applyMutation(ctx, documentID, snap.Version, call, mut)
		if canvas.IsConflict(err) {
			d.metrics.RecordConflict(call.Name)
			d.logger.Debug("tool conflict, retrying against fresh snapshot",
				"tool", call.Name,
				"document_id", documentID,
				"attempt", attempt+1,
			)
			continue
		}
		if errors.Is(err, canvas.ErrNotFound) && mut.Restore != nil {
			d.metrics.RecordExecution(call.Name, "invalid")
			return errorResult(call.ID, CodeInvalidArguments, "no stashed draft with id "+mut.Restore.DraftID), nil
		}
		if err != nil {
			d.metrics.RecordExecution(call.Name, "failed")
			return errorResult(call.ID, CodeExecutionFailed, err.Error()), nil
		}

		d.metrics.RecordExecution(call.Name, "succeeded")
		return successResult(call.ID, mut.Summary, version, draftID), nil
	}

	d.metrics.RecordExecution(call.Name, "contended")
	return errorResult(call.ID, CodeConcurrentModification,
		"canvas changed concurrently; re-read the document before retrying"), nil
}

func (d *Dispatcher) applyMutation(ctx context.Context, documentID string, expectedVersion int64, call *models.ToolCall, mut *Mutation) (version int64, draftID string, err error) {
	switch {
	case mut.Patch != nil:
		mut.Patch.ModifiedBy = call.ID
		version, err = d.canvas.ApplyPatch(ctx, documentID, expectedVersion, mut.Patch)
		return version, "", err

	case mut.Stash != nil:
		// Derive the draft ID from the tool call so a replayed stash
		// overwrites its own draft instead of creating a second one.
		draft, version, err := d.canvas.Stash(ctx, documentID, expectedVersion, "draft-"+call.ID, mut.Stash.Title, call.ID)
		if err != nil {
			return 0, "", err
		}
		if draft != nil {
			draftID = draft.ID
		}
		return version, draftID, nil

	case mut.Restore != nil:
		version, err = d.canvas.Restore(ctx, documentID, expectedVersion, mut.Restore.DraftID, call.ID)
		return version, mut.Restore.DraftID, err

	default:
		// Read-only tool: nothing to apply, current version stands.
		return expectedVersion, "", nil
	}
}

func errorResult(callID, code, detail string) *models.ToolResult {
	content, _ := json.Marshal(feedback{Error: code, Detail: detail})
	return &models.ToolResult{
		ToolCallID: callID,
		Content:    string(content),
		IsError:    true,
	}
}

func successResult(callID, summary string, version int64, draftID string) *models.ToolResult {
	content, _ := json.Marshal(outcome{
		OK:      true,
		Summary: summary,
		Version: version,
		DraftID: draftID,
	})
	return &models.ToolResult{
		ToolCallID: callID,
		Content:    string(content),
	}
}
