package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftwise/draftwise/internal/canvas"
	"github.com/draftwise/draftwise/internal/quota"
	"github.com/draftwise/draftwise/internal/retry"
	"github.com/draftwise/draftwise/internal/storage"
	"github.com/draftwise/draftwise/internal/tools"
	"github.com/draftwise/draftwise/internal/transport"
	"github.com/draftwise/draftwise/pkg/models"
)

// ErrSessionBusy rejects a second concurrent turn for the same
// tenant/document pair. Turns are never queued silently.
var ErrSessionBusy = errors.New("session: a turn is already in progress for this document")

// Config tunes turn processing.
type Config struct {
	Model         string
	SystemPrompt  string
	MaxTokens     int
	MaxToolRounds int
	HistoryLimit  int
}

func (c *Config) applyDefaults() {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 8
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
}

// Runtime orchestrates conversation turns: quota admission, the model
// stream, tool dispatch and persistence. One Runtime serves all
// sessions; each turn runs as its own goroutine.
type Runtime struct {
	store      storage.Store
	canvas     *canvas.Manager
	gate       *quota.Gate
	dispatcher *tools.Dispatcher
	provider   transport.Provider
	logger     *slog.Logger
	config     Config
	metrics    *turnMetrics

	mu     sync.Mutex
	active map[string]*turnHandle
}

type turnHandle struct {
	sessionID string
	cancel    context.CancelFunc

	mu    sync.Mutex
	state State
}

// setState validates and applies a transition, reporting whether it
// was applied.
func (h *turnHandle) setState(next State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CanTransitionTo(next) {
		return false
	}
	h.state = next
	return true
}

func (h *turnHandle) currentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// NewRuntime wires a runtime from its collaborators.
func NewRuntime(store storage.Store, cm *canvas.Manager, gate *quota.Gate, dispatcher *tools.Dispatcher, provider transport.Provider, config Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()
	return &Runtime{
		store:      store,
		canvas:     cm,
		gate:       gate,
		dispatcher: dispatcher,
		provider:   provider,
		logger:     logger.With("component", "session"),
		config:     config,
		metrics:    getTurnMetrics(),
		active:     make(map[string]*turnHandle),
	}
}

// Open returns the session for a tenant/document pair, creating it
// (and the document, when documentID is empty) on first use.
func (r *Runtime) Open(ctx context.Context, tenantID, documentID string) (*models.Session, error) {
	if documentID == "" {
		doc, err := r.canvas.Create(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		documentID = doc.ID
	} else if _, err := r.canvas.Snapshot(ctx, documentID); err != nil {
		return nil, err
	}

	key := models.SessionKey(tenantID, documentID)
	sess, err := r.store.GetByKey(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	sess = &models.Session{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		DocumentID: documentID,
		Key:        key,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.persist(ctx, "create session", func() error {
		return r.store.Create(ctx, sess)
	}); err != nil {
		return nil, err
	}

	r.logger.Info("session opened",
		"session_id", sess.ID,
		"tenant_id", tenantID,
		"document_id", documentID,
	)
	return sess, nil
}

// Turn starts a user turn. It rejects with ErrSessionBusy when a turn
// is already running for the same document, and with a quota error
// when the chat_turn reservation is denied; neither enters streaming.
// Otherwise it returns the turn's event channel, closed after the
// terminal event.
func (r *Runtime) Turn(ctx context.Context, sessionID, userText string) (<-chan *Event, error) {
	sess, err := r.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, busy := r.active[sess.Key]; busy {
		r.mu.Unlock()
		return nil, ErrSessionBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	handle := &turnHandle{sessionID: sess.ID, cancel: cancel, state: StateIdle}
	r.active[sess.Key] = handle
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.active, sess.Key)
		r.mu.Unlock()
		cancel()
	}

	// Admission happens before any billable work; the reservation is
	// not refunded on downstream failure.
	reservation, err := r.gate.Reserve(ctx, sess.TenantID, quota.MetricChatTurn, 1)
	if err != nil {
		release()
		return nil, err
	}
	r.logger.Debug("chat turn reserved",
		"session_id", sess.ID,
		"remaining", reservation.Remaining(),
	)

	history, err := r.loadHistory(ctx, sess.ID)
	if err != nil {
		release()
		return nil, err
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   userText,
		Status:    models.MessageComplete,
		CreatedAt: time.Now(),
	}
	if err := r.persist(ctx, "append user message", func() error {
		return r.store.AppendMessage(ctx, sess.ID, userMsg)
	}); err != nil {
		release()
		return nil, err
	}

	events := make(chan *Event, 16)
	runner := &turnRunner{
		r:       r,
		ctx:     turnCtx,
		sess:    sess,
		handle:  handle,
		events:  events,
		history: append(history, userMsg),
	}
	go func() {
		defer close(events)
		defer release()
		runner.run()
	}()
	return events, nil
}

// Cancel requests cooperative cancellation of the session's active
// turn. It reports whether a turn was active.
func (r *Runtime) Cancel(ctx context.Context, sessionID string) (bool, error) {
	sess, err := r.loadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	handle, ok := r.active[sess.Key]
	r.mu.Unlock()
	if !ok || handle.sessionID != sessionID {
		return false, nil
	}
	handle.cancel()
	return true, nil
}

// TurnState reports the active turn state for a tenant/document pair.
func (r *Runtime) TurnState(tenantID, documentID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.active[models.SessionKey(tenantID, documentID)]
	if !ok {
		return StateIdle, false
	}
	return handle.currentState(), true
}

// History returns the session's stored messages in order.
func (r *Runtime) History(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return r.loadHistory(ctx, sessionID)
}

func (r *Runtime) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return persistValue(r, ctx, "load session", func() (*models.Session, error) {
		sess, err := r.store.Get(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return sess, err
	})
}

func (r *Runtime) loadHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return persistValue(r, ctx, "load history", func() ([]*models.Message, error) {
		return r.store.GetHistory(ctx, sessionID, r.config.HistoryLimit)
	})
}

// persist runs a storage operation under the retry-once policy. On
// repeated failure the error is surfaced and logged for the operator;
// in-memory state is left intact.
func (r *Runtime) persist(ctx context.Context, op string, fn func() error) error {
	result := retry.Do(ctx, retry.Persistence(), fn)
	if result.Err != nil {
		r.logger.Error("persistence failed",
			"op", op,
			"attempts", result.Attempts,
			"error", result.Err,
		)
	}
	return result.Err
}

func persistValue[T any](r *Runtime, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	value, result := retry.DoWithValue(ctx, retry.Persistence(), fn)
	if result.Err != nil && !errors.Is(result.Err, storage.ErrNotFound) {
		r.logger.Error("persistence failed",
			"op", op,
			"attempts", result.Attempts,
			"error", result.Err,
		)
	}
	return value, result.Err
}

// turnRunner executes one turn's state machine. Suspension points are
// the chunk receive, the quota reservation and the canvas patch (via
// the dispatcher); cancellation is checked at each.
type turnRunner struct {
	r       *Runtime
	ctx     context.Context
	sess    *models.Session
	handle  *turnHandle
	events  chan *Event
	history []*models.Message
}

// emit delivers an event to the consumer. Once the turn context ends,
// delivery becomes best-effort: the event is dropped rather than
// blocking, so the busy slot is always released even when the consumer
// stopped reading.
func (t *turnRunner) emit(ev *Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		select {
		case t.events <- ev:
		default:
		}
	}
}

func (t *turnRunner) setState(next State) {
	if t.handle.setState(next) {
		t.emit(&Event{Type: EventState, State: next})
	}
}

func (t *turnRunner) fail(err error, msg string) {
	t.r.logger.Error(msg,
		"session_id", t.sess.ID,
		"error", err,
	)
	t.setState(StateError)
	t.emit(&Event{Type: EventError, Err: err, Message: msg})
	t.r.metrics.RecordTurn("error")
}

func (t *turnRunner) run() {
	t.setState(StateStreaming)

	msgs := toTransportMessages(t.history)
	toolSchemas := toToolSchemas(t.r.dispatcher.Specs())

	for round := 0; round < t.r.config.MaxToolRounds; round++ {
		req := &transport.Request{
			Model:     t.r.config.Model,
			System:    t.r.config.SystemPrompt,
			Messages:  msgs,
			Tools:     toolSchemas,
			MaxTokens: t.r.config.MaxTokens,
		}

		chunks, result := retry.DoWithValue(t.ctx, retry.Transport(), func() (<-chan *transport.Chunk, error) {
			return t.r.provider.Generate(t.ctx, req)
		})
		if result.Err != nil {
			if t.ctx.Err() != nil {
				t.finishCancelled(nil)
				return
			}
			t.fail(result.Err, "model transport failed")
			return
		}

		assistant := &models.Message{
			ID:        uuid.NewString(),
			SessionID: t.sess.ID,
			Role:      models.RoleAssistant,
			Status:    models.MessageStreaming,
			CreatedAt: time.Now(),
		}
		var pending []models.ToolCall
		var streamErr error
		cancelled := false

	stream:
		for {
			select {
			case <-t.ctx.Done():
				cancelled = true
				break stream
			case chunk, ok := <-chunks:
				if !ok {
					break stream
				}
				switch {
				case chunk.Err != nil:
					streamErr = chunk.Err
					break stream
				case chunk.Text != "":
					assistant.Content += chunk.Text
					t.emit(&Event{Type: EventTextDelta, Text: chunk.Text})
				case chunk.ToolCall != nil:
					tc := *chunk.ToolCall
					tc.Status = models.ToolCallPending
					pending = append(pending, tc)
					t.emit(&Event{Type: EventToolCall, ToolCall: &tc})
				case chunk.Done:
					break stream
				}
			}
		}

		if streamErr != nil {
			t.persistPartial(assistant)
			t.fail(streamErr, "model stream failed")
			return
		}
		if cancelled {
			// Truncate at the last fully-received token; no pending
			// tool calls survive a mid-stream cancellation.
			t.finishCancelled(assistant)
			return
		}

		assistant.Status = models.MessageComplete
		assistant.ToolCalls = pending
		if err := t.r.persist(t.ctx, "append assistant message", func() error {
			return t.r.store.AppendMessage(context.WithoutCancel(t.ctx), t.sess.ID, assistant)
		}); err != nil {
			t.fail(err, "assistant message persistence failed")
			return
		}

		if len(pending) == 0 {
			t.setState(StateComplete)
			t.emit(&Event{Type: EventDone})
			t.r.metrics.RecordTurn("complete")
			return
		}

		t.setState(StateToolExecuting)
		results, ok := t.executeToolCalls(pending)
		if !ok {
			return
		}

		toolMsg := &models.Message{
			ID:          uuid.NewString(),
			SessionID:   t.sess.ID,
			Role:        models.RoleTool,
			ToolResults: results,
			Status:      models.MessageComplete,
			CreatedAt:   time.Now(),
		}
		if err := t.r.persist(t.ctx, "append tool results", func() error {
			return t.r.store.AppendMessage(context.WithoutCancel(t.ctx), t.sess.ID, toolMsg)
		}); err != nil {
			t.fail(err, "tool result persistence failed")
			return
		}

		// A cancellation arriving during tool execution lets the
		// in-flight call finish, then ends the turn.
		if t.ctx.Err() != nil {
			t.finishCancelled(nil)
			return
		}

		msgs = append(msgs,
			transport.Message{Role: "assistant", Content: assistant.Content, ToolCalls: assistant.ToolCalls},
			transport.Message{Role: "tool", ToolResults: results},
		)
		t.setState(StateStreaming)
	}

	t.fail(fmt.Errorf("session: tool round limit (%d) reached", t.r.config.MaxToolRounds), "tool round limit reached")
}

// executeToolCalls gates each call on a tool_call reservation and
// routes it through the dispatcher. The bool result is false when the
// turn has already been moved to ERROR.
func (t *turnRunner) executeToolCalls(pending []models.ToolCall) ([]models.ToolResult, bool) {
	results := make([]models.ToolResult, 0, len(pending))

	for i := range pending {
		tc := &pending[i]
		tc.Advance(models.ToolCallExecuting)

		if _, err := t.r.gate.Reserve(t.ctx, t.sess.TenantID, quota.MetricToolCall, 1); err != nil {
			if quota.IsQuotaExceeded(err) {
				tc.Advance(models.ToolCallFailed)
				result := quotaDeniedResult(tc.ID, err)
				results = append(results, *result)
				t.emit(&Event{Type: EventToolResult, ToolResult: result})
				continue
			}
			if t.ctx.Err() != nil {
				t.finishCancelled(nil)
				return nil, false
			}
			t.fail(err, "tool call reservation failed")
			return nil, false
		}

		// The in-flight mutation always runs to a terminal state, even
		// under cancellation; partial canvas writes are forbidden.
		result, err := t.r.dispatcher.Execute(context.WithoutCancel(t.ctx), t.sess.DocumentID, tc, tc.ID)
		if err != nil {
			t.fail(err, "tool execution failed")
			return nil, false
		}
		if result.IsError {
			tc.Advance(models.ToolCallFailed)
		} else {
			tc.Advance(models.ToolCallSucceeded)
		}
		results = append(results, *result)
		t.emit(&Event{Type: EventToolResult, ToolResult: result})
	}

	return results, true
}

// finishCancelled closes out a cancelled turn, persisting any partial
// assistant content truncated at the last received token.
func (t *turnRunner) finishCancelled(assistant *models.Message) {
	t.setState(StateCancelling)
	if assistant != nil && assistant.Content != "" {
		assistant.Status = models.MessageComplete
		t.persistPartial(assistant)
	}
	t.setState(StateComplete)
	t.emit(&Event{Type: EventDone, Cancelled: true})
	t.r.metrics.RecordTurn("cancelled")
}

func (t *turnRunner) persistPartial(assistant *models.Message) {
	if assistant.Content == "" {
		return
	}
	assistant.Status = models.MessageComplete
	ctx := context.WithoutCancel(t.ctx)
	if err := t.r.persist(ctx, "append partial assistant message", func() error {
		return t.r.store.AppendMessage(ctx, t.sess.ID, assistant)
	}); err != nil {
		t.r.logger.Error("partial assistant message lost from store, kept in memory",
			"session_id", t.sess.ID,
			"message_id", assistant.ID,
		)
	}
}

func quotaDeniedResult(toolCallID string, err error) *models.ToolResult {
	var qe *quota.QuotaError
	detail := err.Error()
	if errors.As(err, &qe) {
		detail = fmt.Sprintf("tool call quota exceeded: %d of %d used", qe.Used, qe.Limit)
	}
	content, _ := json.Marshal(map[string]string{
		"error":  "quota_exceeded",
		"detail": detail,
	})
	return &models.ToolResult{
		ToolCallID: toolCallID,
		Content:    string(content),
		IsError:    true,
	}
}

func toTransportMessages(history []*models.Message) []transport.Message {
	msgs := make([]transport.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, transport.Message{Role: "user", Content: m.Content})
		case models.RoleAssistant:
			msgs = append(msgs, transport.Message{Role: "assistant", Content: m.Content, ToolCalls: m.ToolCalls})
		case models.RoleTool:
			msgs = append(msgs, transport.Message{Role: "tool", ToolResults: m.ToolResults})
		}
	}
	return msgs
}

func toToolSchemas(specs []tools.Spec) []transport.ToolSchema {
	schemas := make([]transport.ToolSchema, len(specs))
	for i, spec := range specs {
		schemas[i] = transport.ToolSchema{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		}
	}
	return schemas
}
