package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/draftwise/draftwise/internal/canvas"
	"github.com/draftwise/draftwise/pkg/models"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *canvas.Manager, string) {
	t.Helper()
	cm := canvas.NewManager(canvas.NewMemoryStore(), nil)
	doc, err := cm.Create(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return NewDispatcher(Builtin(), cm, nil), cm, doc.ID
}

func call(id, name, args string) *models.ToolCall {
	return &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}

func decodeFeedback(t *testing.T, result *models.ToolResult) feedback {
	t.Helper()
	var fb feedback
	if err := json.Unmarshal([]byte(result.Content), &fb); err != nil {
		t.Fatalf("decode feedback: %v (content = %s)", err, result.Content)
	}
	return fb
}

func decodeOutcome(t *testing.T, result *models.ToolResult) outcome {
	t.Helper()
	var out outcome
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("decode outcome: %v (content = %s)", err, result.Content)
	}
	return out
}

func TestExecuteUnknownTool(t *testing.T) {
	d, _, docID := newTestDispatcher(t)

	result, err := d.Execute(context.Background(), docID, call("tc-1", "drop_tables", `{}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result")
	}
	fb := decodeFeedback(t, result)
	if fb.Error != CodeUnsupportedTool {
		t.Fatalf("expected %s, got %s", CodeUnsupportedTool, fb.Error)
	}
}

func TestExecuteMalformedArgsLeavesVersionUnchanged(t *testing.T) {
	d, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	cases := []struct {
		name string
		args string
	}{
		{"missing required field", `{"value": "x"}`},
		{"wrong type", `{"field": 7, "value": "x"}`},
		{"unexpected property", `{"field": "title", "value": "x", "mode": "force"}`},
		{"not json", `{"field":`},
	}
	for _, tc := range cases {
		result, err := d.Execute(ctx, docID, call("tc-"+tc.name, "update_field", tc.args), "")
		if err != nil {
			t.Fatalf("%s: Execute() error = %v", tc.name, err)
		}
		if !result.IsError {
			t.Fatalf("%s: expected error result", tc.name)
		}
		fb := decodeFeedback(t, result)
		if fb.Error != CodeInvalidArguments {
			t.Fatalf("%s: expected %s, got %s", tc.name, CodeInvalidArguments, fb.Error)
		}
		if fb.Detail == "" {
			t.Fatalf("%s: expected a feedback description", tc.name)
		}
	}

	snap, err := cm.Snapshot(ctx, docID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Version != 0 {
		t.Fatalf("expected version unchanged at 0, got %d", snap.Version)
	}
}

func TestExecuteUpdateField(t *testing.T) {
	d, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	result, err := d.Execute(ctx, docID, call("tc-1", "update_field", `{"field": "title", "value": "Q3 planning"}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	out := decodeOutcome(t, result)
	if out.Version != 1 {
		t.Fatalf("expected version 1, got %d", out.Version)
	}

	snap, err := cm.Snapshot(ctx, docID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	var title string
	if _, err := snap.Field("title", &title); err != nil {
		t.Fatalf("Field() error = %v", err)
	}
	if title != "Q3 planning" {
		t.Fatalf("expected title set, got %q", title)
	}
}

func TestExecuteIdempotentReplay(t *testing.T) {
	d, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	tc := call("tc-1", "append_items", `{"field": "agenda", "items": ["budget"]}`)
	first, err := d.Execute(ctx, docID, tc, "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, err := d.Execute(ctx, docID, tc, "")
	if err != nil {
		t.Fatalf("Execute() replay error = %v", err)
	}

	if first.Content != second.Content || first.IsError != second.IsError {
		t.Fatalf("replay result differs: %+v vs %+v", first, second)
	}

	snap, err := cm.Snapshot(ctx, docID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected exactly one mutation, version = %d", snap.Version)
	}
	var agenda []string
	if _, err := snap.Field("agenda", &agenda); err != nil {
		t.Fatalf("Field() error = %v", err)
	}
	if len(agenda) != 1 {
		t.Fatalf("expected one agenda item, got %v", agenda)
	}
}

func TestExecuteConcurrentReplaySingleMutation(t *testing.T) {
	d, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	const callers = 16
	results := make([]*models.ToolResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tc := call("tc-1", "append_items", `{"field": "agenda", "items": ["kickoff"]}`)
			results[i], errs[i] = d.Execute(ctx, docID, tc, "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Execute() %d error = %v", i, errs[i])
		}
		if results[i].Content != results[0].Content || results[i].IsError != results[0].IsError {
			t.Fatalf("result %d differs: %+v vs %+v", i, results[i], results[0])
		}
	}

	snap, err := cm.Snapshot(ctx, docID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected exactly one mutation, version = %d", snap.Version)
	}
	var agenda []string
	if _, err := snap.Field("agenda", &agenda); err != nil {
		t.Fatalf("Field() error = %v", err)
	}
	if len(agenda) != 1 {
		t.Fatalf("expected one agenda item, got %v", agenda)
	}
}

func TestExecuteRetriesConflictThenSucceeds(t *testing.T) {
	_, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	registry := NewRegistry()
	contended := 0
	registry.MustRegister(Tool{
		Name:        "flaky_edit",
		Description: "test tool",
		Schema:      `{"type": "object", "additionalProperties": false}`,
		Build: func(snap *canvas.Snapshot, _ json.RawMessage) (*Mutation, error) {
			if contended < 2 {
				contended++
				// Competing writer sneaks a patch in before ours lands.
				rival := &canvas.Patch{}
				if err := rival.Set("rival", contended); err != nil {
					return nil, err
				}
				if _, err := cm.ApplyPatch(ctx, docID, snap.Version, rival); err != nil {
					return nil, err
				}
			}
			patch := &canvas.Patch{}
			if err := patch.Set("winner", true); err != nil {
				return nil, err
			}
			return &Mutation{Patch: patch, Summary: "won"}, nil
		},
	})
	d := NewDispatcher(registry, cm, nil)

	result, err := d.Execute(ctx, docID, call("tc-1", "flaky_edit", `{}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success after retries, got %s", result.Content)
	}
	out := decodeOutcome(t, result)
	if out.Version != 3 {
		t.Fatalf("expected version 3 (two rival patches then ours), got %d", out.Version)
	}
}

func TestExecuteConflictRetryExhaustion(t *testing.T) {
	_, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	registry := NewRegistry()
	registry.MustRegister(Tool{
		Name:        "always_contended",
		Description: "test tool",
		Schema:      `{"type": "object", "additionalProperties": false}`,
		Build: func(snap *canvas.Snapshot, _ json.RawMessage) (*Mutation, error) {
			rival := &canvas.Patch{}
			if err := rival.Set("rival", snap.Version); err != nil {
				return nil, err
			}
			if _, err := cm.ApplyPatch(ctx, docID, snap.Version, rival); err != nil {
				return nil, err
			}
			patch := &canvas.Patch{}
			if err := patch.Set("winner", true); err != nil {
				return nil, err
			}
			return &Mutation{Patch: patch}, nil
		},
	})
	d := NewDispatcher(registry, cm, nil)

	result, err := d.Execute(ctx, docID, call("tc-1", "always_contended", `{}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result after exhausting retries")
	}
	fb := decodeFeedback(t, result)
	if fb.Error != CodeConcurrentModification {
		t.Fatalf("expected %s, got %s", CodeConcurrentModification, fb.Error)
	}
}

func TestExecuteAddAttendeeRejectsDuplicate(t *testing.T) {
	d, _, docID := newTestDispatcher(t)
	ctx := context.Background()

	first, err := d.Execute(ctx, docID, call("tc-1", "add_attendee", `{"name": "Tanaka", "role": "chair"}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if first.IsError {
		t.Fatalf("unexpected error result: %s", first.Content)
	}

	second, err := d.Execute(ctx, docID, call("tc-2", "add_attendee", `{"name": "tanaka"}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !second.IsError {
		t.Fatalf("expected duplicate attendee rejection")
	}
	fb := decodeFeedback(t, second)
	if fb.Error != CodeInvalidArguments || !strings.Contains(fb.Detail, "already listed") {
		t.Fatalf("unexpected feedback: %+v", fb)
	}
}

func TestExecuteStashAndRestoreRoundtrip(t *testing.T) {
	d, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, docID, call("tc-1", "update_field", `{"field": "content", "value": "notes so far"}`), ""); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	stash, err := d.Execute(ctx, docID, call("tc-2", "stash_draft", `{"title": "first pass"}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if stash.IsError {
		t.Fatalf("unexpected error result: %s", stash.Content)
	}
	out := decodeOutcome(t, stash)
	if out.DraftID == "" {
		t.Fatalf("expected a draft id in the stash outcome")
	}

	snap, err := cm.Snapshot(ctx, docID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Fields) != 0 {
		t.Fatalf("expected cleared canvas after stash")
	}

	restore, err := d.Execute(ctx, docID, call("tc-3", "restore_draft", `{"draft_id": "`+out.DraftID+`"}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if restore.IsError {
		t.Fatalf("unexpected error result: %s", restore.Content)
	}

	snap, err = cm.Snapshot(ctx, docID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	var content string
	if _, err := snap.Field("content", &content); err != nil {
		t.Fatalf("Field() error = %v", err)
	}
	if content != "notes so far" {
		t.Fatalf("expected restored content, got %q", content)
	}
}

func TestExecuteRestoreUnknownDraft(t *testing.T) {
	d, _, docID := newTestDispatcher(t)

	result, err := d.Execute(context.Background(), docID, call("tc-1", "restore_draft", `{"draft_id": "nope"}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result")
	}
	fb := decodeFeedback(t, result)
	if fb.Error != CodeInvalidArguments {
		t.Fatalf("expected %s, got %s", CodeInvalidArguments, fb.Error)
	}
}

func TestExecuteFinalizeEmptyDocument(t *testing.T) {
	d, cm, docID := newTestDispatcher(t)
	ctx := context.Background()

	result, err := d.Execute(ctx, docID, call("tc-1", "finalize_draft", `{}`), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected empty-document rejection")
	}

	snap, err := cm.Snapshot(ctx, docID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Version != 0 {
		t.Fatalf("expected version unchanged at 0, got %d", snap.Version)
	}
}
