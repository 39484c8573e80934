package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, *Document) {
	t.Helper()
	m := NewManager(NewMemoryStore(), nil)
	doc, err := m.Create(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return m, doc
}

func TestApplyPatchIncrementsVersionByOne(t *testing.T) {
	m, doc := newTestManager(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		patch := &Patch{ModifiedBy: "user"}
		if err := patch.Set("title", "minutes"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		version, err := m.ApplyPatch(ctx, doc.ID, i, patch)
		if err != nil {
			t.Fatalf("ApplyPatch() error = %v", err)
		}
		if version != i+1 {
			t.Fatalf("expected version %d, got %d", i+1, version)
		}
	}
}

func TestApplyPatchStaleVersionConflicts(t *testing.T) {
	m, doc := newTestManager(t)
	ctx := context.Background()

	patch := &Patch{}
	if err := patch.Set("date", "2026-02-01"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := m.ApplyPatch(ctx, doc.ID, 0, patch); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}

	_, err := m.ApplyPatch(ctx, doc.ID, 0, patch)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Expected != 0 || ce.Current != 1 {
		t.Fatalf("unexpected conflict details: %+v", ce)
	}

	snap, err := m.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected version unchanged at 1, got %d", snap.Version)
	}
}

func TestApplyPatchAllOrNothing(t *testing.T) {
	m, doc := newTestManager(t)
	ctx := context.Background()

	patch := &Patch{}
	if err := patch.Set("title", "board meeting"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Append to a non-array field must reject the whole patch.
	if err := patch.Append("title", []string{"x"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	setup := &Patch{}
	if err := setup.Set("title", "prior"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := m.ApplyPatch(ctx, doc.ID, 0, setup); err != nil {
		t.Fatalf("ApplyPatch(setup) error = %v", err)
	}

	if _, err := m.ApplyPatch(ctx, doc.ID, 1, patch); err == nil {
		t.Fatalf("expected patch rejection")
	}

	snap, err := m.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected version 1 after rejected patch, got %d", snap.Version)
	}
	var title string
	if _, err := snap.Field("title", &title); err != nil {
		t.Fatalf("Field() error = %v", err)
	}
	if title != "prior" {
		t.Fatalf("expected field untouched, got %q", title)
	}
}

func TestApplyPatchAppendExtendsArray(t *testing.T) {
	m, doc := newTestManager(t)
	ctx := context.Background()

	first := &Patch{}
	if err := first.Append("attendees", []string{"Tanaka", "Sato"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := m.ApplyPatch(ctx, doc.ID, 0, first); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}

	second := &Patch{}
	if err := second.Append("attendees", []string{"Suzuki"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := m.ApplyPatch(ctx, doc.ID, 1, second); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}

	snap, err := m.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	var attendees []string
	if _, err := snap.Field("attendees", &attendees); err != nil {
		t.Fatalf("Field() error = %v", err)
	}
	if len(attendees) != 3 || attendees[2] != "Suzuki" {
		t.Fatalf("unexpected attendees: %v", attendees)
	}
}

func TestConcurrentPatchesAreLinearized(t *testing.T) {
	m, doc := newTestManager(t)
	ctx := context.Background()

	const writers = 30
	var wg sync.WaitGroup
	successes := make([]int64, 0, writers)
	var mu sync.Mutex

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				snap, err := m.Snapshot(ctx, doc.ID)
				if err != nil {
					t.Errorf("Snapshot() error = %v", err)
					return
				}
				patch := &Patch{}
				if err := patch.Append("agenda", []string{"item"}); err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
				version, err := m.ApplyPatch(ctx, doc.ID, snap.Version, patch)
				if IsConflict(err) {
					continue
				}
				if err != nil {
					t.Errorf("ApplyPatch() error = %v", err)
					return
				}
				mu.Lock()
				successes = append(successes, version)
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()

	if len(successes) != writers {
		t.Fatalf("expected %d successful patches, got %d", writers, len(successes))
	}
	seen := map[int64]bool{}
	for _, v := range successes {
		if seen[v] {
			t.Fatalf("version %d assigned twice", v)
		}
		seen[v] = true
	}
	snap, err := m.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Version != int64(writers) {
		t.Fatalf("expected final version %d, got %d", writers, snap.Version)
	}
}

func TestStashAndRestore(t *testing.T) {
	m, doc := newTestManager(t)
	ctx := context.Background()

	patch := &Patch{}
	if err := patch.Set("content", "draft minutes body"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := m.ApplyPatch(ctx, doc.ID, 0, patch); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}

	draft, version, err := m.Stash(ctx, doc.ID, 1, "draft-1", "minutes draft", "assistant")
	if err != nil {
		t.Fatalf("Stash() error = %v", err)
	}
	if draft == nil || draft.ID != "draft-1" {
		t.Fatalf("expected stashed draft, got %+v", draft)
	}
	if version != 2 {
		t.Fatalf("expected version 2 after stash, got %d", version)
	}

	snap, err := m.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Fields) != 0 {
		t.Fatalf("expected cleared canvas, got %d fields", len(snap.Fields))
	}

	restored, err := m.Restore(ctx, doc.ID, 2, "draft-1", "assistant")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored != 3 {
		t.Fatalf("expected version 3 after restore, got %d", restored)
	}

	snap, err = m.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	var content string
	if _, err := snap.Field("content", &content); err != nil {
		t.Fatalf("Field() error = %v", err)
	}
	if content != "draft minutes body" {
		t.Fatalf("expected restored content, got %q", content)
	}
}

func TestSnapshotIsIsolatedFromLaterPatches(t *testing.T) {
	m, doc := newTestManager(t)
	ctx := context.Background()

	patch := &Patch{}
	if err := patch.Set("title", "first"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := m.ApplyPatch(ctx, doc.ID, 0, patch); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}

	snap, err := m.Snapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	update := &Patch{}
	if err := update.Set("title", "second"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := m.ApplyPatch(ctx, doc.ID, 1, update); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}

	if string(snap.Fields["title"]) != string(json.RawMessage(`"first"`)) {
		t.Fatalf("snapshot mutated by later patch: %s", snap.Fields["title"])
	}
}
