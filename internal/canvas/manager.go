package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConflictError is returned when a patch carries a stale expected
// version. Callers must re-read and may re-derive a new patch; the
// document is never silently merged.
type ConflictError struct {
	DocumentID string
	Expected   int64
	Current    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("canvas: version conflict on %s: expected %d, current %d", e.DocumentID, e.Expected, e.Current)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// Manager linearizes patch application per document over a Store.
// Different documents never contend; the per-document lock is held only
// across the in-memory patch application and store write, never across
// a network round trip to the model.
type Manager struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics

	locksMu sync.Mutex
	locks   map[string]*docLock
}

// NewManager creates a canvas manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		metrics: NewMetrics(),
		locks:   map[string]*docLock{},
	}
}

func (m *Manager) lockDocument(id string) func() {
	m.locksMu.Lock()
	lock := m.locks[id]
	if lock == nil {
		lock = &docLock{}
		m.locks[id] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

// Create registers a new empty document for a tenant.
func (m *Manager) Create(ctx context.Context, tenantID string) (*Document, error) {
	doc := &Document{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Version:   0,
		Fields:    map[string]json.RawMessage{},
		UpdatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Snapshot returns a point-in-time read-only copy of the document.
// Readers never observe a document mid-patch.
func (m *Manager) Snapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	doc, err := m.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		DocumentID: doc.ID,
		Version:    doc.Version,
		Fields:     doc.Fields,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

// ApplyPatch applies an all-or-nothing patch against expectedVersion
// and returns the new version. A stale expectedVersion yields a
// ConflictError and leaves the document untouched.
func (m *Manager) ApplyPatch(ctx context.Context, documentID string, expectedVersion int64, patch *Patch) (int64, error) {
	if patch == nil || len(patch.Changes) == 0 {
		return 0, fmt.Errorf("canvas: empty patch for %s", documentID)
	}

	unlock := m.lockDocument(documentID)
	defer unlock()

	doc, err := m.store.Get(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if doc.Version != expectedVersion {
		m.metrics.RecordConflict()
		return 0, &ConflictError{DocumentID: documentID, Expected: expectedVersion, Current: doc.Version}
	}

	next := doc.Clone()
	if err := apply(next.Fields, patch); err != nil {
		return 0, err
	}
	next.Version = doc.Version + 1
	next.LastModifiedBy = patch.ModifiedBy
	next.UpdatedAt = time.Now()

	if err := m.store.Save(ctx, next, doc.Version); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			m.metrics.RecordConflict()
			return 0, &ConflictError{DocumentID: documentID, Expected: expectedVersion, Current: doc.Version}
		}
		return 0, err
	}

	m.metrics.RecordUpdate()
	m.logger.Debug("canvas patch applied",
		"document_id", documentID,
		"version", next.Version,
		"changes", len(patch.Changes),
		"modified_by", patch.ModifiedBy,
	)
	return next.Version, nil
}

// Stash saves the document's current fields as a draft and clears the
// canvas in one linearized step. The caller supplies the draft ID so a
// retried stash is idempotent. Stashing an empty canvas only clears.
func (m *Manager) Stash(ctx context.Context, documentID string, expectedVersion int64, draftID, title, modifiedBy string) (*Draft, int64, error) {
	unlock := m.lockDocument(documentID)
	defer unlock()

	doc, err := m.store.Get(ctx, documentID)
	if err != nil {
		return nil, 0, err
	}
	if doc.Version != expectedVersion {
		m.metrics.RecordConflict()
		return nil, 0, &ConflictError{DocumentID: documentID, Expected: expectedVersion, Current: doc.Version}
	}

	var draft *Draft
	if len(doc.Fields) > 0 {
		if strings.TrimSpace(draftID) == "" {
			draftID = uuid.NewString()
		}
		draft = &Draft{
			ID:         draftID,
			DocumentID: doc.ID,
			TenantID:   doc.TenantID,
			Title:      title,
			Fields:     doc.Clone().Fields,
			CreatedAt:  time.Now(),
		}
		if err := m.store.PutDraft(ctx, draft); err != nil {
			return nil, 0, fmt.Errorf("canvas: stash draft: %w", err)
		}
	}

	next := doc.Clone()
	for k := range next.Fields {
		delete(next.Fields, k)
	}
	next.Version = doc.Version + 1
	next.LastModifiedBy = modifiedBy
	next.UpdatedAt = time.Now()
	if err := m.store.Save(ctx, next, doc.Version); err != nil {
		return nil, 0, err
	}

	m.metrics.RecordUpdate()
	return draft, next.Version, nil
}

// Restore replaces the canvas fields with a stashed draft's content.
func (m *Manager) Restore(ctx context.Context, documentID string, expectedVersion int64, draftID, modifiedBy string) (int64, error) {
	draft, err := m.store.GetDraft(ctx, documentID, draftID)
	if err != nil {
		return 0, err
	}

	patch := &Patch{ModifiedBy: modifiedBy}
	patch.Clear()
	for field, value := range draft.Fields {
		patch.Changes = append(patch.Changes, Change{Op: OpSet, Field: field, Value: value})
	}
	return m.ApplyPatch(ctx, documentID, expectedVersion, patch)
}
