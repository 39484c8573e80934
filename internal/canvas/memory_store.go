package canvas

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides an in-memory canvas store for testing and local
// usage.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	drafts map[string]map[string]*Draft // documentID -> draftID -> draft
}

// NewMemoryStore creates a new in-memory canvas store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   map[string]*Document{},
		drafts: map[string]map[string]*Draft{},
	}
}

func (s *MemoryStore) Create(_ context.Context, doc *Document) error {
	if doc == nil {
		return ErrNotFound
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Fields == nil {
		doc.Fields = map[string]json.RawMessage{}
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return ErrAlreadyExists
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, doc *Document, prevVersion int64) error {
	if doc == nil || doc.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.docs[doc.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != prevVersion {
		return ErrVersionMismatch
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	delete(s.drafts, id)
	return nil
}

func (s *MemoryStore) PutDraft(_ context.Context, draft *Draft) error {
	if draft == nil || draft.DocumentID == "" {
		return ErrNotFound
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byDoc, ok := s.drafts[draft.DocumentID]
	if !ok {
		byDoc = map[string]*Draft{}
		s.drafts[draft.DocumentID] = byDoc
	}
	byDoc[draft.ID] = cloneDraft(draft)
	return nil
}

func (s *MemoryStore) GetDraft(_ context.Context, documentID, draftID string) (*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	draft, ok := s.drafts[documentID][draftID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDraft(draft), nil
}

func (s *MemoryStore) DeleteDraft(_ context.Context, documentID, draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[documentID][draftID]; !ok {
		return ErrNotFound
	}
	delete(s.drafts[documentID], draftID)
	return nil
}

func cloneDraft(draft *Draft) *Draft {
	if draft == nil {
		return nil
	}
	clone := *draft
	clone.Fields = make(map[string]json.RawMessage, len(draft.Fields))
	for k, v := range draft.Fields {
		clone.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return &clone
}
