package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/draftwise/draftwise/pkg/models"
)

// MemoryStore is an in-memory Store. Values are cloned on read and
// write so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		byKey:    make(map[string]string),
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) Create(_ context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("storage: session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("storage: session %s already exists", session.ID)
	}
	if session.Key != "" {
		if _, exists := s.byKey[session.Key]; exists {
			return fmt.Errorf("storage: session key %s already exists", session.Key)
		}
		s.byKey[session.Key] = session.ID
	}

	clone := *session
	s.sessions[session.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (s *MemoryStore) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	clone := *session
	clone.UpdatedAt = time.Now()
	s.sessions[session.ID] = &clone
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.byKey, session.Key)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.sessions[id]
	return &clone, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, opts ListOptions) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Session
	for _, session := range s.sessions {
		if session.TenantID != tenantID {
			continue
		}
		clone := *session
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("storage: message ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	clone := cloneMessage(msg)
	clone.SessionID = sessionID
	s.messages[sessionID] = append(s.messages[sessionID], clone)
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		result[i] = cloneMessage(msg)
	}
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	}
	return &clone
}
