// Package storage persists conversation sessions and their message
// history. A memory implementation backs tests and single-process
// deployments; Postgres backs production.
package storage

import (
	"context"
	"errors"

	"github.com/draftwise/draftwise/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("storage: not found")

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the interface for session persistence. Calls succeed or
// fail atomically per entity; callers treat failures as retryable.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	GetByKey(ctx context.Context, key string) (*models.Session, error)
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*models.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	Close() error
}
