package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("canvas: not found")
	ErrAlreadyExists   = errors.New("canvas: already exists")
	ErrVersionMismatch = errors.New("canvas: version mismatch")
)

// Draft is a stashed copy of a document's fields, created when the
// canvas is cleared with content still on it.
type Draft struct {
	ID         string                     `json:"id"`
	DocumentID string                     `json:"document_id"`
	TenantID   string                     `json:"tenant_id"`
	Title      string                     `json:"title"`
	Fields     map[string]json.RawMessage `json:"fields"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// Store persists canvas documents and drafts. Save must apply only when
// the stored version equals prevVersion, returning ErrVersionMismatch
// otherwise; this is the durable half of the compare-and-set discipline.
type Store interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	Save(ctx context.Context, doc *Document, prevVersion int64) error
	Delete(ctx context.Context, id string) error

	PutDraft(ctx context.Context, draft *Draft) error
	GetDraft(ctx context.Context, documentID, draftID string) (*Draft, error)
	DeleteDraft(ctx context.Context, documentID, draftID string) error
}
