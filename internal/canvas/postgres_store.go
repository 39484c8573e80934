package canvas

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store over a Postgres database. The version
// check happens in the UPDATE predicate, so the compare-and-set holds
// even across processes sharing the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a canvas store over an existing connection.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("canvas: db is required")
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the canvas tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS canvas_documents (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			version          BIGINT NOT NULL DEFAULT 0,
			fields           JSONB NOT NULL DEFAULT '{}',
			last_modified_by TEXT NOT NULL DEFAULT '',
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS canvas_drafts (
			id          TEXT NOT NULL,
			document_id TEXT NOT NULL REFERENCES canvas_documents(id) ON DELETE CASCADE,
			tenant_id   TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			fields      JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (document_id, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("canvas: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, doc *Document) error {
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
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("canvas: encode fields: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_documents (id, tenant_id, version, fields, last_modified_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, doc.ID, doc.TenantID, doc.Version, fields, doc.LastModifiedBy, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("canvas: create document: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	var fields []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, version, fields, last_modified_by, updated_at
		FROM canvas_documents WHERE id = $1
	`, id).Scan(&doc.ID, &doc.TenantID, &doc.Version, &fields, &doc.LastModifiedBy, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canvas: get document: %w", err)
	}
	if err := json.Unmarshal(fields, &doc.Fields); err != nil {
		return nil, fmt.Errorf("canvas: decode fields: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Save(ctx context.Context, doc *Document, prevVersion int64) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("canvas: encode fields: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE canvas_documents
		SET version = $2, fields = $3, last_modified_by = $4, updated_at = $5
		WHERE id = $1 AND version = $6
	`, doc.ID, doc.Version, fields, doc.LastModifiedBy, doc.UpdatedAt, prevVersion)
	if err != nil {
		return fmt.Errorf("canvas: save document: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or a concurrent writer advanced the version.
		if _, getErr := s.Get(ctx, doc.ID); getErr != nil {
			return getErr
		}
		return ErrVersionMismatch
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM canvas_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("canvas: delete document: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PutDraft(ctx context.Context, draft *Draft) error {
	if draft == nil || draft.DocumentID == "" {
		return ErrNotFound
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}
	fields, err := json.Marshal(draft.Fields)
	if err != nil {
		return fmt.Errorf("canvas: encode draft fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canvas_drafts (id, document_id, tenant_id, title, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, id) DO UPDATE SET title = $4, fields = $5
	`, draft.ID, draft.DocumentID, draft.TenantID, draft.Title, fields, draft.CreatedAt)
	if err != nil {
		return fmt.Errorf("canvas: put draft: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDraft(ctx context.Context, documentID, draftID string) (*Draft, error) {
	draft := &Draft{}
	var fields []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, tenant_id, title, fields, created_at
		FROM canvas_drafts WHERE document_id = $1 AND id = $2
	`, documentID, draftID).Scan(&draft.ID, &draft.DocumentID, &draft.TenantID, &draft.Title, &fields, &draft.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canvas: get draft: %w", err)
	}
	if err := json.Unmarshal(fields, &draft.Fields); err != nil {
		return nil, fmt.Errorf("canvas: decode draft fields: %w", err)
	}
	return draft, nil
}

func (s *PostgresStore) DeleteDraft(ctx context.Context, documentID, draftID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM canvas_drafts WHERE document_id = $1 AND id = $2
	`, documentID, draftID)
	if err != nil {
		return fmt.Errorf("canvas: delete draft: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
