// Package canvas holds the versioned document under co-authoring and
// applies field-level patches with compare-and-set concurrency control.
package canvas

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op is a field-level patch verb.
type Op string

const (
	OpSet    Op = "set"
	OpAppend Op = "append"
	OpRemove Op = "remove"
	OpClear  Op = "clear"
)

// Document is the shared canvas state. Version increases by exactly 1
// per successful patch and is the sole concurrency-control token.
type Document struct {
	ID             string                     `json:"id"`
	TenantID       string                     `json:"tenant_id"`
	Version        int64                      `json:"version"`
	Fields         map[string]json.RawMessage `json:"fields"`
	LastModifiedBy string                     `json:"last_modified_by,omitempty"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Fields = make(map[string]json.RawMessage, len(d.Fields))
	for k, v := range d.Fields {
		clone.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return &clone
}

// Snapshot is a read-only point-in-time view of a document.
type Snapshot struct {
	DocumentID string
	Version    int64
	Fields     map[string]json.RawMessage
	UpdatedAt  time.Time
}

// Field unmarshals a field into v, reporting whether it was present.
func (s *Snapshot) Field(name string, v any) (bool, error) {
	raw, ok := s.Fields[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("canvas: decode field %s: %w", name, err)
	}
	return true, nil
}

// Change is a single field assignment within a patch.
type Change struct {
	Op    Op              `json:"op"`
	Field string          `json:"field"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an all-or-nothing set of field changes.
type Patch struct {
	Changes    []Change `json:"changes"`
	ModifiedBy string   `json:"modified_by,omitempty"`
}

// Set appends a set change, encoding value as JSON.
func (p *Patch) Set(field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("canvas: encode %s: %w", field, err)
	}
	p.Changes = append(p.Changes, Change{Op: OpSet, Field: field, Value: raw})
	return nil
}

// Append appends an append change for an array field.
func (p *Patch) Append(field string, items any) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("canvas: encode %s: %w", field, err)
	}
	p.Changes = append(p.Changes, Change{Op: OpAppend, Field: field, Value: raw})
	return nil
}

// Remove appends a remove change.
func (p *Patch) Remove(field string) {
	p.Changes = append(p.Changes, Change{Op: OpRemove, Field: field})
}

// Clear appends a clear-all change.
func (p *Patch) Clear() {
	p.Changes = append(p.Changes, Change{Op: OpClear})
}

// apply mutates fields in place according to the patch. Callers must
// pass a private copy: a returned error means the patch is rejected as
// a whole and nothing may be kept.
func apply(fields map[string]json.RawMessage, patch *Patch) error {
	for _, change := range patch.Changes {
		switch change.Op {
		case OpSet:
			if change.Field == "" {
				return fmt.Errorf("canvas: set requires a field name")
			}
			if len(change.Value) == 0 {
				return fmt.Errorf("canvas: set %s requires a value", change.Field)
			}
			fields[change.Field] = append(json.RawMessage(nil), change.Value...)

		case OpAppend:
			if change.Field == "" {
				return fmt.Errorf("canvas: append requires a field name")
			}
			var items []json.RawMessage
			if err := json.Unmarshal(change.Value, &items); err != nil {
				return fmt.Errorf("canvas: append %s expects an array: %w", change.Field, err)
			}
			var existing []json.RawMessage
			if raw, ok := fields[change.Field]; ok {
				if err := json.Unmarshal(raw, &existing); err != nil {
					return fmt.Errorf("canvas: append %s: field is not an array: %w", change.Field, err)
				}
			}
			merged, err := json.Marshal(append(existing, items...))
			if err != nil {
				return fmt.Errorf("canvas: append %s: %w", change.Field, err)
			}
			fields[change.Field] = merged

		case OpRemove:
			if change.Field == "" {
				return fmt.Errorf("canvas: remove requires a field name")
			}
			delete(fields, change.Field)

		case OpClear:
			for k := range fields {
				delete(fields, k)
			}

		default:
			return fmt.Errorf("canvas: unknown op %q", change.Op)
		}
	}
	return nil
}
