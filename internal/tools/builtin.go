package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/draftwise/draftwise/internal/canvas"
)

// Builtin returns the closed registry of canvas editing tools. Adding a
// tool is a registry change here, not a dispatcher change.
func Builtin() *Registry {
	r := NewRegistry()
	r.MustRegister(updateFieldTool())
	r.MustRegister(appendItemsTool())
	r.MustRegister(removeFieldTool())
	r.MustRegister(addAttendeeTool())
	r.MustRegister(updateSectionTool())
	r.MustRegister(finalizeDraftTool())
	r.MustRegister(stashDraftTool())
	r.MustRegister(restoreDraftTool())
	return r
}

func updateFieldTool() Tool {
	return Tool{
		Name:        "update_field",
		Description: "Set a single canvas field to a new value, replacing any existing value.",
		Schema: `{
			"type": "object",
			"properties": {
				"field": {"type": "string", "minLength": 1},
				"value": {}
			},
			"required": ["field", "value"],
			"additionalProperties": false
		}`,
		Build: func(_ *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in struct {
				Field string          `json:"field"`
				Value json.RawMessage `json:"value"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			patch := &canvas.Patch{Changes: []canvas.Change{{
				Op:    canvas.OpSet,
				Field: in.Field,
				Value: in.Value,
			}}}
			return &Mutation{
				Patch:   patch,
				Summary: fmt.Sprintf("updated field %q", in.Field),
			}, nil
		},
	}
}

func appendItemsTool() Tool {
	return Tool{
		Name:        "append_items",
		Description: "Append items to an array canvas field, creating the field if absent.",
		Schema: `{
			"type": "object",
			"properties": {
				"field": {"type": "string", "minLength": 1},
				"items": {"type": "array", "minItems": 1}
			},
			"required": ["field", "items"],
			"additionalProperties": false
		}`,
		Build: func(_ *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in struct {
				Field string            `json:"field"`
				Items []json.RawMessage `json:"items"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			patch := &canvas.Patch{}
			if err := patch.Append(in.Field, in.Items); err != nil {
				return nil, err
			}
			return &Mutation{
				Patch:   patch,
				Summary: fmt.Sprintf("appended %d item(s) to %q", len(in.Items), in.Field),
			}, nil
		},
	}
}

func removeFieldTool() Tool {
	return Tool{
		Name:        "remove_field",
		Description: "Remove a canvas field entirely.",
		Schema: `{
			"type": "object",
			"properties": {
				"field": {"type": "string", "minLength": 1}
			},
			"required": ["field"],
			"additionalProperties": false
		}`,
		Build: func(snap *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in struct {
				Field string `json:"field"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if _, ok := snap.Fields[in.Field]; !ok {
				return nil, fmt.Errorf("field %q does not exist on the canvas", in.Field)
			}
			patch := &canvas.Patch{}
			patch.Remove(in.Field)
			return &Mutation{
				Patch:   patch,
				Summary: fmt.Sprintf("removed field %q", in.Field),
			}, nil
		},
	}
}

type attendee struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

func addAttendeeTool() Tool {
	return Tool{
		Name:        "add_attendee",
		Description: "Add one attendee to the attendees list.",
		Schema: `{
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"role": {"type": "string"}
			},
			"required": ["name"],
			"additionalProperties": false
		}`,
		Build: func(snap *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in attendee
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			var existing []attendee
			if _, err := snap.Field("attendees", &existing); err != nil {
				return nil, fmt.Errorf("attendees field is not an attendee list: %w", err)
			}
			for _, a := range existing {
				if strings.EqualFold(a.Name, in.Name) {
					return nil, fmt.Errorf("attendee %q is already listed", in.Name)
				}
			}
			patch := &canvas.Patch{}
			if err := patch.Append("attendees", []attendee{in}); err != nil {
				return nil, err
			}
			return &Mutation{
				Patch:   patch,
				Summary: fmt.Sprintf("added attendee %q", in.Name),
			}, nil
		},
	}
}

func updateSectionTool() Tool {
	return Tool{
		Name:        "update_section",
		Description: "Replace the content of one named section of the document body.",
		Schema: `{
			"type": "object",
			"properties": {
				"section": {"type": "string", "minLength": 1},
				"content": {"type": "string"}
			},
			"required": ["section", "content"],
			"additionalProperties": false
		}`,
		Build: func(snap *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in struct {
				Section string `json:"section"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			sections := map[string]string{}
			if _, err := snap.Field("sections", &sections); err != nil {
				return nil, fmt.Errorf("sections field is not a section map: %w", err)
			}
			sections[in.Section] = in.Content
			patch := &canvas.Patch{}
			if err := patch.Set("sections", sections); err != nil {
				return nil, err
			}
			return &Mutation{
				Patch:   patch,
				Summary: fmt.Sprintf("updated section %q", in.Section),
			}, nil
		},
	}
}

func finalizeDraftTool() Tool {
	return Tool{
		Name:        "finalize_draft",
		Description: "Mark the document final, optionally setting its title. No further edits are expected after finalization.",
		Schema: `{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1}
			},
			"additionalProperties": false
		}`,
		Build: func(snap *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in struct {
				Title string `json:"title"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
			}
			if len(snap.Fields) == 0 {
				return nil, fmt.Errorf("cannot finalize an empty document")
			}
			var status string
			if _, err := snap.Field("status", &status); err == nil && status == "final" {
				return nil, fmt.Errorf("document is already final")
			}
			patch := &canvas.Patch{}
			if err := patch.Set("status", "final"); err != nil {
				return nil, err
			}
			if in.Title != "" {
				if err := patch.Set("title", in.Title); err != nil {
					return nil, err
				}
			}
			return &Mutation{Patch: patch, Summary: "finalized document"}, nil
		},
	}
}

func stashDraftTool() Tool {
	return Tool{
		Name:        "stash_draft",
		Description: "Save the current canvas as a named draft and clear the canvas for a fresh start.",
		Schema: `{
			"type": "object",
			"properties": {
				"title": {"type": "string"}
			},
			"additionalProperties": false
		}`,
		Build: func(_ *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in struct {
				Title string `json:"title"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
			}
			return &Mutation{
				Stash:   &StashIntent{Title: in.Title},
				Summary: "stashed canvas as draft and cleared it",
			}, nil
		},
	}
}

func restoreDraftTool() Tool {
	return Tool{
		Name:        "restore_draft",
		Description: "Replace the canvas content with a previously stashed draft.",
		Schema: `{
			"type": "object",
			"properties": {
				"draft_id": {"type": "string", "minLength": 1}
			},
			"required": ["draft_id"],
			"additionalProperties": false
		}`,
		Build: func(_ *canvas.Snapshot, args json.RawMessage) (*Mutation, error) {
			var in struct {
				DraftID string `json:"draft_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return &Mutation{
				Restore: &RestoreIntent{DraftID: in.DraftID},
				Summary: "restored draft " + in.DraftID,
			}, nil
		},
	}
}
