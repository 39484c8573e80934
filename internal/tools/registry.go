// Package tools validates and executes structured tool calls emitted by
// the model against the canvas document.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/draftwise/draftwise/internal/canvas"
)

// StashIntent asks the dispatcher to stash the current canvas as a draft.
type StashIntent struct {
	Title string
}

// RestoreIntent asks the dispatcher to restore a previously stashed draft.
type RestoreIntent struct {
	DraftID string
}

// Mutation is the canvas effect computed by a tool from a snapshot.
// Exactly one of Patch, Stash or Restore is set.
type Mutation struct {
	Patch   *canvas.Patch
	Stash   *StashIntent
	Restore *RestoreIntent
	Summary string
}

// BuildFunc derives a mutation from the current snapshot and the
// validated tool arguments. Build must not mutate the snapshot: the
// dispatcher re-invokes it against a fresh snapshot on version conflict.
type BuildFunc func(snap *canvas.Snapshot, args json.RawMessage) (*Mutation, error)

// Tool is one entry in the closed registry.
type Tool struct {
	Name        string
	Description string
	Schema      string
	Build       BuildFunc
}

// Spec is the provider-facing description of a registered tool.
type Spec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type entry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry is a closed set of tools. Registration compiles each tool's
// argument schema up front so malformed schemas fail at startup rather
// than on first dispatch.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool. Duplicate names are rejected: the registry is a
// fixed list, not a namespace tools compete over.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tools: register: empty tool name")
	}
	if tool.Build == nil {
		return fmt.Errorf("tools: register %s: nil build func", tool.Name)
	}
	compiled, err := jsonschema.CompileString(tool.Name, tool.Schema)
	if err != nil {
		return fmt.Errorf("tools: register %s: compile schema: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tool.Name]; exists {
		return fmt.Errorf("tools: register %s: already registered", tool.Name)
	}
	r.entries[tool.Name] = entry{tool: tool, compiled: compiled}
	return nil
}

// MustRegister registers a tool and panics on failure. Intended for the
// builtin set wired at startup.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

func (r *Registry) get(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Validate checks args against the tool's compiled schema. The returned
// error message is safe to relay to the model as retry feedback.
func (e entry) Validate(args json.RawMessage) error {
	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := e.compiled.Validate(payload); err != nil {
		return err
	}
	return nil
}

// Specs returns provider-facing descriptions of all registered tools,
// sorted by name for a stable prompt layout.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		specs = append(specs, Spec{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: json.RawMessage(e.tool.Schema),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
