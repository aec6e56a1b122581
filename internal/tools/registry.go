package tools

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tools: duplicate tool name")

// ErrInvalidTool is returned for tools with a bad name or permission.
var ErrInvalidTool = errors.New("tools: invalid tool")

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]{0,63}$`)

// Registry is a name-keyed collection of tools. Registration is additive
// only. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(initial ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range initial {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if !namePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidTool, t.Name)
	}
	if !t.Permission.Valid() {
		return fmt.Errorf("%w: %s: permission %q", ErrInvalidTool, t.Name, t.Permission)
	}
	if t.call == nil || t.decode == nil {
		return fmt.Errorf("%w: %s: built without tools.Define", ErrInvalidTool, t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subset returns the named tools that exist, sorted by name. Unknown names
// are skipped.
func (r *Registry) Subset(names []string) []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok && !seen[n] {
			seen[n] = true
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe renders tools as the prompt section advertising them.
func Describe(ts []Tool) string {
	if len(ts) == 0 {
		return "(no tools available)"
	}
	var b strings.Builder
	for _, t := range ts {
		fmt.Fprintf(&b, "- %s [%s", t.Name, t.Permission)
		if t.SideEffects {
			b.WriteString(", side effects")
		}
		fmt.Fprintf(&b, "]: %s\n  args schema: %s\n", t.Description, t.InputSchema)
	}
	return strings.TrimRight(b.String(), "\n")
}
