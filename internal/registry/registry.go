package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry maps tool names to implementations. It knows nothing about
// policy: a tool can be registered without a policy entry and vice versa.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Entry
	logger *zap.Logger
}

// RegisterOption customises a registration.
type RegisterOption func(*Entry)

// WithCategory labels the registration.
func WithCategory(c Category) RegisterOption {
	return func(e *Entry) {
		e.Category = c
	}
}

// NewRegistry creates an empty registry. A nil logger is replaced with a
// no-op logger.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Entry),
		logger: logger,
	}
}

// Register adds tool under tool.Name(). An existing registration with the
// same name is replaced (last registration wins) and a warning is logged;
// replaced reports whether that happened.
func (r *Registry) Register(tool Tool, opts ...RegisterOption) (replaced bool, err error) {
	if tool == nil {
		return false, ErrNilTool
	}
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return false, ErrToolNameEmpty
	}

	entry := Entry{
		Name:        name,
		Description: tool.Description(),
		Tool:        tool,
	}
	for _, opt := range opts {
		opt(&entry)
	}

	r.mu.Lock()
	prev, exists := r.tools[name]
	r.tools[name] = entry
	r.mu.Unlock()

	if exists {
		r.logger.Warn("tool registration replaced existing tool",
			zap.String("tool_name", name),
			zap.String("previous_category", string(prev.Category)),
			zap.String("category", string(entry.Category)),
		)
	}
	return exists, nil
}

// MustRegister registers tool and panics on error. Intended for start-up wiring.
func (r *Registry) MustRegister(tool Tool, opts ...RegisterOption) {
	if _, err := r.Register(tool, opts...); err != nil {
		panic(fmt.Sprintf("failed to register tool: %v", err))
	}
}

// Get returns the implementation registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.Tool, ok
}

// Lookup returns the implementation registered under name, or an error
// wrapping ErrToolNotRegistered.
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotRegistered, name)
	}
	return t, nil
}

// Entry returns the full registration for name.
func (r *Registry) Entry(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// All returns every registration sorted by name.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// ByCategory returns the registrations labelled c, sorted by name.
func (r *Registry) ByCategory(c Category) []Entry {
	var out []Entry
	for _, e := range r.All() {
		if e.Category == c {
			out = append(out, e)
		}
	}
	return out
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]Entry)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
