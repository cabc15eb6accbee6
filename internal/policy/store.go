package policy

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Store holds the live Catalog. Every change builds and validates a new
// snapshot and publishes it atomically, so concurrent readers always see one
// consistent version and an invalid change never becomes visible.
type Store struct {
	current atomic.Pointer[Catalog]

	mu          sync.Mutex // serializes writers
	knownTools  func() []string
	subscribers []func(*Catalog)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKnownTools makes validation reject requirements that name a tool
// outside the returned set. The function is consulted on every change, so a
// registry populated after the store was built is seen.
func WithKnownTools(fn func() []string) StoreOption {
	return func(s *Store) {
		s.knownTools = fn
	}
}

// NewStore creates a store holding an empty catalog at version 0.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(newCatalog(0, "empty", map[string]Entry{}))
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// OnChange registers fn to be called with every newly published snapshot.
func (s *Store) OnChange(fn func(*Catalog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Replace publishes a catalog built from entries, discarding the previous
// policy map entirely.
func (s *Store) Replace(entries []Entry, source string) (*Catalog, error) {
	m, err := buildEntries(entries)
	if err != nil {
		return nil, fmt.Errorf("Replace: %w", err)
	}
	return s.publish(source, func(map[string]Entry) map[string]Entry { return m })
}

// ReplaceIfChanged is Replace for periodic reloads: when entries match the
// live catalog nothing is published and the live catalog is returned with
// changed false.
func (s *Store) ReplaceIfChanged(entries []Entry, source string) (cat *Catalog, changed bool, err error) {
	m, err := buildEntries(entries)
	if err != nil {
		return nil, false, fmt.Errorf("ReplaceIfChanged: %w", err)
	}
	if cur := s.Current(); cur.sameEntries(m) {
		return cur, false, nil
	}
	cat, err = s.publish(source, func(map[string]Entry) map[string]Entry { return m })
	if err != nil {
		return nil, false, err
	}
	return cat, true, nil
}

// SetPolicy adds or replaces the policy for a single tool.
func (s *Store) SetPolicy(entry Entry) (*Catalog, error) {
	n, err := entry.normalize()
	if err != nil {
		return nil, fmt.Errorf("SetPolicy: %w", err)
	}
	return s.publish("set_policy:"+n.ToolName, func(prev map[string]Entry) map[string]Entry {
		prev[n.ToolName] = n
		return prev
	})
}

// Remove drops the policy for toolName, making it unrestricted.
func (s *Store) Remove(toolName string) (*Catalog, error) {
	return s.publish("remove_policy:"+toolName, func(prev map[string]Entry) map[string]Entry {
		delete(prev, toolName)
		return prev
	})
}

func (s *Store) publish(source string, mutate func(map[string]Entry) map[string]Entry) (*Catalog, error) {
	s.mu.Lock()
	prev := s.current.Load()
	next := mutate(prev.entryMap())

	var known map[string]bool
	if s.knownTools != nil {
		names := s.knownTools()
		known = make(map[string]bool, len(names))
		for _, n := range names {
			known[n] = true
		}
	}
	if err := Validate(next, known); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	cat := newCatalog(prev.Version()+1, source, next)
	s.current.Store(cat)
	subs := slices.Clone(s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(cat)
	}
	return cat, nil
}
