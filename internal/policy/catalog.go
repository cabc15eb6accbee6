package policy

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Catalog is an immutable, versioned snapshot of the policy map. A tool
// absent from the catalog is unrestricted.
type Catalog struct {
	version  uint64
	loadedAt time.Time
	source   string
	entries  map[string]Entry
}

func newCatalog(version uint64, source string, entries map[string]Entry) *Catalog {
	return &Catalog{
		version:  version,
		loadedAt: time.Now(),
		source:   source,
		entries:  entries,
	}
}

// Version increases by one on every published change.
func (c *Catalog) Version() uint64 { return c.version }

// LoadedAt is when this snapshot was published.
func (c *Catalog) LoadedAt() time.Time { return c.loadedAt }

// Source names where the snapshot came from ("file:policy.yaml", "set_policy", ...).
func (c *Catalog) Source() string { return c.source }

// Len returns the number of policy entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Entry returns the policy for toolName.
func (c *Catalog) Entry(toolName string) (Entry, bool) {
	e, ok := c.entries[toolName]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Requires returns the ordered requirements of toolName, or nil when the
// tool is unrestricted.
func (c *Catalog) Requires(toolName string) []string {
	e, ok := c.entries[toolName]
	if !ok || len(e.Requires) == 0 {
		return nil
	}
	return append([]string(nil), e.Requires...)
}

// Entries returns all entries sorted by tool name.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ToolName < out[j].ToolName
	})
	return out
}

// sameEntries reports whether m holds exactly the catalog's policies.
func (c *Catalog) sameEntries(m map[string]Entry) bool {
	if len(c.entries) != len(m) {
		return false
	}
	for name, e := range m {
		cur, ok := c.entries[name]
		if !ok || cur.Description != e.Description || !slices.Equal(cur.Requires, e.Requires) {
			return false
		}
	}
	return true
}

func (c *Catalog) entryMap() map[string]Entry {
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v.clone()
	}
	return out
}

// buildEntries normalizes entries into a map; a later entry for the same tool
// replaces an earlier one.
func buildEntries(entries []Entry) (map[string]Entry, error) {
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		n, err := e.normalize()
		if err != nil {
			return nil, err
		}
		out[n.ToolName] = n
	}
	return out, nil
}

// Validate rejects a requires-graph with a cycle (including a tool that
// requires itself). When known is non-nil, every requirement must also name
// a known tool.
func Validate(entries map[string]Entry, known map[string]bool) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	if known != nil {
		for _, name := range names {
			for _, r := range entries[name].Requires {
				if !known[r] {
					return fmt.Errorf("%w: %s requires %s", ErrUnknownRequirement, name, r)
				}
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(entries))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = grey
		stack = append(stack, name)
		for _, r := range entries[name].Requires {
			switch color[r] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == r {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), r)
				return fmt.Errorf("%w: %s", ErrPolicyCycle, strings.Join(path, " -> "))
			case white:
				if _, restricted := entries[r]; !restricted {
					color[r] = black
					continue
				}
				if err := visit(r); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
