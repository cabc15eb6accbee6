package policy

// Enforcer decides admission for a tool from the live catalog and a session's
// execution state. It never mutates the execution state.
type Enforcer struct {
	store *Store
}

// NewEnforcer creates an enforcer over store. A nil store is replaced with an
// empty one, which admits every tool.
func NewEnforcer(store *Store) *Enforcer {
	if store == nil {
		store = NewStore()
	}
	return &Enforcer{store: store}
}

// Store returns the catalog store the enforcer reads.
func (e *Enforcer) Store() *Store {
	return e.store
}

// CanExecute is the side-effect-free preflight: it reports whether toolName
// would be admitted and, if not, every unmet requirement in policy order.
func (e *Enforcer) CanExecute(toolName string, state ExecutionState) Decision {
	cat := e.store.Current()
	d := Decision{
		ToolName: toolName,
		Allowed:  true,
		Version:  cat.Version(),
	}

	for _, r := range cat.Requires(toolName) {
		if !state.HasExecuted(r) {
			d.Missing = append(d.Missing, r)
		}
	}
	if len(d.Missing) > 0 {
		d.Allowed = false
	}
	return d
}

// Check returns nil when toolName is admitted and the complete Violation
// otherwise.
func (e *Enforcer) Check(toolName string, state ExecutionState) *Violation {
	return e.CanExecute(toolName, state).Violation()
}

// Enforce is Check for the hot path: a violation comes back as an error that
// the caller must handle.
func (e *Enforcer) Enforce(toolName string, state ExecutionState) error {
	if v := e.Check(toolName, state); v != nil {
		return v
	}
	return nil
}

// SetPolicy publishes a new catalog version with entry added or replaced.
func (e *Enforcer) SetPolicy(entry Entry) error {
	_, err := e.store.SetPolicy(entry)
	return err
}

// Load replaces the whole catalog with entries.
func (e *Enforcer) Load(entries []Entry, source string) error {
	_, err := e.store.Replace(entries, source)
	return err
}
