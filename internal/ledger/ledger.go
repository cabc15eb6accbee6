// Package ledger holds the per-session execution ledger: for every tool name,
// the outcome of its most recent run. The ledger is the only input the policy
// enforcer consults when deciding whether a tool's prerequisites are met.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoOutcome is recorded when a caller records a run without an outcome.
var ErrNoOutcome = errors.New("tool run recorded without outcome")

// State is the admission-relevant state of one tool within a session.
type State int

const (
	// StateUnknown means the tool has not run since the session started or
	// since the last reset.
	StateUnknown State = iota
	// StateSatisfied means the latest run of the tool succeeded.
	StateSatisfied
	// StateUnsatisfied means the latest run of the tool failed, even if an
	// earlier run succeeded.
	StateUnsatisfied
)

func (s State) String() string {
	switch s {
	case StateSatisfied:
		return "satisfied"
	case StateUnsatisfied:
		return "unsatisfied"
	default:
		return "unknown"
	}
}

// Outcome is the recorded result of one tool run. It is a closed sum type:
// the only implementations are Satisfied and Unsatisfied.
type Outcome interface {
	State() State
	isOutcome()
}

// Satisfied is the outcome of a run that completed successfully.
type Satisfied struct {
	Result any
}

func (Satisfied) State() State { return StateSatisfied }
func (Satisfied) isOutcome()   {}

// Unsatisfied is the outcome of a run that failed.
type Unsatisfied struct {
	Err error
}

func (Unsatisfied) State() State { return StateUnsatisfied }
func (Unsatisfied) isOutcome()   {}

// Succeeded builds a Satisfied outcome.
func Succeeded(result any) Outcome {
	return Satisfied{Result: result}
}

// Failed builds an Unsatisfied outcome. A nil error is replaced with
// ErrNoOutcome so that a failed record always carries a cause.
func Failed(err error) Outcome {
	if err == nil {
		err = ErrNoOutcome
	}
	return Unsatisfied{Err: err}
}

// Record is the latest outcome of a single tool.
type Record struct {
	ToolName  string
	Timestamp time.Time
	Outcome   Outcome
}

// Success reports whether the recorded run succeeded.
func (r Record) Success() bool {
	return r.Outcome != nil && r.Outcome.State() == StateSatisfied
}

// Result returns the value of a successful run, or nil.
func (r Record) Result() any {
	if s, ok := r.Outcome.(Satisfied); ok {
		return s.Result
	}
	return nil
}

// Err returns the cause of a failed run, or nil.
func (r Record) Err() error {
	if u, ok := r.Outcome.(Unsatisfied); ok {
		return u.Err
	}
	return nil
}

// Metadata describes the session a ledger belongs to.
type Metadata struct {
	SessionID string
	StartedAt time.Time
	ToolCount int
	Uptime    time.Duration
}

// Ledger is a session-scoped record of the latest outcome per tool name.
// It is safe for concurrent use; all mutation is serialized by its mutex.
type Ledger struct {
	mu        sync.RWMutex
	sessionID string
	startedAt time.Time
	now       func() time.Time
	records   map[string]Record
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSessionID sets the session identifier instead of generating one.
func WithSessionID(id string) Option {
	return func(l *Ledger) {
		if id != "" {
			l.sessionID = id
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates an empty ledger for a new session.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:     time.Now,
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sessionID == "" {
		l.sessionID = uuid.New().String()
	}
	l.startedAt = l.now()
	return l
}

// Record upserts the entry for toolName, overwriting any prior entry. A
// failure overwrites an earlier success, so a satisfied dependency regresses
// to unsatisfied when the same tool is re-run and fails.
func (l *Ledger) Record(toolName string, outcome Outcome) Record {
	if outcome == nil {
		outcome = Failed(nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		ToolName:  toolName,
		Timestamp: l.now(),
		Outcome:   outcome,
	}
	l.records[toolName] = rec
	return rec
}

// HasExecuted reports whether the latest run of toolName succeeded.
func (l *Ledger) HasExecuted(toolName string) bool {
	return l.State(toolName) == StateSatisfied
}

// State returns the current state of toolName.
func (l *Ledger) State(toolName string) State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[toolName]
	if !ok || rec.Outcome == nil {
		return StateUnknown
	}
	return rec.Outcome.State()
}

// Lookup returns the record for toolName, if any.
func (l *Ledger) Lookup(toolName string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[toolName]
	return rec, ok
}

// ExecutedTools returns the sorted names whose latest run succeeded.
func (l *Ledger) ExecutedTools() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.records))
	for name, rec := range l.records {
		if rec.Success() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Records returns one record per tool name, sorted by name.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ToolName < out[j].ToolName
	})
	return out
}

// Reset clears every record, revoking all satisfied dependencies at once.
// The session identifier and start time are kept.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]Record)
}

// SessionID returns the session identifier.
func (l *Ledger) SessionID() string {
	return l.sessionID
}

// Metadata returns session id, start time, distinct tool count and uptime.
func (l *Ledger) Metadata() Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Metadata{
		SessionID: l.sessionID,
		StartedAt: l.startedAt,
		ToolCount: len(l.records),
		Uptime:    l.now().Sub(l.startedAt),
	}
}
