package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Policy errors.
var (
	// ErrPolicyViolation matches every *Violation via errors.Is.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrPolicyCycle is returned when the requires-graph contains a cycle.
	ErrPolicyCycle = errors.New("policy requires-graph contains a cycle")

	// ErrUnknownRequirement is returned when a policy requires a tool that
	// is not known to the registry.
	ErrUnknownRequirement = errors.New("policy requires unknown tool")

	// ErrEmptyToolName is returned for a policy entry without a tool name.
	ErrEmptyToolName = errors.New("policy tool name cannot be empty")
)

// Entry declares the tools that must have run successfully before ToolName
// is admitted.
type Entry struct {
	ToolName    string   `json:"tool_name" yaml:"-"`
	Requires    []string `json:"requires" yaml:"requires"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// normalize trims names and drops empty and duplicate requirements while
// keeping declaration order.
func (e Entry) normalize() (Entry, error) {
	name := strings.TrimSpace(e.ToolName)
	if name == "" {
		return Entry{}, ErrEmptyToolName
	}

	seen := make(map[string]bool, len(e.Requires))
	requires := make([]string, 0, len(e.Requires))
	for _, r := range e.Requires {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		requires = append(requires, r)
	}

	return Entry{
		ToolName:    name,
		Requires:    requires,
		Description: strings.TrimSpace(e.Description),
	}, nil
}

func (e Entry) clone() Entry {
	out := e
	out.Requires = append([]string(nil), e.Requires...)
	return out
}

// ExecutionState is the view of a session ledger the enforcer needs.
type ExecutionState interface {
	HasExecuted(toolName string) bool
}

// Decision is the preflight answer for one tool.
type Decision struct {
	ToolName string
	Allowed  bool
	Missing  []string // unmet requirements in policy order; empty when allowed
	Version  uint64   // catalog version the decision was made against
}

// Violation returns the rejection for a disallowed decision, or nil.
func (d Decision) Violation() *Violation {
	if d.Allowed {
		return nil
	}
	return newViolation(d.ToolName, d.Missing, d.Version)
}

// Violation is the structured rejection produced when a tool's requirements
// are not all satisfied. It lists every unmet requirement.
type Violation struct {
	ToolName string
	Missing  []string
	Message  string
	Version  uint64
}

func newViolation(toolName string, missing []string, version uint64) *Violation {
	return &Violation{
		ToolName: toolName,
		Missing:  missing,
		Message: fmt.Sprintf("policy violation: %s requires %s to have executed successfully",
			toolName, strings.Join(missing, ", ")),
		Version: version,
	}
}

func (v *Violation) Error() string {
	return v.Message
}

// Is lets callers match any violation with errors.Is(err, ErrPolicyViolation).
func (v *Violation) Is(target error) bool {
	return target == ErrPolicyViolation
}
