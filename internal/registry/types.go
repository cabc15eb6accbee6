package registry

import (
	"context"
	"errors"
)

// Registry errors.
var (
	ErrToolNotRegistered = errors.New("tool not registered")
	ErrToolNameEmpty     = errors.New("tool name cannot be empty")
	ErrNilTool           = errors.New("tool cannot be nil")
)

// Args carries a tool's arguments. The gate never interprets them.
type Args map[string]any

// String returns the string value of key, or "" when absent or not a string.
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Tool is a named, independently invocable capability. An implementation
// signals failure by returning an error; the result value is opaque.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args Args) (any, error)
}

// Category is a registration-time label with no bearing on enforcement.
type Category string

const (
	CategoryUnspecified Category = ""
	CategoryValidator   Category = "validator"
	CategoryGenerator   Category = "generator"
	CategoryAnalyzer    Category = "analyzer"
	CategoryExecutor    Category = "executor"
)

// Entry is one registered tool.
type Entry struct {
	Name        string
	Description string
	Category    Category
	Tool        Tool
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args Args) (any, error)
}

// NewFunc creates a Func tool.
func NewFunc(name, description string, fn func(ctx context.Context, args Args) (any, error)) *Func {
	return &Func{ToolName: name, Desc: description, Fn: fn}
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Execute(ctx context.Context, args Args) (any, error) {
	return f.Fn(ctx, args)
}
