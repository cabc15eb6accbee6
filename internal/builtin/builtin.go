// Package builtin provides the collaborator tools toolgate ships with. They
// are ordinary registry tools; the gate knows nothing about what they do.
package builtin

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

// DefaultCommands are the command lines behind the check tools when the
// configuration does not override them.
var DefaultCommands = map[string][]string{
	"lint":      {"go", "vet", "./..."},
	"typecheck": {"go", "build", "-o", "/dev/null", "./..."},
	"test":      {"go", "test", "./..."},
	"build":     {"go", "build", "./..."},
}

// Config selects and configures the built-in tools.
type Config struct {
	Root           string
	MaxReadBytes   int64
	Commands       map[string][]string // nil means DefaultCommands
	CommandTimeout time.Duration
	Model          *ModelConfig // nil leaves ask_model unregistered
	Logger         *zap.Logger
}

// Register adds every built-in tool to reg and returns their names.
func Register(reg *registry.Registry, cfg Config) ([]string, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	sb, err := NewSandbox(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("Register: %w", err)
	}

	type item struct {
		tool     registry.Tool
		category registry.Category
		schema   map[string]any // nil accepts any arguments
	}
	items := []item{
		{sb.ValidatePath(), registry.CategoryValidator, pathSchema()},
		{sb.CheckPermissions(), registry.CategoryValidator, pathSchema()},
		{sb.ReadFile(cfg.MaxReadBytes), registry.CategoryAnalyzer, pathSchema()},
		{sb.CreateFile(), registry.CategoryGenerator, contentSchema()},
		{sb.WriteFile(), registry.CategoryGenerator, contentSchema()},
		{sb.AnalyzeGo(), registry.CategoryAnalyzer, analyzeSchema},
		{sb.GitStatus(), registry.CategoryAnalyzer, nil},
		{RunCommand(sb.Root(), cfg.CommandTimeout, cfg.Logger), registry.CategoryExecutor, runCommandSchema},
	}

	commands := cfg.Commands
	if commands == nil {
		commands = DefaultCommands
	}
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ct, err := NewCommandTool(name, commands[name], sb.Root(), cfg.CommandTimeout, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("Register: %w", err)
		}
		items = append(items, item{ct, registry.CategoryValidator, commandArgsSchema})
	}

	if cfg.Model != nil {
		mc := *cfg.Model
		if mc.Logger == nil {
			mc.Logger = cfg.Logger
		}
		mt, err := NewModelTool(mc)
		if err != nil {
			return nil, fmt.Errorf("Register: %w", err)
		}
		items = append(items, item{mt, registry.CategoryGenerator, askModelSchema})
	}

	registered := make([]string, 0, len(items))
	for _, it := range items {
		tool := it.tool
		if it.schema != nil {
			// Malformed arguments then fail the run before the tool executes.
			if tool, err = registry.WithSchema(tool, it.schema); err != nil {
				return nil, fmt.Errorf("Register: %w", err)
			}
		}
		if _, err := reg.Register(tool, registry.WithCategory(it.category)); err != nil {
			return nil, fmt.Errorf("Register: %w", err)
		}
		registered = append(registered, it.tool.Name())
	}
	cfg.Logger.Info("built-in tools registered",
		zap.Strings("tools", registered),
		zap.String("root", sb.Root()),
	)
	return registered, nil
}
