package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

// ErrCommandFailed is returned when a command exits non-zero.
var ErrCommandFailed = errors.New("command failed")

const (
	defaultCommandTimeout = 5 * time.Minute
	maxCapturedOutput     = 64 << 10
)

// CommandTool runs a fixed argv in the workspace root. It backs lint,
// typecheck, test and build, whose command lines come from configuration.
type CommandTool struct {
	name    string
	desc    string
	argv    []string
	dir     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandTool builds a tool named name that runs argv in dir.
func NewCommandTool(name string, argv []string, dir string, timeout time.Duration, logger *zap.Logger) (*CommandTool, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("NewCommandTool: %s: empty command line", name)
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandTool{
		name:    name,
		desc:    "Runs `" + strings.Join(argv, " ") + "`.",
		argv:    append([]string(nil), argv...),
		dir:     dir,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (c *CommandTool) Name() string        { return c.name }
func (c *CommandTool) Description() string { return c.desc }

// Execute runs the command. Extra arguments may be appended through
// args["args"] as a list of strings. A non-zero exit returns the captured
// output together with an error wrapping ErrCommandFailed.
func (c *CommandTool) Execute(ctx context.Context, args registry.Args) (any, error) {
	argv := append([]string(nil), c.argv...)
	if extra, ok := args["args"].([]any); ok {
		for _, a := range extra {
			if s, ok := a.(string); ok {
				argv = append(argv, s)
			}
		}
	}
	return runCommand(ctx, c.name, argv, c.dir, c.timeout, c.logger)
}

// RunCommand is the generic run_command tool: args["command"] is a list of
// strings, or a string split on whitespace, run in the workspace root.
// Register validates the argument shape.
func RunCommand(dir string, timeout time.Duration, logger *zap.Logger) registry.Tool {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return registry.NewFunc("run_command", "Runs a command in the workspace root.",
		func(ctx context.Context, args registry.Args) (any, error) {
			var argv []string
			switch v := args["command"].(type) {
			case []any:
				for _, a := range v {
					if s, ok := a.(string); ok {
						argv = append(argv, s)
					}
				}
			case []string:
				argv = v
			case string:
				argv = strings.Fields(v)
			}
			return runCommand(ctx, "run_command", argv, dir, timeout, logger)
		})
}

func runCommand(ctx context.Context, name string, argv []string, dir string, timeout time.Duration, logger *zap.Logger) (any, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command line", ErrCommandFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]any{
		"command":     strings.Join(argv, " "),
		"exit_code":   exitCode,
		"stdout":      truncate(stdout.String()),
		"stderr":      truncate(stderr.String()),
		"duration_ms": elapsed.Milliseconds(),
		"passed":      err == nil,
	}

	if err != nil {
		logger.Debug("command failed",
			zap.String("tool_name", name),
			zap.Strings("argv", argv),
			zap.Int("exit_code", exitCode),
			zap.Error(err),
		)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, fmt.Errorf("%w: %s exited with code %d", ErrCommandFailed, argv[0], exitCode)
		}
		return result, fmt.Errorf("%w: %s: %v", ErrCommandFailed, argv[0], err)
	}
	return result, nil
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[len(s)-maxCapturedOutput:]
}
