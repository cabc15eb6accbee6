package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/toolgate/internal/ledger"
	"github.com/triage-ai/palisade/toolgate/internal/policy"
	"github.com/triage-ai/palisade/toolgate/internal/registry"
	"github.com/triage-ai/palisade/toolgate/internal/storage"
)

var tracer = otel.Tracer("toolgate.engine")

var (
	// ErrToolPanicked wraps the value recovered from a panicking tool.
	ErrToolPanicked = errors.New("tool panicked")

	// ErrVerdictFailed is recorded in SatisfyOnVerdict mode when a tool
	// completes but reports a failed verdict.
	ErrVerdictFailed = errors.New("tool reported a failed verdict")
)

// SatisfactionMode decides what counts as a successful run.
type SatisfactionMode int

const (
	// SatisfyOnCompletion treats any run that returns without error as a
	// success, whatever the result value says.
	SatisfyOnCompletion SatisfactionMode = iota

	// SatisfyOnVerdict additionally inspects the result: a Verdict with
	// Passed() == false, or a map carrying "passed": false or
	// "success": false, is recorded as a failure.
	SatisfyOnVerdict
)

func (m SatisfactionMode) String() string {
	switch m {
	case SatisfyOnCompletion:
		return "completion"
	case SatisfyOnVerdict:
		return "verdict"
	default:
		return fmt.Sprintf("SatisfactionMode(%d)", int(m))
	}
}

// ParseSatisfactionMode parses "completion" or "verdict".
func ParseSatisfactionMode(s string) (SatisfactionMode, error) {
	switch s {
	case "", "completion":
		return SatisfyOnCompletion, nil
	case "verdict":
		return SatisfyOnVerdict, nil
	default:
		return 0, fmt.Errorf("unknown satisfaction mode %q", s)
	}
}

// Verdict is implemented by results that carry their own pass/fail judgement.
type Verdict interface {
	Passed() bool
}

// Result is the structured outcome of an admitted execution. A failing tool
// produces Success == false with Err set; it is never returned as an error.
type Result struct {
	ToolName      string
	Success       bool
	Value         any
	Err           error
	ExecutionTime time.Duration
}

// Executor is the single entry point through which tools run. Every call is
// checked against policy, resolved in the registry, run, and recorded in the
// session ledger.
type Executor struct {
	registry  *registry.Registry
	enforcer  *policy.Enforcer
	ledger    *ledger.Ledger
	logger    *zap.Logger
	mode      SatisfactionMode
	events    storage.EventWriter
	workspace string
	locks     *keyedMutex
}

// Option configures an Executor.
type Option func(*Executor)

// WithSatisfactionMode selects how results are judged. Default SatisfyOnCompletion.
func WithSatisfactionMode(m SatisfactionMode) Option {
	return func(e *Executor) {
		e.mode = m
	}
}

// WithEventWriter emits an ExecutionEvent for every admission decision.
func WithEventWriter(w storage.EventWriter) Option {
	return func(e *Executor) {
		e.events = w
	}
}

// WithWorkspace tags emitted events and logs with a workspace name.
func WithWorkspace(workspace string) Option {
	return func(e *Executor) {
		e.workspace = workspace
	}
}

// New creates an executor bound to one session ledger.
func New(reg *registry.Registry, enforcer *policy.Enforcer, l *ledger.Ledger, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		registry: reg,
		enforcer: enforcer,
		ledger:   l,
		logger:   logger,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger returns the session ledger the executor records into.
func (e *Executor) Ledger() *ledger.Ledger {
	return e.ledger
}

// Mode returns the configured satisfaction mode.
func (e *Executor) Mode() SatisfactionMode {
	return e.mode
}

// Execute enforces policy for name, runs the registered implementation and
// records the outcome.
//
// A *policy.Violation is returned unmodified when requirements are unmet; an
// error wrapping registry.ErrToolNotRegistered is returned when no tool is
// registered under name. In both cases nothing is recorded. Otherwise the
// error is nil and the tool's own failure, if any, is in Result.Err.
func (e *Executor) Execute(ctx context.Context, name string, args registry.Args) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("toolgate.tool", name),
			attribute.String("toolgate.session_id", e.ledger.SessionID()),
		),
	)
	defer span.End()

	requestID := RequestIDFromContext(ctx)
	start := time.Now()

	unlock := e.locks.lock(name)
	defer unlock()

	decision := e.enforcer.CanExecute(name, e.ledger)
	if v := decision.Violation(); v != nil {
		policyViolations.WithLabelValues(name).Inc()
		executionsTotal.WithLabelValues(name, outcomeViolation).Inc()
		e.logger.Warn("tool execution blocked by policy",
			zap.String("request_id", requestID),
			zap.String("session_id", e.ledger.SessionID()),
			zap.String("tool_name", name),
			zap.Strings("missing", v.Missing),
			zap.Uint64("policy_version", v.Version),
		)
		e.emit(&storage.ExecutionEvent{
			RequestID:           requestID,
			ToolName:            name,
			Decision:            storage.DecisionViolation,
			MissingDependencies: v.Missing,
			Error:               v.Message,
			PolicyVersion:       v.Version,
		}, start)
		span.SetAttributes(attribute.StringSlice("toolgate.missing", v.Missing))
		span.SetStatus(codes.Error, "policy violation")
		return nil, v
	}

	tool, err := e.registry.Lookup(name)
	if err != nil {
		executionsTotal.WithLabelValues(name, outcomeNotRegistered).Inc()
		e.logger.Error("tool not registered",
			zap.String("request_id", requestID),
			zap.String("session_id", e.ledger.SessionID()),
			zap.String("tool_name", name),
		)
		e.emit(&storage.ExecutionEvent{
			RequestID:     requestID,
			ToolName:      name,
			Decision:      storage.DecisionNotRegistered,
			Error:         err.Error(),
			PolicyVersion: decision.Version,
		}, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not registered")
		return nil, fmt.Errorf("Execute: %w", err)
	}

	runStart := time.Now()
	value, runErr := invoke(ctx, tool, args)
	elapsed := time.Since(runStart)
	if runErr == nil && e.mode == SatisfyOnVerdict && verdictFailed(value) {
		runErr = fmt.Errorf("%w: %s", ErrVerdictFailed, name)
	}

	if runErr != nil {
		e.ledger.Record(name, ledger.Failed(runErr))
	} else {
		e.ledger.Record(name, ledger.Succeeded(value))
	}

	executionDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	result := &Result{
		ToolName:      name,
		Success:       runErr == nil,
		Value:         value,
		Err:           runErr,
		ExecutionTime: elapsed,
	}

	event := &storage.ExecutionEvent{
		RequestID:     requestID,
		ToolName:      name,
		Decision:      storage.DecisionExecuted,
		Success:       result.Success,
		PolicyVersion: decision.Version,
	}
	if runErr != nil {
		executionsTotal.WithLabelValues(name, outcomeFailure).Inc()
		e.logger.Warn("tool execution failed",
			zap.String("request_id", requestID),
			zap.String("session_id", e.ledger.SessionID()),
			zap.String("tool_name", name),
			zap.Duration("execution_time", elapsed),
			zap.Error(runErr),
		)
		event.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "tool failed")
	} else {
		executionsTotal.WithLabelValues(name, outcomeSuccess).Inc()
		e.logger.Debug("tool executed",
			zap.String("request_id", requestID),
			zap.String("session_id", e.ledger.SessionID()),
			zap.String("tool_name", name),
			zap.Duration("execution_time", elapsed),
		)
	}
	e.emit(event, start)
	span.SetAttributes(attribute.Bool("toolgate.success", result.Success))

	return result, nil
}

// ExecuteSequence runs names strictly in order, each awaited before the next
// starts. It stops at the first violation or unregistered tool, returning the
// results so far together with that error, or at the first unsuccessful
// result, which is included as the last element with a nil error. argsList
// may be shorter than names; missing entries run with nil args.
func (e *Executor) ExecuteSequence(ctx context.Context, names []string, argsList []registry.Args) ([]*Result, error) {
	results := make([]*Result, 0, len(names))
	for i, name := range names {
		var args registry.Args
		if i < len(argsList) {
			args = argsList[i]
		}

		res, err := e.Execute(ctx, name, args)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

// CanExecute reports, without side effects, whether name would currently be
// admitted and which requirements are missing.
func (e *Executor) CanExecute(name string) policy.Decision {
	return e.enforcer.CanExecute(name, e.ledger)
}

func (e *Executor) emit(event *storage.ExecutionEvent, start time.Time) {
	if e.events == nil {
		return
	}
	event.Workspace = e.workspace
	event.SessionID = e.ledger.SessionID()
	event.Timestamp = start
	event.LatencyMs = float32(time.Since(start).Microseconds()) / 1000
	e.events.Write(event)
}

// invoke runs the tool, converting a panic into an error.
func invoke(ctx context.Context, tool registry.Tool, args registry.Args) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %v", ErrToolPanicked, r)
		}
	}()
	return tool.Execute(ctx, args)
}

func verdictFailed(value any) bool {
	switch v := value.(type) {
	case Verdict:
		return !v.Passed()
	case map[string]any:
		for _, key := range []string{"passed", "success"} {
			if b, ok := v[key].(bool); ok && !b {
				return true
			}
		}
	}
	return false
}
