package storage

import "time"

// Decision values recorded on an ExecutionEvent.
const (
	DecisionExecuted      = "executed"
	DecisionViolation     = "violation"
	DecisionNotRegistered = "not_registered"
)

// EventWriter is the interface for writing execution events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ExecutionEvent)
	Close()
}

// ExecutionEvent is the audit record of one admission decision and, when
// the tool ran, its outcome. Events are write-only telemetry; nothing reads
// them back into a ledger.
type ExecutionEvent struct {
	RequestID           string
	Workspace           string
	SessionID           string
	Timestamp           time.Time
	ToolName            string
	Decision            string // "executed", "violation", "not_registered"
	Success             bool
	MissingDependencies []string
	Error               string
	PolicyVersion       uint64
	LatencyMs           float32
	Metadata            map[string]string
}

// MultiWriter fans each event out to several writers.
type MultiWriter []EventWriter

func (m MultiWriter) Write(event *ExecutionEvent) {
	for _, w := range m {
		w.Write(event)
	}
}

func (m MultiWriter) Close() {
	for _, w := range m {
		w.Close()
	}
}
