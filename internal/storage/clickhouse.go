package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 10_000
	defaultFlushInterval = 100 * time.Millisecond
	defaultFlushBatch    = 1000
	drainTimeout         = 2 * time.Second
	insertTimeout        = 5 * time.Second
)

// CreateTableSQL is the DDL for the events table.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS tool_execution_events (
	request_id           String,
	workspace            LowCardinality(String),
	session_id           String,
	timestamp            DateTime64(3),
	tool_name            LowCardinality(String),
	decision             LowCardinality(String),
	success              UInt8,
	missing_dependencies Array(String),
	error                String,
	policy_version       UInt64,
	latency_ms           Float32,
	metadata             Map(String, String)
) ENGINE = MergeTree
ORDER BY (workspace, session_id, timestamp)`

// insertFunc persists one batch.
type insertFunc func(ctx context.Context, events []*ExecutionEvent) error

// ClickHouseConfig configures the ClickHouseWriter.
type ClickHouseConfig struct {
	DSN           string
	BufferSize    int           // default 10000
	FlushInterval time.Duration // default 100ms
	FlushBatch    int           // default 1000
	CreateTable   bool          // run CreateTableSQL on start-up
	Logger        *zap.Logger
}

// ClickHouseWriter writes execution events to ClickHouse asynchronously.
// Write() is non-blocking: events are buffered and batch-inserted by a
// background goroutine. A full buffer drops the event.
type ClickHouseWriter struct {
	insert        insertFunc
	buffer        chan *ExecutionEvent
	flushInterval time.Duration
	flushBatch    int
	done          chan struct{}
	flushed       chan struct{}
	logger        *zap.Logger
}

// NewClickHouseWriter connects to ClickHouse and starts the background flush loop.
func NewClickHouseWriter(cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}
	if cfg.CreateTable {
		if err := conn.Exec(ctx, CreateTableSQL); err != nil {
			return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
		}
	}

	return newClickHouseWriter(cfg, func(ctx context.Context, events []*ExecutionEvent) error {
		return insertEvents(ctx, conn, events)
	}), nil
}

// newClickHouseWriter builds the writer around insert and starts the flush loop.
func newClickHouseWriter(cfg ClickHouseConfig, insert insertFunc) *ClickHouseWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = defaultFlushBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	w := &ClickHouseWriter{
		insert:        insert,
		buffer:        make(chan *ExecutionEvent, cfg.BufferSize),
		flushInterval: cfg.FlushInterval,
		flushBatch:    cfg.FlushBatch,
		done:          make(chan struct{}),
		flushed:       make(chan struct{}),
		logger:        cfg.Logger,
	}

	go w.flushLoop()
	return w
}

// Write queues an execution event for async insertion.
func (w *ClickHouseWriter) Write(event *ExecutionEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
			zap.String("tool_name", event.ToolName),
		)
	}
}

// Close drains buffered events and stops the flush loop. Write must not be
// called after Close.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]*ExecutionEvent, 0, w.flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= w.flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			deadline := time.After(drainTimeout)
		drain:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*ExecutionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := w.insert(ctx, events); err != nil {
		w.logger.Error("clickhouse batch insert failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func insertEvents(ctx context.Context, conn driver.Conn, events []*ExecutionEvent) error {
	batch, err := conn.PrepareBatch(ctx, `
		INSERT INTO tool_execution_events (
			request_id, workspace, session_id, timestamp, tool_name,
			decision, success, missing_dependencies, error,
			policy_version, latency_ms, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(eventColumns(e)...); err != nil {
			return fmt.Errorf("append %s: %w", e.RequestID, err)
		}
	}
	return batch.Send()
}

// eventColumns returns the insert values for e in column order.
func eventColumns(e *ExecutionEvent) []any {
	var success uint8
	if e.Success {
		success = 1
	}
	missing := e.MissingDependencies
	if missing == nil {
		missing = []string{}
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return []any{
		e.RequestID,
		e.Workspace,
		e.SessionID,
		e.Timestamp,
		e.ToolName,
		e.Decision,
		success,
		missing,
		e.Error,
		e.PolicyVersion,
		e.LatencyMs,
		metadata,
	}
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ExecutionEvent) {
	w.logger.Info("tool_execution_event",
		zap.String("request_id", event.RequestID),
		zap.String("workspace", event.Workspace),
		zap.String("session_id", event.SessionID),
		zap.String("tool_name", event.ToolName),
		zap.String("decision", event.Decision),
		zap.Bool("success", event.Success),
		zap.Strings("missing", event.MissingDependencies),
		zap.String("error", event.Error),
		zap.Uint64("policy_version", event.PolicyVersion),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
