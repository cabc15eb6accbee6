package policy

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// mockRowStore is a test helper.
type mockRowStore struct {
	rows []policyRow
	err  error
}

func (m *mockRowStore) ListPolicies(_ context.Context) ([]policyRow, error) {
	return m.rows, m.err
}

func TestPostgresSource_Sync(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	src := newPostgresSourceWithStore(&mockRowStore{rows: []policyRow{
		{ToolName: "write_code", Requires: `["lint", "typecheck", "test"]`, Description: sql.NullString{String: "gated", Valid: true}},
		{ToolName: "read_file", Requires: `[]`},
	}}, logger)

	store := NewStore()
	cat, err := src.Sync(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	if cat.Source() != "postgres:tool_policies" {
		t.Fatalf("unexpected source %s", cat.Source())
	}
	if got := cat.Requires("write_code"); len(got) != 3 {
		t.Fatalf("expected 3 requirements, got %v", got)
	}
	if e, ok := cat.Entry("write_code"); !ok || e.Description != "gated" {
		t.Fatalf("expected description to be loaded, got %+v", e)
	}
	if got := cat.Requires("read_file"); got != nil {
		t.Fatalf("expected read_file unrestricted, got %v", got)
	}
}

func TestPostgresSource_InvalidJSON(t *testing.T) {
	src := newPostgresSourceWithStore(&mockRowStore{rows: []policyRow{
		{ToolName: "write_code", Requires: `{not json`},
	}}, zap.NewNop())

	if _, err := src.Entries(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPostgresSource_QueryError(t *testing.T) {
	dbErr := errors.New("connection refused")
	src := newPostgresSourceWithStore(&mockRowStore{err: dbErr}, zap.NewNop())

	store := NewStore()
	if _, err := src.Sync(context.Background(), store); !errors.Is(err, dbErr) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
	if store.Current().Version() != 0 {
		t.Fatal("expected store untouched on query error")
	}
}

func TestPostgresSource_CycleRejected(t *testing.T) {
	src := newPostgresSourceWithStore(&mockRowStore{rows: []policyRow{
		{ToolName: "a", Requires: `["b"]`},
		{ToolName: "b", Requires: `["a"]`},
	}}, zap.NewNop())

	if _, err := src.Sync(context.Background(), NewStore()); !errors.Is(err, ErrPolicyCycle) {
		t.Fatalf("expected ErrPolicyCycle, got %v", err)
	}
}

func TestPostgresSource_PollKeepsVersionOnError(t *testing.T) {
	rows := &mockRowStore{rows: []policyRow{{ToolName: "build", Requires: `["typecheck"]`}}}
	src := newPostgresSourceWithStore(rows, zap.NewNop())
	store := NewStore()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Poll(ctx, store, 5*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Current().Requires("build") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Current().Requires("build") == nil {
		cancel()
		<-done
		t.Fatal("expected poll to publish the table")
	}

	cancel()
	<-done

	rows.err = errors.New("connection reset")
	live := store.Current().Version()
	if _, err := src.Sync(context.Background(), store); err == nil {
		t.Fatal("expected sync error")
	}
	if store.Current().Version() != live {
		t.Fatal("failed sync must not publish a new version")
	}
}

func TestPostgresSource_PollSkipsUnchangedTable(t *testing.T) {
	rows := &mockRowStore{rows: []policyRow{{ToolName: "build", Requires: `["typecheck"]`}}}
	src := newPostgresSourceWithStore(rows, zap.NewNop())
	store := NewStore()
	if _, err := src.Sync(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	published := 0
	store.OnChange(func(*Catalog) {
		mu.Lock()
		published++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Poll(ctx, store, 2*time.Millisecond)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if published != 0 || store.Current().Version() != 1 {
		t.Fatalf("expected no republish of an unchanged table, got %d publishes at v%d", published, store.Current().Version())
	}
}
