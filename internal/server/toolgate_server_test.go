package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/toolgate/internal/auth"
	"github.com/triage-ai/palisade/toolgate/internal/policy"
	"github.com/triage-ai/palisade/toolgate/internal/registry"
	"github.com/triage-ai/palisade/toolgate/internal/session"
)

const testKey = "tgk_testkey1234567"

func okTool(name string) registry.Tool {
	return registry.NewFunc(name, name, func(context.Context, registry.Args) (any, error) {
		return map[string]any{"tool": name}, nil
	})
}

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T) (*ToolGateClient, func()) {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.NewRegistry(logger)
	for _, name := range []string{"lint", "typecheck", "test", "write_code"} {
		reg.MustRegister(okTool(name))
	}
	reg.MustRegister(registry.NewFunc("flaky", "always fails", func(context.Context, registry.Args) (any, error) {
		return nil, errors.New("boom")
	}))
	reg.MustRegister(registry.NewFunc("echo", "echoes its args", func(_ context.Context, args registry.Args) (any, error) {
		return map[string]any{"said": args.String("msg")}, nil
	}))

	store := policy.NewStore()
	enforcer := policy.NewEnforcer(store)
	if err := enforcer.Load([]policy.Entry{
		{ToolName: "write_code", Requires: []string{"lint", "typecheck", "test"}},
		{ToolName: "deploy", Requires: []string{"write_code"}},
	}, "test"); err != nil {
		t.Fatal(err)
	}

	sessions := session.NewManager(session.Config{Registry: reg, Enforcer: enforcer, Logger: logger})
	srv := NewToolGateServer(sessions, auth.NewStaticAuthenticator(map[string]string{testKey: "acme"}), logger)

	grpcServer := grpc.NewServer()
	RegisterToolGateServiceServer(grpcServer, srv)

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
		sessions.Stop()
	}
	return NewToolGateClient(conn), cleanup
}

func authCtx() context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + testKey,
	})
	return metadata.NewOutgoingContext(context.Background(), md)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func stringsOf(v *structpb.Value) []string {
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, item.GetStringValue())
	}
	return out
}

func TestServer_ExecuteUnrestrictedTool(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.Execute(authCtx(), mustStruct(t, map[string]any{
		"tool_name": "echo",
		"args":      map[string]any{"msg": "hi"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	f := resp.GetFields()
	if !f["success"].GetBoolValue() {
		t.Fatalf("expected success, got %v", resp)
	}
	if f["request_id"].GetStringValue() == "" {
		t.Fatal("expected non-empty request_id")
	}
	if f["session_id"].GetStringValue() == "" {
		t.Fatal("expected a generated session_id")
	}
	if got := f["value"].GetStructValue().GetFields()["said"].GetStringValue(); got != "hi" {
		t.Fatalf("expected echoed arg, got %q", got)
	}
}

func TestServer_ViolationListsEveryMissingRequirement(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	var trailer metadata.MD
	_, err := client.Execute(authCtx(), mustStruct(t, map[string]any{
		"session_id": "s1",
		"tool_name":  "write_code",
	}), grpc.Trailer(&trailer))
	if err == nil {
		t.Fatal("expected violation")
	}

	st := status.Convert(err)
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", st.Code())
	}
	if got := trailer.Get(TrailerMissingDependencies); len(got) != 1 || got[0] != "lint,typecheck,test" {
		t.Fatalf("unexpected trailer %v", got)
	}

	details := st.Details()
	if len(details) != 1 {
		t.Fatalf("expected 1 detail, got %d", len(details))
	}
	d, ok := details[0].(*structpb.Struct)
	if !ok {
		t.Fatalf("expected Struct detail, got %T", details[0])
	}
	if diff := cmp.Diff([]string{"lint", "typecheck", "test"}, stringsOf(d.GetFields()["missing_dependencies"])); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_LedgerUnlocksDependentTool(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := authCtx()

	for _, name := range []string{"lint", "typecheck", "test", "write_code"} {
		resp, err := client.Execute(ctx, mustStruct(t, map[string]any{"session_id": "s1", "tool_name": name}))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !resp.GetFields()["success"].GetBoolValue() {
			t.Fatalf("%s: expected success", name)
		}
	}

	// A different session starts with an empty ledger.
	_, err := client.Execute(ctx, mustStruct(t, map[string]any{"session_id": "s2", "tool_name": "write_code"}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition in fresh session, got %v", err)
	}
}

func TestServer_NotRegistered(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.Execute(authCtx(), mustStruct(t, map[string]any{"tool_name": "nope"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestServer_PolicyCheckedBeforeRegistration(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	// deploy has a policy but no implementation; the violation wins.
	_, err := client.Execute(authCtx(), mustStruct(t, map[string]any{"tool_name": "deploy"}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestServer_MissingToolName(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.Execute(authCtx(), mustStruct(t, map[string]any{}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestServer_Unauthenticated(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.Execute(context.Background(), mustStruct(t, map[string]any{"tool_name": "echo"}))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	md := metadata.New(map[string]string{"authorization": "Bearer tgk_wrongkey00000"})
	_, err = client.Execute(metadata.NewOutgoingContext(context.Background(), md),
		mustStruct(t, map[string]any{"tool_name": "echo"}))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated for unknown key, got %v", err)
	}
}

func TestServer_ExecuteSequenceStopsAtFailure(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.ExecuteSequence(authCtx(), mustStruct(t, map[string]any{
		"session_id": "seq",
		"tool_names": []any{"lint", "flaky", "typecheck"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	results := resp.GetFields()["results"].GetListValue().GetValues()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	last := results[1].GetStructValue().GetFields()
	if last["success"].GetBoolValue() || last["error"].GetStringValue() != "boom" {
		t.Fatalf("expected flaky failure, got %v", last)
	}
	if resp.GetFields()["completed"].GetBoolValue() {
		t.Fatal("expected completed=false")
	}
}

func TestServer_ExecuteSequenceViolationCarriesPartialResults(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.ExecuteSequence(authCtx(), mustStruct(t, map[string]any{
		"session_id": "seq",
		"tool_names": []any{"lint", "write_code"},
	}))
	st := status.Convert(err)
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", st.Code())
	}
	d := st.Details()[0].(*structpb.Struct)
	if diff := cmp.Diff([]string{"typecheck", "test"}, stringsOf(d.GetFields()["missing_dependencies"])); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}
	if n := len(d.GetFields()["results"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("expected 1 partial result, got %d", n)
	}
}

func TestServer_CanExecuteHasNoSideEffects(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := authCtx()

	for i := 0; i < 2; i++ {
		resp, err := client.CanExecute(ctx, mustStruct(t, map[string]any{"session_id": "pre", "tool_name": "write_code"}))
		if err != nil {
			t.Fatal(err)
		}
		f := resp.GetFields()
		if f["allowed"].GetBoolValue() {
			t.Fatal("expected write_code to be disallowed")
		}
		if diff := cmp.Diff([]string{"lint", "typecheck", "test"}, stringsOf(f["missing"])); diff != "" {
			t.Fatalf("missing mismatch (-want +got):\n%s", diff)
		}
	}

	rec, err := client.Records(ctx, mustStruct(t, map[string]any{"session_id": "pre"}))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(rec.GetFields()["records"].GetListValue().GetValues()); n != 0 {
		t.Fatalf("expected empty ledger, got %d records", n)
	}
}

func TestServer_RecordsAndReset(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := authCtx()

	if _, err := client.Execute(ctx, mustStruct(t, map[string]any{"session_id": "r", "tool_name": "lint"})); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Execute(ctx, mustStruct(t, map[string]any{"session_id": "r", "tool_name": "flaky"})); err != nil {
		t.Fatal(err)
	}

	rec, err := client.Records(ctx, mustStruct(t, map[string]any{"session_id": "r"}))
	if err != nil {
		t.Fatal(err)
	}
	f := rec.GetFields()
	if diff := cmp.Diff([]string{"lint"}, stringsOf(f["executed_tools"])); diff != "" {
		t.Fatalf("executed_tools mismatch (-want +got):\n%s", diff)
	}
	if got := f["tool_count"].GetNumberValue(); got != 2 {
		t.Fatalf("expected tool_count 2, got %v", got)
	}

	if _, err := client.Reset(ctx, mustStruct(t, map[string]any{"session_id": "r"})); err != nil {
		t.Fatal(err)
	}
	rec, err = client.Records(ctx, mustStruct(t, map[string]any{"session_id": "r"}))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(rec.GetFields()["records"].GetListValue().GetValues()); n != 0 {
		t.Fatalf("expected empty ledger after reset, got %d", n)
	}
}

func TestServer_RecordsUnknownSession(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.Records(authCtx(), mustStruct(t, map[string]any{"session_id": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	_, err = client.Reset(authCtx(), mustStruct(t, map[string]any{"session_id": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
