package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/toolgate/internal/auth"
	"github.com/triage-ai/palisade/toolgate/internal/engine"
	"github.com/triage-ai/palisade/toolgate/internal/policy"
	"github.com/triage-ai/palisade/toolgate/internal/registry"
	"github.com/triage-ai/palisade/toolgate/internal/session"
)

// ToolGateServer implements ToolGateService over a session manager. Every
// RPC authenticates first; sessions are scoped to the caller's workspace.
type ToolGateServer struct {
	sessions *session.Manager
	auth     auth.Authenticator
	logger   *zap.Logger
}

// NewToolGateServer creates a new ToolGateServer with the given dependencies.
func NewToolGateServer(sessions *session.Manager, authenticator auth.Authenticator, logger *zap.Logger) *ToolGateServer {
	return &ToolGateServer{
		sessions: sessions,
		auth:     authenticator,
		logger:   logger,
	}
}

// Execute runs one tool.
//
// Request:  {session_id?, tool_name, args?}
// Response: {request_id, session_id, tool_name, success, value, error?, execution_time_ms}
func (s *ToolGateServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	toolName := req.GetFields()["tool_name"].GetStringValue()
	if toolName == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	sess, _ := s.sessions.Open(principal.Workspace, req.GetFields()["session_id"].GetStringValue())

	requestID := uuid.NewString()
	ctx = engine.ContextWithRequestID(ctx, requestID)

	res, err := sess.Executor.Execute(ctx, toolName, argsFromValue(req.GetFields()["args"]))
	if err != nil {
		return nil, s.toStatus(ctx, err, nil)
	}

	out := resultStruct(res)
	out.Fields["request_id"] = structpb.NewStringValue(requestID)
	out.Fields["session_id"] = structpb.NewStringValue(sess.Key.ID)
	return out, nil
}

// ExecuteSequence runs tools in order, stopping at the first failure.
//
// Request:  {session_id?, tool_names: [..], args?: [{..}, ..]}
// Response: {request_id, session_id, results: [..], completed}
//
// A violation or unregistered tool fails the RPC; the results gathered
// before it are attached to the status details.
func (s *ToolGateServer) ExecuteSequence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, v := range req.GetFields()["tool_names"].GetListValue().GetValues() {
		name := v.GetStringValue()
		if name == "" {
			return nil, status.Error(codes.InvalidArgument, "tool_names must be non-empty strings")
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, status.Error(codes.InvalidArgument, "tool_names is required")
	}

	var argsList []registry.Args
	for _, v := range req.GetFields()["args"].GetListValue().GetValues() {
		argsList = append(argsList, argsFromValue(v))
	}

	sess, _ := s.sessions.Open(principal.Workspace, req.GetFields()["session_id"].GetStringValue())
	requestID := uuid.NewString()
	ctx = engine.ContextWithRequestID(ctx, requestID)

	results, err := sess.Executor.ExecuteSequence(ctx, names, argsList)
	if err != nil {
		return nil, s.toStatus(ctx, err, results)
	}

	completed := len(results) == len(names) && (len(results) == 0 || results[len(results)-1].Success)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"request_id": structpb.NewStringValue(requestID),
		"session_id": structpb.NewStringValue(sess.Key.ID),
		"results":    resultList(results),
		"completed":  structpb.NewBoolValue(completed),
	}}, nil
}

// CanExecute is the side-effect-free preflight.
//
// Request:  {session_id?, tool_name}
// Response: {session_id, tool_name, allowed, missing, policy_version}
func (s *ToolGateServer) CanExecute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	toolName := req.GetFields()["tool_name"].GetStringValue()
	if toolName == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	sess, _ := s.sessions.Open(principal.Workspace, req.GetFields()["session_id"].GetStringValue())

	out := decisionStruct(sess.Executor.CanExecute(toolName))
	out.Fields["session_id"] = structpb.NewStringValue(sess.Key.ID)
	return out, nil
}

// Records returns the session ledger.
//
// Request:  {session_id}
// Response: {session_id, started_at, uptime_ms, tool_count, executed_tools, records}
func (s *ToolGateServer) Records(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(principal.Workspace, req.GetFields()["session_id"].GetStringValue())
	if err != nil {
		return nil, s.toStatus(ctx, err, nil)
	}

	meta := sess.Ledger.Metadata()
	records := sess.Ledger.Records()
	vals := make([]*structpb.Value, len(records))
	for i, r := range records {
		vals[i] = structpb.NewStructValue(recordStruct(r))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id":     structpb.NewStringValue(meta.SessionID),
		"started_at":     structpb.NewStringValue(meta.StartedAt.UTC().Format(time.RFC3339Nano)),
		"uptime_ms":      millis(meta.Uptime),
		"tool_count":     structpb.NewNumberValue(float64(meta.ToolCount)),
		"executed_tools": stringList(sess.Ledger.ExecutedTools()),
		"records":        structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}, nil
}

// Reset clears the session ledger.
//
// Request:  {session_id}
// Response: {session_id, reset: true}
func (s *ToolGateServer) Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	id := req.GetFields()["session_id"].GetStringValue()
	if err := s.sessions.Reset(principal.Workspace, id); err != nil {
		return nil, s.toStatus(ctx, err, nil)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id": structpb.NewStringValue(id),
		"reset":      structpb.NewBoolValue(true),
	}}, nil
}

func (s *ToolGateServer) authenticate(ctx context.Context) (*auth.Principal, error) {
	p, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	return p, nil
}

// toStatus maps gate errors onto gRPC codes. A violation becomes
// FailedPrecondition with the missing list in the message, in a trailer and
// in the status details, alongside any partial sequence results.
func (s *ToolGateServer) toStatus(ctx context.Context, err error, partial []*engine.Result) error {
	var v *policy.Violation
	switch {
	case errors.As(err, &v):
		if terr := grpc.SetTrailer(ctx, metadata.Pairs(TrailerMissingDependencies, strings.Join(v.Missing, ","))); terr != nil {
			s.logger.Debug("failed to set trailer", zap.Error(terr))
		}
		details := violationStruct(v)
		if partial != nil {
			details.Fields["results"] = resultList(partial)
		}
		st, derr := status.New(codes.FailedPrecondition, v.Message).WithDetails(details)
		if derr != nil {
			return status.Error(codes.FailedPrecondition, v.Message)
		}
		return st.Err()
	case errors.Is(err, registry.ErrToolNotRegistered), errors.Is(err, session.ErrSessionNotFound):
		st := status.New(codes.NotFound, err.Error())
		if partial != nil {
			if withDetails, derr := st.WithDetails(&structpb.Struct{Fields: map[string]*structpb.Value{
				"results": resultList(partial),
			}}); derr == nil {
				st = withDetails
			}
		}
		return st.Err()
	default:
		s.logger.Error("toolgate rpc failed", zap.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
}
