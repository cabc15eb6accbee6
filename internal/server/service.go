package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "toolgate.v1.ToolGateService"

// Method names.
const (
	MethodExecute         = "Execute"
	MethodExecuteSequence = "ExecuteSequence"
	MethodCanExecute      = "CanExecute"
	MethodRecords         = "Records"
	MethodReset           = "Reset"
)

// TrailerMissingDependencies carries a violation's missing list as metadata.
const TrailerMissingDependencies = "missing_dependencies"

// ToolGateServiceServer is the server API. Requests and responses are
// google.protobuf.Struct messages so that tool arguments and results can be
// passed through without a generated schema per tool.
type ToolGateServiceServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ExecuteSequence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CanExecute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Records(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv ToolGateServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ToolGateServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ToolGateServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes ToolGateService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolGateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodExecute, Handler: unaryHandler(MethodExecute, ToolGateServiceServer.Execute)},
		{MethodName: MethodExecuteSequence, Handler: unaryHandler(MethodExecuteSequence, ToolGateServiceServer.ExecuteSequence)},
		{MethodName: MethodCanExecute, Handler: unaryHandler(MethodCanExecute, ToolGateServiceServer.CanExecute)},
		{MethodName: MethodRecords, Handler: unaryHandler(MethodRecords, ToolGateServiceServer.Records)},
		{MethodName: MethodReset, Handler: unaryHandler(MethodReset, ToolGateServiceServer.Reset)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterToolGateServiceServer registers srv on s.
func RegisterToolGateServiceServer(s grpc.ServiceRegistrar, srv ToolGateServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ToolGateClient is the client API for ToolGateService.
type ToolGateClient struct {
	cc grpc.ClientConnInterface
}

// NewToolGateClient creates a client over cc.
func NewToolGateClient(cc grpc.ClientConnInterface) *ToolGateClient {
	return &ToolGateClient{cc: cc}
}

func (c *ToolGateClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ToolGateClient) Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodExecute, in, opts...)
}

func (c *ToolGateClient) ExecuteSequence(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodExecuteSequence, in, opts...)
}

func (c *ToolGateClient) CanExecute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodCanExecute, in, opts...)
}

func (c *ToolGateClient) Records(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRecords, in, opts...)
}

func (c *ToolGateClient) Reset(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodReset, in, opts...)
}
