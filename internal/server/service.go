package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "triage.tool_gate.v1.ToolGateService"

// Method names served by ToolGateService.
const (
	MethodIntercept          = "Intercept"
	MethodReportExecution    = "ReportExecution"
	MethodGetMetrics         = "GetMetrics"
	MethodUpdateConfig       = "UpdateConfig"
	MethodInvalidateCache    = "InvalidateCache"
	MethodSetEmergencyBypass = "SetEmergencyBypass"
)

// FullMethod returns the wire path of a ToolGateService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ToolGateServiceServer is the server API for ToolGateService. Requests and
// responses are google.protobuf.Struct documents.
type ToolGateServiceServer interface {
	Intercept(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvalidateCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetEmergencyBypass(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ToolGateServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(ToolGateServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*structpb.Struct))
		})
	}
}

// ToolGateServiceDesc describes ToolGateService for grpc.Server.RegisterService.
var ToolGateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolGateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodIntercept, Handler: unaryHandler(MethodIntercept, ToolGateServiceServer.Intercept)},
		{MethodName: MethodReportExecution, Handler: unaryHandler(MethodReportExecution, ToolGateServiceServer.ReportExecution)},
		{MethodName: MethodGetMetrics, Handler: unaryHandler(MethodGetMetrics, ToolGateServiceServer.GetMetrics)},
		{MethodName: MethodUpdateConfig, Handler: unaryHandler(MethodUpdateConfig, ToolGateServiceServer.UpdateConfig)},
		{MethodName: MethodInvalidateCache, Handler: unaryHandler(MethodInvalidateCache, ToolGateServiceServer.InvalidateCache)},
		{MethodName: MethodSetEmergencyBypass, Handler: unaryHandler(MethodSetEmergencyBypass, ToolGateServiceServer.SetEmergencyBypass)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tool_gate/v1/tool_gate.proto",
}

// RegisterToolGateServiceServer registers srv on s.
func RegisterToolGateServiceServer(s grpc.ServiceRegistrar, srv ToolGateServiceServer) {
	s.RegisterService(&ToolGateServiceDesc, srv)
}

// Client calls ToolGateService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with in. A nil in sends an empty document.
func (c *Client) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
