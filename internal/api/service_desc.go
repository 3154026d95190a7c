package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// DecisionServiceName is the fully qualified gRPC service name.
const DecisionServiceName = "decisioning.v1.DecisionService"

// Full method names, as seen by interceptors and clients.
const (
	DecideMethod     = "/" + DecisionServiceName + "/Decide"
	ResetQuotaMethod = "/" + DecisionServiceName + "/ResetQuota"
	InvalidateMethod = "/" + DecisionServiceName + "/Invalidate"
)

// DecisionServiceServer is the server API for the decision service. Messages
// are google.protobuf.Struct documents so the payload stays schema free.
type DecisionServiceServer interface {
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetQuota(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Invalidate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDecisionServiceServer registers srv on s.
func RegisterDecisionServiceServer(s grpc.ServiceRegistrar, srv DecisionServiceServer) {
	s.RegisterService(&DecisionServiceDesc, srv)
}

// DecisionServiceDesc describes the decision service for grpc.Server.
var DecisionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionServiceName,
	HandlerType: (*DecisionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: unaryHandler(DecideMethod, DecisionServiceServer.Decide)},
		{MethodName: "ResetQuota", Handler: unaryHandler(ResetQuotaMethod, DecisionServiceServer.ResetQuota)},
		{MethodName: "Invalidate", Handler: unaryHandler(InvalidateMethod, DecisionServiceServer.Invalidate)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "decisioning/v1/decision.proto",
}

type structMethod func(DecisionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler(fullMethod string, method structMethod) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(DecisionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(DecisionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
