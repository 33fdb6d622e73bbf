package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "tunsv.Supervisor"

const (
	MethodPing     = "Ping"
	MethodStart    = "Start"
	MethodStop     = "Stop"
	MethodStatus   = "Status"
	MethodTailLogs = "TailLogs"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// SupervisorServer is the server side of tunsv.Supervisor. Requests and
// replies are protobuf well-known types, so no generated code is needed.
type SupervisorServer interface {
	Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Start(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TailLogs(context.Context, *wrapperspb.Int32Value) (*wrapperspb.StringValue, error)
}

var supervisorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SupervisorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodPing, Handler: unaryHandler(MethodPing, SupervisorServer.Ping)},
		{MethodName: MethodStart, Handler: unaryHandler(MethodStart, SupervisorServer.Start)},
		{MethodName: MethodStop, Handler: unaryHandler(MethodStop, SupervisorServer.Stop)},
		{MethodName: MethodStatus, Handler: unaryHandler(MethodStatus, SupervisorServer.Status)},
		{MethodName: MethodTailLogs, Handler: unaryHandler(MethodTailLogs, SupervisorServer.TailLogs)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterSupervisorServer attaches srv to s under tunsv.Supervisor.
func RegisterSupervisorServer(s grpc.ServiceRegistrar, srv SupervisorServer) {
	s.RegisterService(&supervisorServiceDesc, srv)
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler[Req, Resp any](method string, call func(SupervisorServer, context.Context, *Req) (Resp, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(SupervisorServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}
