// Package api implements the daemon's admin gRPC service, served on a unix
// socket for chatctl.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified admin service name.
const ServiceName = "campuschat.admin.v1.Admin"

const (
	methodGetStatus       = "/" + ServiceName + "/GetStatus"
	methodRunDispatch     = "/" + ServiceName + "/RunDispatch"
	methodListDeadLetters = "/" + ServiceName + "/ListDeadLetters"
)

// AdminServer is the server side of the admin service. Responses are
// loosely typed structs so the service needs no generated code.
type AdminServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RunDispatch(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListDeadLetters(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "RunDispatch", Handler: runDispatchHandler},
		{MethodName: "ListDeadLetters", Handler: listDeadLettersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "campuschat/admin/v1/admin.proto",
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetStatus(ctx, req.(*emptypb.Empty))
	})
}

func runDispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).RunDispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRunDispatch}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).RunDispatch(ctx, req.(*emptypb.Empty))
	})
}

func listDeadLettersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListDeadLetters(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListDeadLetters}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListDeadLetters(ctx, req.(*structpb.Struct))
	})
}
