package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "voxq.worker.v1.Coordinator"

const (
	methodRegister   = "Register"
	methodHeartbeat  = "Heartbeat"
	methodPull       = "Pull"
	methodRenewLease = "RenewLease"
	methodReport     = "Report"
)

// CoordinatorServer is implemented by the coordinator side of the protocol.
type CoordinatorServer interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	Pull(ctx context.Context, req *PullRequest) (*PullResponse, error)
	RenewLease(ctx context.Context, req *RenewLeaseRequest) (*RenewLeaseResponse, error)
	Report(ctx context.Context, req *ReportRequest) (*ReportResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodRegister, Handler: unaryHandler(methodRegister, CoordinatorServer.Register)},
		{MethodName: methodHeartbeat, Handler: unaryHandler(methodHeartbeat, CoordinatorServer.Heartbeat)},
		{MethodName: methodPull, Handler: unaryHandler(methodPull, CoordinatorServer.Pull)},
		{MethodName: methodRenewLease, Handler: unaryHandler(methodRenewLease, CoordinatorServer.RenewLease)},
		{MethodName: methodReport, Handler: unaryHandler(methodReport, CoordinatorServer.Report)},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler[Req, Resp any](
	method string,
	call func(CoordinatorServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, raw any) (any, error) {
			req := new(Req)
			if err := Decode(raw.(*structpb.Struct), req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			resp, err := call(srv.(CoordinatorServer), ctx, req)
			if err != nil {
				return nil, err
			}
			out, err := Encode(resp)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return out, nil
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, handle)
	}
}

// CoordinatorClient is the worker side of the protocol.
type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

func (c *CoordinatorClient) Register(ctx context.Context, req *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	return invoke[RegisterResponse](ctx, c.cc, methodRegister, req, opts...)
}

func (c *CoordinatorClient) Heartbeat(ctx context.Context, req *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, methodHeartbeat, req, opts...)
}

func (c *CoordinatorClient) Pull(ctx context.Context, req *PullRequest, opts ...grpc.CallOption) (*PullResponse, error) {
	return invoke[PullResponse](ctx, c.cc, methodPull, req, opts...)
}

func (c *CoordinatorClient) RenewLease(ctx context.Context, req *RenewLeaseRequest, opts ...grpc.CallOption) (*RenewLeaseResponse, error) {
	return invoke[RenewLeaseResponse](ctx, c.cc, methodRenewLease, req, opts...)
}

func (c *CoordinatorClient) Report(ctx context.Context, req *ReportRequest, opts ...grpc.CallOption) (*ReportResponse, error) {
	return invoke[ReportResponse](ctx, c.cc, methodReport, req, opts...)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
