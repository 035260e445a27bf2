// Package rpc serves computations over gRPC. The service is described by
// hand and carried with a JSON codec, so it needs no generated code.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "modelexec.v1.Executor"

type ExecutorServer interface {
	Compile(context.Context, *CompileRequest) (*CompileResponse, error)
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(ExecutorServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExecutorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ExecutorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compile", Handler: unaryHandler("Compile", ExecutorServer.Compile)},
		{MethodName: "Execute", Handler: unaryHandler("Execute", ExecutorServer.Execute)},
		{MethodName: "Release", Handler: unaryHandler("Release", ExecutorServer.Release)},
	},
	Metadata: "modelexec/v1/executor",
}

func RegisterExecutorServer(s grpc.ServiceRegistrar, srv ExecutorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls a remote executor.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) Compile(ctx context.Context, in *CompileRequest, opts ...grpc.CallOption) (*CompileResponse, error) {
	out := new(CompileResponse)
	if err := c.invoke(ctx, "Compile", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Execute(ctx context.Context, in *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error) {
	out := new(ExecuteResponse)
	if err := c.invoke(ctx, "Execute", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	if err := c.invoke(ctx, "Release", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
