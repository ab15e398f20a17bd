package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	reflectionv1alpha "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"
)

// NewGRPCServer creates a gRPC server exposing svc. Messages travel as
// protobuf described by ExecutionSchema, and the server answers both
// versions of the reflection protocol.
func NewGRPCServer(svc ExecutionServer, opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&executionServiceDesc, svc)

	reflectOpts := reflection.ServerOptions{Services: gs, DescriptorResolver: schema.Files}
	reflectionv1.RegisterServerReflectionServer(gs, reflection.NewServerV1(reflectOpts))
	reflectionv1alpha.RegisterServerReflectionServer(gs, reflection.NewServer(reflectOpts))
	return gs
}

var executionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: grpcUnary("Execute", ExecutionServer.Execute)},
		{MethodName: "Upload", Handler: grpcUnary("Upload", ExecutionServer.Upload)},
		{MethodName: "Disassemble", Handler: grpcUnary("Disassemble", ExecutionServer.Disassemble)},
		{MethodName: "List", Handler: grpcUnary("List", ExecutionServer.List)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: SchemaFile,
}

// grpcUnary adapts a service method to a grpc.MethodHandler. Interceptors
// see the decoded service messages, not their protobuf form.
func grpcUnary[Req, Res any](
	method string,
	call func(ExecutionServer, context.Context, *Req) (*Res, error),
) grpc.MethodHandler {
	md := schema.Method(method)
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		wire := dynamic.NewMessage(md.GetInputType())
		if err := dec(wire); err != nil {
			return nil, err
		}
		in := new(Req)
		if err := fromProto(wire, in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		handler := func(ctx context.Context, req any) (any, error) {
			res, err := call(srv.(ExecutionServer), ctx, req.(*Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return res, nil
		}
		var out any
		var err error
		if interceptor == nil {
			out, err = handler(ctx, in)
		} else {
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			out, err = interceptor(ctx, in, info, handler)
		}
		if err != nil {
			return nil, err
		}
		res, err := toProto(out)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return res, nil
	}
}

// toStatus converts a Connect error to a gRPC status. Connect and gRPC
// share the same code numbering.
func toStatus(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return status.Error(codes.Code(ce.Code()), ce.Message())
	}
	return status.Error(codes.Unknown, err.Error())
}

// GRPCClient calls the execution service over gRPC.
type GRPCClient struct {
	cc grpc.ClientConnInterface
}

var _ ExecutionServer = (*GRPCClient)(nil)

// NewGRPCClient wraps a connection. Any server built by NewGRPCServer, or
// anything else speaking ExecutionSchema, can answer it.
func NewGRPCClient(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

func (c *GRPCClient) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	return invoke[ExecuteResponse](ctx, c.cc, "Execute", req)
}

func (c *GRPCClient) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	return invoke[UploadResponse](ctx, c.cc, "Upload", req)
}

func (c *GRPCClient) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	return invoke[DisassembleResponse](ctx, c.cc, "Disassemble", req)
}

func (c *GRPCClient) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return invoke[ListResponse](ctx, c.cc, "List", req)
}

func invoke[Res any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any) (*Res, error) {
	reqMsg, err := toProto(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	respMsg := dynamic.NewMessage(schema.Method(method).GetOutputType())
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, reqMsg, respMsg); err != nil {
		return nil, err
	}
	out := new(Res)
	if err := fromProto(respMsg, out); err != nil {
		return nil, err
	}
	return out, nil
}
