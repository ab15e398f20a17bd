package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

// NewConnectHandler builds the Connect handler for svc. It returns the
// path prefix to mount it on, as generated Connect handlers do.
func NewConnectHandler(svc ExecutionServer, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)

	execute := connect.NewUnaryHandler(ExecuteProcedure, unary(svc.Execute), opts...)
	upload := connect.NewUnaryHandler(UploadProcedure, unary(svc.Upload), opts...)
	disassemble := connect.NewUnaryHandler(DisassembleProcedure, unary(svc.Disassemble), opts...)
	list := connect.NewUnaryHandler(ListProcedure, unary(svc.List), opts...)

	return "/" + ServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case ExecuteProcedure:
			execute.ServeHTTP(w, r)
		case UploadProcedure:
			upload.ServeHTTP(w, r)
		case DisassembleProcedure:
			disassemble.ServeHTTP(w, r)
		case ListProcedure:
			list.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(res), nil
	}
}

// Client calls the execution service over Connect.
type Client struct {
	execute     *connect.Client[ExecuteRequest, ExecuteResponse]
	upload      *connect.Client[UploadRequest, UploadResponse]
	disassemble *connect.Client[DisassembleRequest, DisassembleResponse]
	list        *connect.Client[ListRequest, ListResponse]
}

var _ ExecutionServer = (*Client)(nil)

// NewClient creates a Connect client for the service at baseURL, for
// example "http://localhost:8080".
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &Client{
		execute:     connect.NewClient[ExecuteRequest, ExecuteResponse](httpClient, baseURL+ExecuteProcedure, opts...),
		upload:      connect.NewClient[UploadRequest, UploadResponse](httpClient, baseURL+UploadProcedure, opts...),
		disassemble: connect.NewClient[DisassembleRequest, DisassembleResponse](httpClient, baseURL+DisassembleProcedure, opts...),
		list:        connect.NewClient[ListRequest, ListResponse](httpClient, baseURL+ListProcedure, opts...),
	}
}

func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	return call(ctx, c.execute, req)
}

func (c *Client) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	return call(ctx, c.upload, req)
}

func (c *Client) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	return call(ctx, c.disassemble, req)
}

func (c *Client) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return call(ctx, c.list, req)
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	res, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
