package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/vm"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New(WithLimits(vm.Limits{MaxSteps: testBudget}), WithWorkers(2))
	t.Cleanup(srv.Stop)
	return srv
}

// exerciseService runs the same conversation against any transport.
func exerciseService(t *testing.T, c ExecutionServer) {
	t.Helper()
	ctx := bg()

	up, err := c.Upload(ctx, &UploadRequest{Name: "funcptr-arg", Program: bytecode.FuncPtrArgProgram()})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	resp, err := c.Execute(ctx, &ExecuteRequest{ProgramRef: ProgramRef{Hash: up.Hash}, Trace: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.Halted || resp.Output != "20\n" || resp.Trace == "" {
		t.Errorf("Execute = %+v", resp)
	}

	resp, err = c.Execute(ctx, &ExecuteRequest{ProgramRef: ProgramRef{Program: bytecode.LoopProgram()}})
	if err != nil {
		t.Fatalf("Execute(inline): %v", err)
	}
	if !reflect.DeepEqual(resp.Globals, []bytecode.Word{10, 10}) {
		t.Errorf("Globals = %v", resp.Globals)
	}

	resp, err = c.Execute(ctx, &ExecuteRequest{ProgramRef: ProgramRef{Program: spinProgram()}, MaxSteps: 50})
	if err != nil {
		t.Fatalf("Execute(spin): %v", err)
	}
	if resp.Fault == nil || resp.Fault.Kind != "StepLimitExceeded" || resp.Steps != 50 {
		t.Errorf("Execute(spin) = %+v, fault %+v", resp, resp.Fault)
	}

	dis, err := c.Disassemble(ctx, &DisassembleRequest{ProgramRef{Name: "funcptr-arg"}})
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if dis.Listing != bytecode.FuncPtrArgProgram().DisassembleWithName("funcptr-arg") {
		t.Errorf("Listing =\n%s", dis.Listing)
	}

	list, err := c.List(ctx, &ListRequest{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Programs) != 1 || list.Programs[0].Hash != up.Hash {
		t.Errorf("List = %+v", list.Programs)
	}
}

func TestConnectTransport(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL)
	exerciseService(t, c)

	_, err := c.Execute(bg(), &ExecuteRequest{ProgramRef: ProgramRef{Name: "nope"}})
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("Execute(unknown) = %v, want not_found", err)
	}
	_, err = c.Upload(bg(), &UploadRequest{Name: "bad"})
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("Upload(nil) = %v, want invalid_argument", err)
	}
}

func TestConnectUnknownProcedure(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/"+ServiceName+"/Nope", "application/cbor", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func dialBufconn(t *testing.T, gs *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCTransport(t *testing.T) {
	srv := newTestServer(t)
	conn := dialBufconn(t, NewGRPCServer(srv.Service()))

	c := NewGRPCClient(conn)
	exerciseService(t, c)

	_, err := c.Execute(bg(), &ExecuteRequest{ProgramRef: ProgramRef{Name: "nope"}})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Execute(unknown) = %v, want NotFound", err)
	}
	_, err = c.Execute(bg(), &ExecuteRequest{ProgramRef: ProgramRef{Hash: "zz"}})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Execute(bad hash) = %v, want InvalidArgument", err)
	}
}

func TestGRPCRejectsOversizedPrograms(t *testing.T) {
	srv := newTestServer(t)
	c := NewGRPCClient(dialBufconn(t, NewGRPCServer(srv.Service())))

	_, err := c.Execute(bg(), &ExecuteRequest{ProgramRef: inline(hugeGlobalsProgram())})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Execute(huge globals) = %v, want InvalidArgument", err)
	}
	_, err = c.Upload(bg(), &UploadRequest{Name: "huge", Program: hugeLocalsProgram()})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Upload(huge locals) = %v, want InvalidArgument", err)
	}
}

// A client that knows nothing but the service name can discover the schema
// through reflection and call the service with dynamic messages.
func TestGRPCReflection(t *testing.T) {
	srv := newTestServer(t)
	conn := dialBufconn(t, NewGRPCServer(srv.Service()))

	refClient := grpcreflect.NewClientV1Alpha(bg(), rpb.NewServerReflectionClient(conn))
	defer refClient.Reset()

	services, err := refClient.ListServices()
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	found := false
	for _, name := range services {
		found = found || name == ServiceName
	}
	if !found {
		t.Fatalf("ListServices = %v, missing %s", services, ServiceName)
	}

	sd, err := refClient.ResolveService(ServiceName)
	if err != nil {
		t.Fatalf("ResolveService: %v", err)
	}
	md := sd.FindMethodByName("Execute")
	if md == nil {
		t.Fatal("Execute method not advertised")
	}
	if got := md.GetInputType().GetFullyQualifiedName(); got != "stackvm.v1.ExecuteRequest" {
		t.Errorf("input type = %s", got)
	}
	if got := md.GetOutputType().GetFullyQualifiedName(); got != "stackvm.v1.ExecuteResponse" {
		t.Errorf("output type = %s", got)
	}

	progMsg := dynamic.NewMessage(md.GetInputType().FindFieldByName("program").GetMessageType())
	if err := progMsg.TrySetFieldByName("code", wordList(bytecode.HelloProgram().Code)); err != nil {
		t.Fatalf("set code: %v", err)
	}
	reqMsg := dynamic.NewMessage(md.GetInputType())
	if err := reqMsg.TrySetFieldByName("program", progMsg); err != nil {
		t.Fatalf("set program: %v", err)
	}
	respMsg := dynamic.NewMessage(md.GetOutputType())
	if err := conn.Invoke(bg(), ExecuteProcedure, reqMsg, respMsg); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out := respMsg.GetFieldByName("output"); out != "3\n" {
		t.Errorf("output = %q", out)
	}
	if halted := respMsg.GetFieldByName("halted"); halted != true {
		t.Errorf("halted = %v", halted)
	}
}

func TestGRPCReflectionV1(t *testing.T) {
	srv := newTestServer(t)
	conn := dialBufconn(t, NewGRPCServer(srv.Service()))

	stream, err := reflectionv1.NewServerReflectionClient(conn).ServerReflectionInfo(bg())
	if err != nil {
		t.Fatalf("ServerReflectionInfo: %v", err)
	}
	err = stream.Send(&reflectionv1.ServerReflectionRequest{
		MessageRequest: &reflectionv1.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: ServiceName},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	files := resp.GetFileDescriptorResponse().GetFileDescriptorProto()
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1 (error %v)", len(files), resp.GetErrorResponse())
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
}

func TestGRPCInterceptorSeesMethod(t *testing.T) {
	srv := newTestServer(t)
	var seen []string
	gs := NewGRPCServer(srv.Service(), grpc.UnaryInterceptor(
		func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			seen = append(seen, info.FullMethod)
			return handler(ctx, req)
		}))
	c := NewGRPCClient(dialBufconn(t, gs))

	if _, err := c.Execute(bg(), &ExecuteRequest{ProgramRef: ProgramRef{Program: bytecode.HelloProgram()}}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(seen, []string{ExecuteProcedure}) {
		t.Errorf("interceptor saw %v", seen)
	}
	if _, err := c.List(bg(), &ListRequest{}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(seen) != 2 || seen[1] != ListProcedure {
		t.Errorf("interceptor saw %v", seen)
	}
}

func TestServeAndStop(t *testing.T) {
	srv := New(WithWorkers(1))
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(httpLis, grpcLis) }()

	c := NewClient(http.DefaultClient, "http://"+httpLis.Addr().String())
	resp, err := c.Execute(bg(), &ExecuteRequest{ProgramRef: ProgramRef{Program: bytecode.HelloProgram()}})
	if err != nil {
		t.Fatalf("Execute over HTTP: %v", err)
	}
	if resp.Output != "3\n" {
		t.Errorf("Output = %q", resp.Output)
	}

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	gresp, err := NewGRPCClient(conn).Execute(bg(), &ExecuteRequest{ProgramRef: ProgramRef{Program: bytecode.HelloProgram()}})
	if err != nil {
		t.Fatalf("Execute over gRPC: %v", err)
	}
	if gresp.Output != "3\n" {
		t.Errorf("gRPC Output = %q", gresp.Output)
	}

	srv.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v after Stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestCodecRoundTripKeepsEmbeddedRef(t *testing.T) {
	in := &ExecuteRequest{
		ProgramRef: ProgramRef{Program: bytecode.FuncPtrProgram(), Name: "funcptr"},
		Trace:      true,
		MaxSteps:   7,
	}
	data, err := Codec{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out ExecuteRequest
	if err := (Codec{}).Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(&out, in) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
	if (Codec{}).Name() != "cbor" {
		t.Errorf("Name() = %q", Codec{}.Name())
	}
}
