// Package server exposes the VM as an execution service. The same service
// is served over Connect (HTTP, CBOR codec) and gRPC (protobuf, with reflection).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/grpc"

	"github.com/chazu/stackvm/manifest"
	"github.com/chazu/stackvm/pkg/progfile"
	"github.com/chazu/stackvm/store"
	"github.com/chazu/stackvm/vm"
)

// Server hosts the execution service on an HTTP mux and a gRPC server.
type Server struct {
	svc   *Service
	store store.Store
	pool  *Pool
	mux   *http.ServeMux

	httpServer *http.Server
	grpcServer *grpc.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	store     store.Store
	limits    vm.Limits
	workers   int
	maxOutput int
}

// WithStore sets the program store. Without it an in-memory store is used.
func WithStore(st store.Store) ServerOption {
	return func(c *serverConfig) { c.store = st }
}

// WithLimits sets the limits applied to every run.
func WithLimits(l vm.Limits) ServerOption {
	return func(c *serverConfig) { c.limits = l }
}

// WithWorkers sets how many runs may execute at once.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// WithMaxOutput caps the bytes kept of each run's output and of its trace.
func WithMaxOutput(n int) ServerOption {
	return func(c *serverConfig) { c.maxOutput = n }
}

// New creates a Server.
func New(opts ...ServerOption) *Server {
	cfg := &serverConfig{
		limits: manifest.Default().ServerLimits(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		cfg.store = store.NewMemory()
	}

	pool := NewPool(cfg.workers)
	svc := NewService(cfg.store, cfg.limits, pool, WithOutputLimit(cfg.maxOutput))
	s := &Server{
		svc:   svc,
		store: cfg.store,
		pool:  pool,
		mux:   http.NewServeMux(),

		grpcServer: NewGRPCServer(svc),
	}

	path, handler := NewConnectHandler(svc)
	s.mux.Handle(path, handler)

	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	s.httpServer = &http.Server{Handler: s.mux, Protocols: protocols}
	return s
}

// Service returns the service implementation behind both transports.
func (s *Server) Service() *Service {
	return s.svc
}

// Handler returns the Connect HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Preload stores the given program files under their names.
func (s *Server) Preload(progs []manifest.Program) error {
	for _, p := range progs {
		prog, err := progfile.Load(p.Path)
		if err != nil {
			return fmt.Errorf("preloading %s: %w", p.Name, err)
		}
		if err := s.svc.admit(prog); err != nil {
			return fmt.Errorf("preloading %s: %w", p.Name, err)
		}
		h, err := s.store.Put(p.Name, prog)
		if err != nil {
			return fmt.Errorf("preloading %s: %w", p.Name, err)
		}
		log.Infof("preloaded %s (%s)", p.Name, h)
	}
	return nil
}

// ListenAndServe serves Connect on addr and, when grpcAddr is not empty,
// gRPC on grpcAddr.
func (s *Server) ListenAndServe(addr, grpcAddr string) error {
	httpLis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	var grpcLis net.Listener
	if grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			httpLis.Close()
			return err
		}
	}

	fmt.Printf("stackvm execution service listening on %s\n", httpLis.Addr())
	fmt.Printf("  Connect (HTTP/CBOR): http://%s%s\n", httpLis.Addr(), ExecuteProcedure)
	if grpcLis != nil {
		fmt.Printf("  gRPC (protobuf):     grpc://%s\n", grpcLis.Addr())
	}
	return s.Serve(httpLis, grpcLis)
}

// Serve serves Connect on httpLis and gRPC on grpcLis until Stop is called
// or either server fails. grpcLis may be nil.
func (s *Server) Serve(httpLis, grpcLis net.Listener) error {
	errc := make(chan error, 2)
	go func() { errc <- s.httpServer.Serve(httpLis) }()
	if grpcLis != nil {
		go func() { errc <- s.grpcServer.Serve(grpcLis) }()
	}

	err := <-errc
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop shuts down both transports and waits for running programs.
func (s *Server) Stop() {
	s.httpServer.Shutdown(context.Background())
	s.grpcServer.GracefulStop()
	s.pool.Stop()
}
