package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/store"
	"github.com/chazu/stackvm/vm"
)

var log = commonlog.GetLogger("stackvm.server")

// ExecutionServer is the transport-independent execution service. Errors
// returned by its methods are *connect.Error values; the gRPC transport
// maps their codes onto gRPC status codes.
type ExecutionServer interface {
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Upload(context.Context, *UploadRequest) (*UploadResponse, error)
	Disassemble(context.Context, *DisassembleRequest) (*DisassembleResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

// DefaultMaxOutput is how many bytes of output, and separately of trace, a
// run keeps unless configured otherwise.
const DefaultMaxOutput = 1 << 20

// Service runs programs on fresh VMs and keeps uploaded programs in a store.
type Service struct {
	store     store.Store
	limits    vm.Limits
	pool      *Pool
	maxOutput int
}

var _ ExecutionServer = (*Service)(nil)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithOutputLimit caps the bytes kept of each run's output and of its trace.
// Anything beyond is dropped and the response is marked truncated.
func WithOutputLimit(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxOutput = n
		}
	}
}

// NewService creates a Service. Every run is bounded by limits and
// executes on pool.
func NewService(st store.Store, limits vm.Limits, pool *Pool, opts ...ServiceOption) *Service {
	s := &Service{store: st, limits: limits, pool: pool, maxOutput: DefaultMaxOutput}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs the referenced program to halt or fault.
func (s *Service) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	prog, _, err := s.resolve(req.ProgramRef)
	if err != nil {
		return nil, err
	}
	if err := s.admit(prog); err != nil {
		return nil, err
	}

	limits := s.limits
	if req.MaxSteps > 0 && (limits.MaxSteps == 0 || req.MaxSteps < limits.MaxSteps) {
		limits.MaxSteps = req.MaxSteps
	}

	out := &cappedBuffer{max: s.maxOutput}
	trace := &cappedBuffer{max: s.maxOutput}
	resp := &ExecuteResponse{RunID: uuid.NewString()}

	var (
		machine *vm.VM
		runErr  error
	)
	err = s.pool.Do(ctx, func() {
		machine = vm.New(prog,
			vm.WithOutput(out),
			vm.WithTraceOutput(trace),
			vm.WithTrace(req.Trace),
			vm.WithLimits(limits),
		)
		runErr = machine.ExecuteContext(ctx)
	})
	if err != nil {
		return nil, contextError(err)
	}
	if fault, ok := vm.AsFault(runErr); ok {
		resp.Fault = &FaultInfo{Kind: fault.Kind.String(), PC: fault.PC, Message: fault.Error()}
	} else if runErr != nil {
		log.Infof("run %s: cancelled after %d steps", resp.RunID, machine.Steps())
		return nil, contextError(runErr)
	}

	resp.Halted = machine.State() == vm.StateHalted
	resp.Output = out.String()
	resp.OutputTruncated = out.truncated
	resp.Trace = trace.String()
	resp.TraceTruncated = trace.truncated
	resp.Globals = machine.Globals()
	resp.Stack = machine.Stack()
	resp.Steps = machine.Steps()

	if resp.Fault != nil {
		log.Infof("run %s: %s after %d steps", resp.RunID, resp.Fault.Kind, resp.Steps)
	} else {
		log.Infof("run %s: halted after %d steps", resp.RunID, resp.Steps)
	}
	return resp, nil
}

// Upload validates and stores a program.
func (s *Service) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	if req.Program == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("program is required"))
	}
	if err := s.admit(req.Program); err != nil {
		return nil, err
	}
	h, err := s.store.Put(req.Name, req.Program)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	log.Infof("stored %s as %q", h, req.Name)
	return &UploadResponse{Hash: h.String()}, nil
}

// Disassemble renders the referenced program as a listing.
func (s *Service) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	prog, name, err := s.resolve(req.ProgramRef)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return &DisassembleResponse{Listing: prog.Disassemble()}, nil
	}
	return &DisassembleResponse{Listing: prog.DisassembleWithName(name)}, nil
}

// List returns the stored programs.
func (s *Service) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	entries, err := s.store.List()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	resp := &ListResponse{Programs: make([]ProgramInfo, 0, len(entries))}
	for _, e := range entries {
		resp.Programs = append(resp.Programs, ProgramInfo{
			Name:    e.Name,
			Hash:    e.Hash.String(),
			Size:    e.Size,
			Created: e.Created.Unix(),
		})
	}
	return resp, nil
}

// admit rejects programs that are malformed or declare more memory than
// a run may allocate.
func (s *Service) admit(prog *bytecode.Program) error {
	if err := prog.Validate(); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := s.limits.Check(prog); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return nil
}

// resolve returns the referenced program and its name, if it has one.
func (s *Service) resolve(ref ProgramRef) (*bytecode.Program, string, error) {
	switch {
	case ref.Program != nil:
		return ref.Program, ref.Name, nil
	case ref.Hash != "":
		h, err := store.ParseHash(ref.Hash)
		if err != nil {
			return nil, "", connect.NewError(connect.CodeInvalidArgument, err)
		}
		prog, err := s.store.Get(h)
		if err != nil {
			return nil, "", storeError(err)
		}
		return prog, ref.Name, nil
	case ref.Name != "":
		h, err := s.store.Lookup(ref.Name)
		if err != nil {
			return nil, "", storeError(err)
		}
		prog, err := s.store.Get(h)
		if err != nil {
			return nil, "", storeError(err)
		}
		return prog, ref.Name, nil
	default:
		return nil, "", connect.NewError(connect.CodeInvalidArgument, errors.New("program, hash or name is required"))
	}
}

func storeError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return connect.NewError(connect.CodeNotFound, err)
	}
	return connect.NewError(connect.CodeInternal, fmt.Errorf("loading program: %w", err))
}

func contextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, ErrPoolStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// cappedBuffer keeps the first max bytes written to it and drops the rest.
// Writes never fail, so the VM keeps running after the cap is reached.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if len(p) > room {
		b.buf.Write(p[:max(room, 0)])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
