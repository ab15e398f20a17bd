package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/pkg/bytecode"
)

var log = commonlog.GetLogger("stackvm.vm")

// Word is the machine word shared with the bytecode package.
type Word = bytecode.Word

// Default resource limits.
const (
	// DefaultMaxStackDepth bounds the operand stack to prevent OOM.
	DefaultMaxStackDepth = 1024 * 1024

	// DefaultMaxCallDepth bounds recursion.
	DefaultMaxCallDepth = 4096

	// DefaultMaxGlobals bounds the global memory a program may declare.
	DefaultMaxGlobals = 1024 * 1024

	// DefaultMaxLocals bounds the locals of a single frame.
	DefaultMaxLocals = 64 * 1024
)

// Limits configures the resource guards of a VM. Zero values select the
// defaults; MaxSteps of zero means no step budget.
type Limits struct {
	MaxStackDepth int
	MaxCallDepth  int
	MaxGlobals    int // global slots a program may declare
	MaxLocals     int // locals of one frame, top level included
	MaxSteps      uint64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxStackDepth: DefaultMaxStackDepth,
		MaxCallDepth:  DefaultMaxCallDepth,
		MaxGlobals:    DefaultMaxGlobals,
		MaxLocals:     DefaultMaxLocals,
	}
}

func (l Limits) normalized() Limits {
	if l.MaxStackDepth <= 0 {
		l.MaxStackDepth = DefaultMaxStackDepth
	}
	if l.MaxCallDepth <= 0 {
		l.MaxCallDepth = DefaultMaxCallDepth
	}
	if l.MaxGlobals <= 0 {
		l.MaxGlobals = DefaultMaxGlobals
	}
	if l.MaxLocals <= 0 {
		l.MaxLocals = DefaultMaxLocals
	}
	return l
}

// ErrProgramTooLarge is returned by Limits.Check for programs declaring more
// memory than the limits allow.
var ErrProgramTooLarge = errors.New("vm: program exceeds memory limits")

// Check reports whether prog's declared memory fits the limits: the global
// count, the top-level locals and the locals of every function. Zero limits
// are checked against the defaults.
func (l Limits) Check(prog *bytecode.Program) error {
	l = l.normalized()
	if prog.GlobalCount > l.MaxGlobals {
		return fmt.Errorf("%w: %d globals, limit %d", ErrProgramTooLarge, prog.GlobalCount, l.MaxGlobals)
	}
	if prog.MainLocals > l.MaxLocals {
		return fmt.Errorf("%w: %d top-level locals, limit %d", ErrProgramTooLarge, prog.MainLocals, l.MaxLocals)
	}
	for i, fn := range prog.Functions {
		if fn.LocalCount > l.MaxLocals {
			return fmt.Errorf("%w: function %d (%s) has %d locals, limit %d",
				ErrProgramTooLarge, i, fn.Name, fn.LocalCount, l.MaxLocals)
		}
	}
	return nil
}

// State is the execution state of a VM.
type State uint8

const (
	StateRunning State = iota
	StateHalted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateHalted:
		return "Halted"
	case StateFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// ---------------------------------------------------------------------------
// VM: fetch-decode-execute engine
// ---------------------------------------------------------------------------

// VM executes one Program. A VM is owned by a single goroutine; run
// independent programs on independent VMs.
type VM struct {
	prog *bytecode.Program
	code []Word

	pc      int
	stack   []Word
	globals []Word
	root    Frame // implicit top-level frame, never on the call stack
	frames  callStack

	state State
	fault *Fault
	steps uint64

	limits   Limits
	trace    bool
	out      io.Writer
	traceOut io.Writer
	profiler *Profiler
}

// Option configures a VM.
type Option func(*VM)

// WithOutput sets the writer used by print and fprint (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}

// WithTraceOutput sets the writer receiving trace lines (default os.Stderr).
func WithTraceOutput(w io.Writer) Option {
	return func(vm *VM) { vm.traceOut = w }
}

// WithTrace enables or disables tracing from the first instruction.
func WithTrace(on bool) Option {
	return func(vm *VM) { vm.trace = on }
}

// WithLimits sets the resource limits.
func WithLimits(l Limits) Option {
	return func(vm *VM) { vm.limits = l.normalized() }
}

// WithMaxSteps sets the step budget, keeping the other limits.
func WithMaxSteps(n uint64) Option {
	return func(vm *VM) { vm.limits.MaxSteps = n }
}

// New creates a VM ready to execute prog from prog.Entry. The program is
// not validated here; use Program.Validate to reject malformed images
// before running them.
func New(prog *bytecode.Program, opts ...Option) *VM {
	vm := &VM{
		prog:     prog,
		code:     prog.Code,
		limits:   DefaultLimits(),
		out:      os.Stdout,
		traceOut: os.Stderr,
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.Reset()
	return vm
}

// Reset restores the initial state so the program can run again. A program
// declaring more globals or top-level locals than the limits allow leaves the
// VM faulted with StackOverflow before any memory is allocated.
func (vm *VM) Reset() {
	vm.pc = vm.prog.Entry
	vm.stack = make([]Word, 0, 64)
	vm.frames.reset()
	vm.state = StateRunning
	vm.fault = nil
	vm.steps = 0

	switch {
	case vm.prog.GlobalCount > vm.limits.MaxGlobals:
		vm.globals, vm.root = nil, Frame{Function: -1}
		vm.raise(FaultStackOverflow, vm.pc, bytecode.OpInvalid, "%d globals, limit %d", vm.prog.GlobalCount, vm.limits.MaxGlobals)
	case vm.prog.MainLocals > vm.limits.MaxLocals:
		vm.globals, vm.root = nil, Frame{Function: -1}
		vm.raise(FaultStackOverflow, vm.pc, bytecode.OpInvalid, "%d top-level locals, limit %d", vm.prog.MainLocals, vm.limits.MaxLocals)
	default:
		vm.globals = make([]Word, max(vm.prog.GlobalCount, 0))
		vm.root = Frame{Function: -1, Locals: make([]Word, max(vm.prog.MainLocals, 0))}
	}
}

// SetTrace toggles the trace facility. Safe to call at any point.
func (vm *VM) SetTrace(on bool) {
	vm.trace = on
}

// Tracing reports whether the trace facility is enabled.
func (vm *VM) Tracing() bool {
	return vm.trace
}

// SetOutput sets the writer used by print and fprint.
func (vm *VM) SetOutput(w io.Writer) {
	vm.out = w
}

// SetTraceOutput sets the writer receiving trace lines.
func (vm *VM) SetTraceOutput(w io.Writer) {
	vm.traceOut = w
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Program returns the program being executed.
func (vm *VM) Program() *bytecode.Program {
	return vm.prog
}

// State returns the current execution state.
func (vm *VM) State() State {
	return vm.state
}

// Fault returns the fault that stopped execution, or nil.
func (vm *VM) Fault() *Fault {
	return vm.fault
}

// PC returns the program counter.
func (vm *VM) PC() int {
	return vm.pc
}

// Steps returns the number of instructions executed.
func (vm *VM) Steps() uint64 {
	return vm.steps
}

// CallDepth returns the number of active frames, excluding the top-level
// frame.
func (vm *VM) CallDepth() int {
	return vm.frames.len()
}

// Globals returns a copy of global memory.
func (vm *VM) Globals() []Word {
	return append([]Word(nil), vm.globals...)
}

// Stack returns a copy of the operand stack, bottom first.
func (vm *VM) Stack() []Word {
	return append([]Word(nil), vm.stack...)
}

// Locals returns a copy of the current frame's locals.
func (vm *VM) Locals() []Word {
	return append([]Word(nil), vm.currentFrame().Locals...)
}

// Limits returns the configured resource limits.
func (vm *VM) Limits() Limits {
	return vm.limits
}

// DumpDataMemory renders global memory, one slot per line.
func (vm *VM) DumpDataMemory() string {
	var sb strings.Builder
	sb.WriteString("Data memory:\n")
	for i, w := range vm.globals {
		sb.WriteString(fmt.Sprintf("%04d: %d\n", i, w))
	}
	return sb.String()
}

// currentFrame returns the frame addressed by load/store.
func (vm *VM) currentFrame() *Frame {
	if f := vm.frames.top(); f != nil {
		return f
	}
	return &vm.root
}

// functionName returns a display name for a frame's function index.
func (vm *VM) functionName(index int) string {
	if f, ok := vm.prog.Function(index); ok {
		return f.Name
	}
	return "main"
}
