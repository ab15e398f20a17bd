package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/stackvm/pkg/bytecode"
)

// DefaultHotThreshold is the invocation count at which a function is
// reported as hot.
const DefaultHotThreshold = 100

// FunctionProfile holds profiling data for a single function.
type FunctionProfile struct {
	Invocations atomic.Uint64
	hot         atomic.Bool
}

// IsHot reports whether the function crossed the hot threshold.
func (fp *FunctionProfile) IsHot() bool {
	return fp.hot.Load()
}

// Profiler counts executed instructions per opcode and invocations per
// function. One Profiler may be attached to several VMs at once.
type Profiler struct {
	ops   []atomic.Uint64 // indexed by opcode
	funcs sync.Map        // function index -> *FunctionProfile

	// HotThreshold is the invocation count that marks a function hot.
	HotThreshold uint64

	// OnHot, when set, is called once per function as it becomes hot.
	OnHot func(index int, profile *FunctionProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{
		ops:          make([]atomic.Uint64, bytecode.OpcodeCount()+1),
		HotThreshold: DefaultHotThreshold,
	}
}

// WithProfiler attaches a profiler to the VM.
func WithProfiler(p *Profiler) Option {
	return func(vm *VM) { vm.profiler = p }
}

// RecordInstruction counts one dispatched instruction.
func (p *Profiler) RecordInstruction(op bytecode.Opcode) {
	if int(op) > 0 && int(op) < len(p.ops) {
		p.ops[op].Add(1)
	}
}

// RecordCall counts one invocation of function index. Returns true if this
// invocation made the function hot.
func (p *Profiler) RecordCall(index int) bool {
	v, _ := p.funcs.LoadOrStore(index, &FunctionProfile{})
	profile := v.(*FunctionProfile)

	count := profile.Invocations.Add(1)
	if count < p.HotThreshold || !profile.hot.CompareAndSwap(false, true) {
		return false
	}
	p.hotCount.Add(1)
	if p.OnHot != nil {
		p.OnHot(index, profile)
	}
	return true
}

// Function returns the profile for a function index, or nil if it was
// never called.
func (p *Profiler) Function(index int) *FunctionProfile {
	if v, ok := p.funcs.Load(index); ok {
		return v.(*FunctionProfile)
	}
	return nil
}

// Instructions returns how often op was executed.
func (p *Profiler) Instructions(op bytecode.Opcode) uint64 {
	if int(op) > 0 && int(op) < len(p.ops) {
		return p.ops[op].Load()
	}
	return 0
}

// ProfilerStats contains aggregate profiling statistics.
type ProfilerStats struct {
	Instructions uint64 // Total instructions executed
	Calls        uint64 // Total function invocations
	Functions    int    // Distinct functions invoked
	HotFunctions uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	for i := range p.ops {
		stats.Instructions += p.ops[i].Load()
	}
	p.funcs.Range(func(_, value any) bool {
		stats.Calls += value.(*FunctionProfile).Invocations.Load()
		stats.Functions++
		return true
	})
	stats.HotFunctions = p.hotCount.Load()
	return stats
}

// FunctionCount pairs a function index with its invocation count.
type FunctionCount struct {
	Index int
	Count uint64
}

// TopFunctions returns the n most invoked functions, most invoked first.
// Ties are ordered by index.
func (p *Profiler) TopFunctions(n int) []FunctionCount {
	var all []FunctionCount
	p.funcs.Range(func(key, value any) bool {
		all = append(all, FunctionCount{key.(int), value.(*FunctionProfile).Invocations.Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Index < all[j].Index
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// OpcodeCount pairs an opcode with its execution count.
type OpcodeCount struct {
	Op    bytecode.Opcode
	Count uint64
}

// TopOpcodes returns the n most executed opcodes, skipping those never
// executed.
func (p *Profiler) TopOpcodes(n int) []OpcodeCount {
	var all []OpcodeCount
	for i := range p.ops {
		if c := p.ops[i].Load(); c > 0 {
			all = append(all, OpcodeCount{bytecode.Opcode(i), c})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Count > all[j].Count })
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	for i := range p.ops {
		p.ops[i].Store(0)
	}
	p.funcs.Range(func(key, _ any) bool {
		p.funcs.Delete(key)
		return true
	})
	p.hotCount.Store(0)
}

// Report writes a summary naming functions from prog.
func (p *Profiler) Report(w io.Writer, prog *bytecode.Program) {
	stats := p.Stats()
	fmt.Fprintf(w, "Profile: %d instructions, %d calls to %d functions (%d hot)\n",
		stats.Instructions, stats.Calls, stats.Functions, stats.HotFunctions)

	if top := p.TopFunctions(10); len(top) > 0 {
		fmt.Fprintln(w, "Functions:")
		for _, fc := range top {
			name := fmt.Sprintf("#%d", fc.Index)
			if fn, ok := prog.Function(fc.Index); ok && fn.Name != "" {
				name = fn.Name
			}
			marker := ""
			if p.Function(fc.Index).IsHot() {
				marker = " (hot)"
			}
			fmt.Fprintf(w, "  %-16s %10d%s\n", name, fc.Count, marker)
		}
	}

	if top := p.TopOpcodes(-1); len(top) > 0 {
		fmt.Fprintln(w, "Opcodes:")
		for _, oc := range top {
			fmt.Fprintf(w, "  %-16s %10d\n", oc.Op, oc.Count)
		}
	}
}
