package vm

import (
	"context"
	"fmt"

	"github.com/chazu/stackvm/pkg/bytecode"
)

// ctxCheckInterval is how many steps ExecuteContext runs between checks of
// the context.
const ctxCheckInterval = 1024

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute runs the program until halt or a fault. It returns nil when the
// VM halted and a *Fault when it faulted. Calling Execute on a VM that has
// already stopped returns the same result again without executing.
func (vm *VM) Execute() error {
	for vm.state == StateRunning {
		vm.step()
	}
	return vm.result()
}

// ExecuteContext is Execute with cancellation. Cancellation is not a fault:
// the VM stays Running and the context error is returned, so the run can be
// resumed with another call.
func (vm *VM) ExecuteContext(ctx context.Context) error {
	for vm.state == StateRunning {
		if vm.steps%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		vm.step()
	}
	return vm.result()
}

// Step executes a single instruction. It returns nil while the VM is still
// running or has just halted.
func (vm *VM) Step() error {
	if vm.state == StateRunning {
		vm.step()
	}
	return vm.result()
}

func (vm *VM) result() error {
	if vm.state == StateFaulted {
		return vm.fault
	}
	return nil
}

// raise stops the VM with a fault at pc.
func (vm *VM) raise(kind FaultKind, pc int, op bytecode.Opcode, format string, args ...any) {
	vm.fault = &Fault{Kind: kind, PC: pc, Op: op, Detail: fmt.Sprintf(format, args...)}
	vm.state = StateFaulted
	log.Debugf("%s (steps=%d depth=%d)", vm.fault, vm.steps, vm.frames.len())
}

// step fetches, decodes and executes the instruction at pc.
func (vm *VM) step() {
	pc := vm.pc
	if pc < 0 || pc >= len(vm.code) {
		vm.raise(FaultPCOutOfRange, pc, bytecode.OpInvalid, "pc outside code [0,%d)", len(vm.code))
		return
	}

	op := bytecode.Opcode(vm.code[pc])
	info, err := bytecode.Decode(op)
	if err != nil {
		vm.raise(FaultInvalidOpcode, pc, bytecode.OpInvalid, "opcode %d", vm.code[pc])
		return
	}

	var operand Word
	if info.Operands > 0 {
		if pc+1 >= len(vm.code) {
			vm.raise(FaultPCOutOfRange, pc, op, "missing operand")
			return
		}
		operand = vm.code[pc+1]
	}

	if vm.limits.MaxSteps > 0 && vm.steps >= vm.limits.MaxSteps {
		vm.raise(FaultStepLimitExceeded, pc, op, "budget of %d steps", vm.limits.MaxSteps)
		return
	}

	if vm.trace {
		vm.emitTrace(pc, op, operand)
	}

	if info.StackPop > 0 && len(vm.stack) < info.StackPop {
		vm.raise(FaultStackUnderflow, pc, op, "need %d, have %d", info.StackPop, len(vm.stack))
		return
	}
	if grow := info.StackPush - max(info.StackPop, 0); grow > 0 && len(vm.stack)+grow > vm.limits.MaxStackDepth {
		vm.raise(FaultStackOverflow, pc, op, "limit %d", vm.limits.MaxStackDepth)
		return
	}

	vm.steps++
	if vm.profiler != nil {
		vm.profiler.RecordInstruction(op)
	}
	next := pc + 1 + info.Operands

	switch op {
	// ---------------------------------------------------------------------
	// Integer arithmetic (wraps)
	// ---------------------------------------------------------------------
	case bytecode.OpIAdd:
		b, a := vm.pop(), vm.pop()
		vm.push(a + b)
	case bytecode.OpISub:
		b, a := vm.pop(), vm.pop()
		vm.push(a - b)
	case bytecode.OpIMul:
		b, a := vm.pop(), vm.pop()
		vm.push(a * b)
	case bytecode.OpILt:
		b, a := vm.pop(), vm.pop()
		vm.push(truth(a < b))
	case bytecode.OpIEq:
		b, a := vm.pop(), vm.pop()
		vm.push(truth(a == b))

	// ---------------------------------------------------------------------
	// Float arithmetic (IEEE-754 single precision)
	// ---------------------------------------------------------------------
	case bytecode.OpFAdd:
		b, a := bytecode.Float(vm.pop()), bytecode.Float(vm.pop())
		vm.push(bytecode.FloatWord(a + b))
	case bytecode.OpFSub:
		b, a := bytecode.Float(vm.pop()), bytecode.Float(vm.pop())
		vm.push(bytecode.FloatWord(a - b))
	case bytecode.OpFMul:
		b, a := bytecode.Float(vm.pop()), bytecode.Float(vm.pop())
		vm.push(bytecode.FloatWord(a * b))
	case bytecode.OpFLt:
		b, a := bytecode.Float(vm.pop()), bytecode.Float(vm.pop())
		vm.push(truth(a < b))
	case bytecode.OpFEq:
		b, a := bytecode.Float(vm.pop()), bytecode.Float(vm.pop())
		vm.push(truth(a == b))

	// ---------------------------------------------------------------------
	// Control flow
	// ---------------------------------------------------------------------
	case bytecode.OpBr:
		if !vm.checkTarget(pc, op, operand) {
			return
		}
		next = int(operand)
	case bytecode.OpBrt, bytecode.OpBrf:
		if !vm.checkTarget(pc, op, operand) {
			return
		}
		cond := vm.pop() != 0
		if cond == (op == bytecode.OpBrt) {
			next = int(operand)
		}
	case bytecode.OpHalt:
		vm.state = StateHalted
		return

	// ---------------------------------------------------------------------
	// Constants and memory
	// ---------------------------------------------------------------------
	case bytecode.OpIConst, bytecode.OpFConst:
		vm.push(operand)
	case bytecode.OpLoad:
		locals := vm.currentFrame().Locals
		if operand < 0 || int(operand) >= len(locals) {
			vm.raise(FaultInvalidAddress, pc, op, "local slot %d outside [0,%d)", operand, len(locals))
			return
		}
		vm.push(locals[operand])
	case bytecode.OpStore:
		locals := vm.currentFrame().Locals
		if operand < 0 || int(operand) >= len(locals) {
			vm.raise(FaultInvalidAddress, pc, op, "local slot %d outside [0,%d)", operand, len(locals))
			return
		}
		locals[operand] = vm.pop()
	case bytecode.OpGLoad:
		if operand < 0 || int(operand) >= len(vm.globals) {
			vm.raise(FaultInvalidAddress, pc, op, "global slot %d outside [0,%d)", operand, len(vm.globals))
			return
		}
		vm.push(vm.globals[operand])
	case bytecode.OpGStore:
		if operand < 0 || int(operand) >= len(vm.globals) {
			vm.raise(FaultInvalidAddress, pc, op, "global slot %d outside [0,%d)", operand, len(vm.globals))
			return
		}
		vm.globals[operand] = vm.pop()

	// ---------------------------------------------------------------------
	// I/O and stack
	// ---------------------------------------------------------------------
	case bytecode.OpPrint:
		fmt.Fprintln(vm.out, vm.pop())
	case bytecode.OpFPrint:
		fmt.Fprintln(vm.out, bytecode.FormatFloat(vm.pop()))
	case bytecode.OpPop:
		vm.pop()

	// ---------------------------------------------------------------------
	// Calls
	// ---------------------------------------------------------------------
	case bytecode.OpCall:
		vm.invoke(pc, op, int(operand), next)
		return
	case bytecode.OpCallIdx:
		if len(vm.stack) < 1 {
			vm.raise(FaultStackUnderflow, pc, op, "no function index on stack")
			return
		}
		vm.invoke(pc, op, int(vm.pop()), next)
		return
	case bytecode.OpFuncIdx:
		if _, ok := vm.prog.Function(int(operand)); !ok {
			vm.raise(FaultInvalidAddress, pc, op, "function index %d outside table of %d", operand, len(vm.prog.Functions))
			return
		}
		vm.push(operand)
	case bytecode.OpRet:
		if vm.frames.len() == 0 {
			vm.raise(FaultCallStackUnderflow, pc, op, "return from top level")
			return
		}
		result := vm.pop()
		frame, _ := vm.frames.pop()
		vm.push(result)
		next = frame.ReturnAddress

	default:
		// Unreachable while the switch covers the opcode table.
		vm.raise(FaultInvalidOpcode, pc, op, "no handler")
		return
	}

	vm.pc = next
}

// invoke performs the call protocol for function index fi. The caller has
// already removed any function index from the stack; the arguments are the
// top Arity words, the first pushed binding to local slot 0.
func (vm *VM) invoke(pc int, op bytecode.Opcode, fi int, returnAddr int) bool {
	fn, ok := vm.prog.Function(fi)
	if !ok {
		vm.raise(FaultInvalidAddress, pc, op, "function index %d outside table of %d", fi, len(vm.prog.Functions))
		return false
	}
	if fn.Arity > fn.LocalCount || fn.Arity < 0 {
		vm.raise(FaultInvalidAddress, pc, op, "%s: arity %d exceeds %d locals", fn.Name, fn.Arity, fn.LocalCount)
		return false
	}
	if len(vm.stack) < fn.Arity {
		vm.raise(FaultStackUnderflow, pc, op, "%s needs %d arguments, have %d", fn.Name, fn.Arity, len(vm.stack))
		return false
	}
	if fn.LocalCount > vm.limits.MaxLocals {
		vm.raise(FaultStackOverflow, pc, op, "%s: %d locals, limit %d", fn.Name, fn.LocalCount, vm.limits.MaxLocals)
		return false
	}
	if vm.frames.len() >= vm.limits.MaxCallDepth {
		vm.raise(FaultCallStackOverflow, pc, op, "limit %d", vm.limits.MaxCallDepth)
		return false
	}
	if fn.Entry < 0 || fn.Entry >= len(vm.code) {
		vm.raise(FaultInvalidAddress, pc, op, "%s: entry %d outside code [0,%d)", fn.Name, fn.Entry, len(vm.code))
		return false
	}

	frame := vm.frames.push(fi, fn.LocalCount)
	base := len(vm.stack) - fn.Arity
	copy(frame.Locals, vm.stack[base:])
	vm.stack = vm.stack[:base]
	frame.ReturnAddress = returnAddr
	frame.SavedStackBase = base
	vm.pc = fn.Entry
	if vm.profiler != nil {
		vm.profiler.RecordCall(fi)
	}
	return true
}

// checkTarget faults unless target is a code address.
func (vm *VM) checkTarget(pc int, op bytecode.Opcode, target Word) bool {
	if target < 0 || int(target) >= len(vm.code) {
		vm.raise(FaultInvalidAddress, pc, op, "branch target %d outside code [0,%d)", target, len(vm.code))
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

func (vm *VM) push(w Word) {
	vm.stack = append(vm.stack, w)
}

// pop removes the top word. Callers check depth first.
func (vm *VM) pop() Word {
	n := len(vm.stack) - 1
	w := vm.stack[n]
	vm.stack = vm.stack[:n]
	return w
}

func truth(b bool) Word {
	if b {
		return 1
	}
	return 0
}
