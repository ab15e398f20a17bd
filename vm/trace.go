package vm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/stackvm/pkg/bytecode"
)

// Snapshot is the state observed by the trace facility just before an
// instruction executes.
type Snapshot struct {
	PC          int
	Op          bytecode.Opcode
	Instruction string   // disassembled instruction with its operand
	Stack       []Word   // operand stack, bottom first
	Calls       []string // active function names, outermost first
}

// FormatTrace renders a snapshot as one trace line, e.g.
//
//	0004  iadd          stack=[1 2] calls=[f]
func FormatTrace(s Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %-14s stack=[", s.PC, s.Instruction)
	for i, w := range s.Stack {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(int(w)))
	}
	sb.WriteString("] calls=[")
	sb.WriteString(strings.Join(s.Calls, " "))
	sb.WriteByte(']')
	return sb.String()
}

// Snapshot captures the current state for tracing.
func (vm *VM) Snapshot() Snapshot {
	var instr string
	op := bytecode.OpInvalid
	if vm.pc >= 0 && vm.pc < len(vm.code) {
		op = bytecode.Opcode(vm.code[vm.pc])
		instr, _ = vm.prog.DisassembleInstruction(vm.pc)
	}
	return vm.snapshot(vm.pc, op, instr)
}

func (vm *VM) snapshot(pc int, op bytecode.Opcode, instr string) Snapshot {
	fns := vm.frames.functions()
	calls := make([]string, len(fns))
	for i, fi := range fns {
		calls[i] = vm.functionName(fi)
	}
	return Snapshot{
		PC:          pc,
		Op:          op,
		Instruction: instr,
		Stack:       vm.Stack(),
		Calls:       calls,
	}
}

func (vm *VM) emitTrace(pc int, op bytecode.Opcode, operand Word) {
	instr := op.String()
	if op.Operands() > 0 {
		instr = fmt.Sprintf("%-8s %s", instr, vm.prog.FormatOperand(op, operand))
	}
	fmt.Fprintln(vm.traceOut, FormatTrace(vm.snapshot(pc, op, instr)))
}
