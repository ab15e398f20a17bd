package bytecode

import (
	"errors"
	"fmt"
)

// Word is the machine word. Stack slots, locals, globals and embedded
// operands are all Words; float opcodes reinterpret the bit pattern as a
// float32.
type Word = int32

// Opcode identifies one instruction in the code stream.
// Codes 1-21 are fixed; images encoded with them must keep decoding.
type Opcode Word

const (
	OpInvalid Opcode = 0 // Reserved

	// ========================================================================
	// Integer arithmetic
	// ========================================================================

	OpIAdd Opcode = 1 // Pop b, pop a, push a+b
	OpISub Opcode = 2 // Pop b, pop a, push a-b
	OpIMul Opcode = 3 // Pop b, pop a, push a*b
	OpILt  Opcode = 4 // Push 1 if a < b else 0
	OpIEq  Opcode = 5 // Push 1 if a == b else 0

	// ========================================================================
	// Control flow
	// ========================================================================

	OpBr  Opcode = 6 // Unconditional branch: br <addr>
	OpBrt Opcode = 7 // Pop, branch if nonzero: brt <addr>
	OpBrf Opcode = 8 // Pop, branch if zero: brf <addr>

	// ========================================================================
	// Constants and memory
	// ========================================================================

	OpIConst Opcode = 9  // Push literal: iconst <value>
	OpLoad   Opcode = 10 // Push local: load <slot>
	OpGLoad  Opcode = 11 // Push global: gload <slot>
	OpStore  Opcode = 12 // Pop into local: store <slot>
	OpGStore Opcode = 13 // Pop into global: gstore <slot>

	// ========================================================================
	// I/O and stack
	// ========================================================================

	OpPrint Opcode = 14 // Pop and print as integer
	OpPop   Opcode = 15 // Discard top of stack

	// ========================================================================
	// Float arithmetic
	// ========================================================================

	OpFAdd Opcode = 16
	OpFSub Opcode = 17
	OpFMul Opcode = 18
	OpFLt  Opcode = 19
	OpFEq  Opcode = 20

	OpHalt Opcode = 21 // Stop execution

	// ========================================================================
	// Calls
	// ========================================================================

	OpCall    Opcode = 22 // Direct call: call <funcIndex>
	OpCallIdx Opcode = 23 // Pop function index, call it
	OpFuncIdx Opcode = 24 // Push function index: funcidx <funcIndex>
	OpRet     Opcode = 25 // Return top of stack to the caller

	OpFConst Opcode = 26 // Push literal float bits: fconst <bits>
	OpFPrint Opcode = 27 // Pop and print as float
)

// ErrInvalidOpcode is returned by Decode for the reserved opcode and for
// codes outside the table.
var ErrInvalidOpcode = errors.New("bytecode: invalid opcode")

// OpcodeInfo provides metadata about each opcode for decoding and tracing.
type OpcodeInfo struct {
	Name      string // Mnemonic
	Operands  int    // Number of operand words following the opcode (0 or 1)
	StackPop  int    // Words popped (-1 = depends on callee arity)
	StackPush int    // Words pushed
}

// opcodeTable is indexed by opcode. Entry 0 is the reserved invalid slot.
var opcodeTable = [...]OpcodeInfo{
	OpInvalid: {},

	OpIAdd: {"iadd", 0, 2, 1},
	OpISub: {"isub", 0, 2, 1},
	OpIMul: {"imul", 0, 2, 1},
	OpILt:  {"ilt", 0, 2, 1},
	OpIEq:  {"ieq", 0, 2, 1},

	OpBr:  {"br", 1, 0, 0},
	OpBrt: {"brt", 1, 1, 0},
	OpBrf: {"brf", 1, 1, 0},

	OpIConst: {"iconst", 1, 0, 1},
	OpLoad:   {"load", 1, 0, 1},
	OpGLoad:  {"gload", 1, 0, 1},
	OpStore:  {"store", 1, 1, 0},
	OpGStore: {"gstore", 1, 1, 0},

	OpPrint: {"print", 0, 1, 0},
	OpPop:   {"pop", 0, 1, 0},

	OpFAdd: {"fadd", 0, 2, 1},
	OpFSub: {"fsub", 0, 2, 1},
	OpFMul: {"fmul", 0, 2, 1},
	OpFLt:  {"flt", 0, 2, 1},
	OpFEq:  {"feq", 0, 2, 1},

	OpHalt: {"halt", 0, 0, 0},

	OpCall:    {"call", 1, -1, 0},
	OpCallIdx: {"callidx", 0, -1, 0},
	OpFuncIdx: {"funcidx", 1, 0, 1},
	OpRet:     {"ret", 0, 1, 1},

	OpFConst: {"fconst", 1, 0, 1},
	OpFPrint: {"fprint", 0, 1, 0},
}

// Decode returns the metadata for op, or ErrInvalidOpcode if op is the
// reserved zero value or outside the table.
func Decode(op Opcode) (OpcodeInfo, error) {
	if op <= OpInvalid || int(op) >= len(opcodeTable) {
		return OpcodeInfo{}, fmt.Errorf("%w: %d", ErrInvalidOpcode, op)
	}
	return opcodeTable[op], nil
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(n)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	info, err := Decode(op)
	if err != nil {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", op)}
	}
	return info
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Operands returns the number of operand words for this opcode.
func (op Opcode) Operands() int {
	return GetOpcodeInfo(op).Operands
}

// InstructionLen returns the total length of an instruction in words.
func (op Opcode) InstructionLen() int {
	return 1 + op.Operands()
}

// IsBranch returns true if the operand of this opcode is a code address.
func (op Opcode) IsBranch() bool {
	return op >= OpBr && op <= OpBrf
}

// IsCall returns true if this opcode transfers control to a function.
func (op Opcode) IsCall() bool {
	return op == OpCall || op == OpCallIdx
}

// RefersToFunction returns true if the operand is a function table index.
func (op Opcode) RefersToFunction() bool {
	return op == OpCall || op == OpFuncIdx
}

// AllOpcodes returns every valid opcode in numeric order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeTable)-1)
	for op := 1; op < len(opcodeTable); op++ {
		opcodes = append(opcodes, Opcode(op))
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeTable) - 1
}

// Lookup returns the opcode with the given mnemonic.
func Lookup(name string) (Opcode, bool) {
	for _, op := range AllOpcodes() {
		if opcodeTable[op].Name == name {
			return op, true
		}
	}
	return OpInvalid, false
}
