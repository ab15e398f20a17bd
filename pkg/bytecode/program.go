package bytecode

import (
	"errors"
	"fmt"
)

// ErrInvalidProgram wraps every failure reported by Program.Validate.
var ErrInvalidProgram = errors.New("bytecode: invalid program")

// FuncMeta describes one callable unit. Functions are referenced by their
// index in Program.Functions; Name is only used for diagnostics.
type FuncMeta struct {
	Name       string `cbor:"1,keyasint"`
	Arity      int    `cbor:"2,keyasint"` // Parameters, bound to local slots 0..Arity-1
	LocalCount int    `cbor:"3,keyasint"` // Total local slots, including parameters
	Entry      int    `cbor:"4,keyasint"` // Address of the first instruction
}

// Program is the unit loaded into the VM: a flat instruction stream with
// embedded operands, the function table and the number of global slots.
// A VM never mutates the Program it executes.
type Program struct {
	Code        []Word     `cbor:"1,keyasint"`
	GlobalCount int        `cbor:"2,keyasint"`
	Functions   []FuncMeta `cbor:"3,keyasint,omitempty"`

	// Entry is the address where top-level execution starts.
	Entry int `cbor:"4,keyasint,omitempty"`

	// MainLocals sizes the implicit top-level frame used by load/store
	// outside of any function.
	MainLocals int `cbor:"5,keyasint,omitempty"`
}

// NewProgram creates a program image from a literal code array.
func NewProgram(code []Word, globalCount int, functions []FuncMeta) *Program {
	return &Program{
		Code:        code,
		GlobalCount: globalCount,
		Functions:   functions,
	}
}

// Emit appends an operand-less instruction and returns its address.
func (p *Program) Emit(op Opcode) int {
	offset := len(p.Code)
	p.Code = append(p.Code, Word(op))
	return offset
}

// EmitWithOperand appends an instruction followed by its operand word.
func (p *Program) EmitWithOperand(op Opcode, operand Word) int {
	offset := len(p.Code)
	p.Code = append(p.Code, Word(op), operand)
	return offset
}

// AddFunction appends a function to the table and returns its index.
func (p *Program) AddFunction(f FuncMeta) int {
	p.Functions = append(p.Functions, f)
	return len(p.Functions) - 1
}

// CurrentOffset returns the address of the next emitted instruction.
func (p *Program) CurrentOffset() int {
	return len(p.Code)
}

// PatchOperand overwrites the operand of the instruction at addr.
func (p *Program) PatchOperand(addr int, operand Word) {
	p.Code[addr+1] = operand
}

// Function returns the metadata at index, or false if out of range.
func (p *Program) Function(index int) (FuncMeta, bool) {
	if index < 0 || index >= len(p.Functions) {
		return FuncMeta{}, false
	}
	return p.Functions[index], true
}

// FunctionAt returns the index of the function whose entry address is addr,
// or -1.
func (p *Program) FunctionAt(addr int) int {
	for i, f := range p.Functions {
		if f.Entry == addr {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the program.
func (p *Program) Clone() *Program {
	c := *p
	c.Code = append([]Word(nil), p.Code...)
	c.Functions = append([]FuncMeta(nil), p.Functions...)
	return &c
}

// Validate checks the addressing invariants of the image: every branch
// target, function entry and the start address lies inside the code, every
// function index used by call/funcidx is in the table, and every function
// has Arity <= LocalCount. The stream is walked linearly, so it must also
// decode cleanly from address 0.
func (p *Program) Validate() error {
	n := len(p.Code)
	if p.GlobalCount < 0 {
		return fmt.Errorf("%w: negative global count %d", ErrInvalidProgram, p.GlobalCount)
	}
	if p.MainLocals < 0 {
		return fmt.Errorf("%w: negative main local count %d", ErrInvalidProgram, p.MainLocals)
	}
	if n > 0 && (p.Entry < 0 || p.Entry >= n) {
		return fmt.Errorf("%w: entry address %d outside code [0,%d)", ErrInvalidProgram, p.Entry, n)
	}

	for i, f := range p.Functions {
		if f.Arity < 0 || f.LocalCount < 0 {
			return fmt.Errorf("%w: function %d (%s) has negative arity or local count", ErrInvalidProgram, i, f.Name)
		}
		if f.Arity > f.LocalCount {
			return fmt.Errorf("%w: function %d (%s) arity %d exceeds local count %d",
				ErrInvalidProgram, i, f.Name, f.Arity, f.LocalCount)
		}
		if f.Entry < 0 || f.Entry >= n {
			return fmt.Errorf("%w: function %d (%s) entry %d outside code [0,%d)",
				ErrInvalidProgram, i, f.Name, f.Entry, n)
		}
	}

	for addr := 0; addr < n; {
		op := Opcode(p.Code[addr])
		info, err := Decode(op)
		if err != nil {
			return fmt.Errorf("%w: at %04d: %w", ErrInvalidProgram, addr, err)
		}
		if addr+info.Operands >= n && info.Operands > 0 {
			return fmt.Errorf("%w: at %04d: %s missing operand", ErrInvalidProgram, addr, info.Name)
		}
		if info.Operands > 0 {
			operand := int(p.Code[addr+1])
			switch {
			case op.IsBranch():
				if operand < 0 || operand >= n {
					return fmt.Errorf("%w: at %04d: %s target %d outside code [0,%d)",
						ErrInvalidProgram, addr, info.Name, operand, n)
				}
			case op.RefersToFunction():
				if operand < 0 || operand >= len(p.Functions) {
					return fmt.Errorf("%w: at %04d: %s function index %d outside table of %d",
						ErrInvalidProgram, addr, info.Name, operand, len(p.Functions))
				}
			case op == OpGLoad || op == OpGStore:
				if operand < 0 || operand >= p.GlobalCount {
					return fmt.Errorf("%w: at %04d: %s global slot %d outside [0,%d)",
						ErrInvalidProgram, addr, info.Name, operand, p.GlobalCount)
				}
			}
		}
		addr += 1 + info.Operands
	}
	return nil
}
