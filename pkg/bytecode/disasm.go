package bytecode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Float reinterprets the bits of a word as a float32.
func Float(w Word) float32 {
	return math.Float32frombits(uint32(w))
}

// FloatWord returns the word holding the bits of f.
func FloatWord(f float32) Word {
	return Word(math.Float32bits(f))
}

// FormatFloat renders a float word the way fprint does.
func FormatFloat(w Word) string {
	return strconv.FormatFloat(float64(Float(w)), 'g', -1, 32)
}

// Disassemble returns a human-readable listing of the program's code memory.
func (p *Program) Disassemble() string {
	return p.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header.
func (p *Program) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Stack VM image v%d\n", ImageVersion))
	sb.WriteString(fmt.Sprintf("; Code: %d words, entry %04d\n", len(p.Code), p.Entry))
	if p.GlobalCount > 0 {
		sb.WriteString(fmt.Sprintf("; Globals: %d slots\n", p.GlobalCount))
	}
	if p.MainLocals > 0 {
		sb.WriteString(fmt.Sprintf("; Main locals: %d slots\n", p.MainLocals))
	}

	if len(p.Functions) > 0 {
		sb.WriteString("; Functions:\n")
		for i, f := range p.Functions {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s args=%d locals=%d @%04d\n",
				i, f.Name, f.Arity, f.LocalCount, f.Entry))
		}
	}
	sb.WriteString("\n")

	for _, line := range p.DisassembleToLines() {
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}

// DisassembleToLines returns the code listing as a slice of lines. Lines
// starting a function body are preceded by a "name:" label line.
func (p *Program) DisassembleToLines() []string {
	var lines []string
	offset := 0
	for offset < len(p.Code) {
		if fi := p.FunctionAt(offset); fi >= 0 {
			lines = append(lines, fmt.Sprintf("%s:", p.Functions[fi].Name))
		}
		line, instrLen := p.DisassembleInstruction(offset)
		lines = append(lines, fmt.Sprintf("%04d  %s", offset, line))
		offset += instrLen
	}
	return lines
}

// DisassembleInstruction disassembles the instruction at addr.
// Returns the formatted text and the instruction length in words.
func (p *Program) DisassembleInstruction(addr int) (string, int) {
	if addr < 0 || addr >= len(p.Code) {
		return "<end of code>", 1
	}

	op := Opcode(p.Code[addr])
	info, err := Decode(op)
	if err != nil {
		return fmt.Sprintf("<invalid %d>", op), 1
	}
	if info.Operands == 0 {
		return info.Name, 1
	}
	if addr+1 >= len(p.Code) {
		return fmt.Sprintf("%-8s <missing operand>", info.Name), 1 + info.Operands
	}

	return fmt.Sprintf("%-8s %s", info.Name, p.FormatOperand(op, p.Code[addr+1])), 1 + info.Operands
}

// FormatOperand renders an operand according to the opcode that consumes it.
func (p *Program) FormatOperand(op Opcode, operand Word) string {
	switch {
	case op.RefersToFunction():
		if f, ok := p.Function(int(operand)); ok {
			return fmt.Sprintf("#%d:%s@%d", operand, f.Name, f.Entry)
		}
		return fmt.Sprintf("#%d:<invalid>", operand)
	case op == OpFConst:
		return FormatFloat(operand)
	case op.IsBranch():
		return fmt.Sprintf("%04d", operand)
	default:
		return strconv.Itoa(int(operand))
	}
}

// InstructionCount returns the number of instructions in the program.
func (p *Program) InstructionCount() int {
	count := 0
	offset := 0
	for offset < len(p.Code) {
		offset += Opcode(p.Code[offset]).InstructionLen()
		count++
	}
	return count
}
