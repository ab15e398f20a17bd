// Package progfile loads and saves programs as files.
//
// Four encodings are recognised by file extension:
//
//   - .svbc: the binary image (bytecode.Serialize)
//   - .cbor: canonical CBOR (bytecode.MarshalProgram)
//   - .toml, .yaml/.yml: a literal listing of the code array
//
// A literal listing is the pre-encoded instruction stream written out as an
// array. Each element is either a word or a mnemonic standing for its opcode.
// The operand of call and funcidx may name a function, and the operand of
// fconst is a float value:
//
//	globals = 0
//	code = ["iconst", 1, "iconst", 2, "iadd", "print", "halt"]
//
// An fconst operand may also be a hex string giving the raw float32 bits,
// as in "0x7fc00001". NewFile writes NaN operands this way so that their
// payload survives.
//
// Raw opcode numbers are accepted too, so purely numeric arrays load
// unchanged.
package progfile

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chazu/stackvm/pkg/bytecode"
)

// Format identifies a program file encoding.
type Format int

const (
	FormatUnknown Format = iota
	FormatImage          // .svbc
	FormatCBOR           // .cbor
	FormatTOML           // .toml
	FormatYAML           // .yaml, .yml
)

func (f Format) String() string {
	switch f {
	case FormatImage:
		return "svbc"
	case FormatCBOR:
		return "cbor"
	case FormatTOML:
		return "toml"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// ErrUnknownFormat is returned for file names without a recognised extension.
var ErrUnknownFormat = errors.New("progfile: unknown program format")

// FormatFor returns the format implied by a file name's extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svbc":
		return FormatImage
	case ".cbor":
		return FormatCBOR
	case ".toml":
		return FormatTOML
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatUnknown
	}
}

// File is the literal listing form of a program.
type File struct {
	Name       string     `toml:"name,omitempty" yaml:"name,omitempty"`
	Globals    int        `toml:"globals" yaml:"globals"`
	Entry      int        `toml:"entry,omitempty" yaml:"entry,omitempty"`
	MainLocals int        `toml:"main-locals,omitempty" yaml:"main-locals,omitempty"`
	Code       []any      `toml:"code" yaml:"code,flow"`
	Functions  []Function `toml:"functions,omitempty" yaml:"functions,omitempty"`
}

// Function is one entry of the function table in a listing.
type Function struct {
	Name   string `toml:"name" yaml:"name"`
	Arity  int    `toml:"arity" yaml:"arity"`
	Locals int    `toml:"locals" yaml:"locals"`
	Entry  int    `toml:"entry" yaml:"entry"`
}

// Load reads a program file, choosing the decoder by extension.
func Load(path string) (*bytecode.Program, error) {
	_, prog, err := LoadNamed(path)
	return prog, err
}

// LoadNamed reads a program file and returns the program's name: the name
// key of a listing, or the file name without its extension.
func LoadNamed(path string) (string, *bytecode.Program, error) {
	format := FormatFor(path)
	if format == FormatUnknown {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var prog *bytecode.Program
	if format == FormatTOML || format == FormatYAML {
		var f *File
		if f, err = DecodeListing(data, format); err == nil {
			if f.Name != "" {
				name = f.Name
			}
			prog, err = f.Program()
		}
	} else {
		prog, err = Decode(data, format)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", path, err)
	}
	return name, prog, nil
}

// Save writes a program file, choosing the encoder by extension.
func Save(path string, prog *bytecode.Program) error {
	format := FormatFor(path)
	if format == FormatUnknown {
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	data, err := Encode(prog, format)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return os.WriteFile(path, data, 0644)
}

// Decode parses program data in the given format.
func Decode(data []byte, format Format) (*bytecode.Program, error) {
	switch format {
	case FormatImage:
		return bytecode.Deserialize(data)
	case FormatCBOR:
		return bytecode.UnmarshalProgram(data)
	case FormatTOML, FormatYAML:
		f, err := DecodeListing(data, format)
		if err != nil {
			return nil, err
		}
		return f.Program()
	default:
		return nil, ErrUnknownFormat
	}
}

// DecodeListing parses a TOML or YAML listing without assembling it.
func DecodeListing(data []byte, format Format) (*File, error) {
	if format != FormatTOML && format != FormatYAML {
		return nil, fmt.Errorf("%w: %s is not a listing format", ErrUnknownFormat, format)
	}
	var f File
	var err error
	if format == FormatTOML {
		err = toml.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &f, nil
}

// Encode renders a program in the given format.
func Encode(prog *bytecode.Program, format Format) ([]byte, error) {
	switch format {
	case FormatImage:
		return prog.Serialize()
	case FormatCBOR:
		return bytecode.MarshalProgram(prog)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(NewFile(prog)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatYAML:
		return yaml.Marshal(NewFile(prog))
	default:
		return nil, ErrUnknownFormat
	}
}

// ---------------------------------------------------------------------------
// Listing <-> Program
// ---------------------------------------------------------------------------

// Program assembles the listing into a program image.
func (f *File) Program() (*bytecode.Program, error) {
	funcs := make([]bytecode.FuncMeta, len(f.Functions))
	for i, fn := range f.Functions {
		funcs[i] = bytecode.FuncMeta{Name: fn.Name, Arity: fn.Arity, LocalCount: fn.Locals, Entry: fn.Entry}
	}
	if len(funcs) == 0 {
		funcs = nil
	}

	code := make([]bytecode.Word, 0, len(f.Code))
	pending := bytecode.OpInvalid // opcode still waiting for its operand
	for i, item := range f.Code {
		if pending != bytecode.OpInvalid {
			w, err := operandWord(pending, item, funcs)
			if err != nil {
				return nil, fmt.Errorf("code[%d]: %w", i, err)
			}
			code = append(code, w)
			pending = bytecode.OpInvalid
			continue
		}

		var w bytecode.Word
		if s, ok := item.(string); ok {
			op, ok := bytecode.Lookup(s)
			if !ok {
				return nil, fmt.Errorf("code[%d]: unknown mnemonic %q", i, s)
			}
			w = bytecode.Word(op)
		} else {
			var err error
			if w, err = intWord(item); err != nil {
				return nil, fmt.Errorf("code[%d]: %w", i, err)
			}
		}
		code = append(code, w)
		if op := bytecode.Opcode(w); op.Operands() > 0 {
			pending = op
		}
	}

	return &bytecode.Program{
		Code:        code,
		GlobalCount: f.Globals,
		Functions:   funcs,
		Entry:       f.Entry,
		MainLocals:  f.MainLocals,
	}, nil
}

// NewFile renders a program as a listing. Opcodes become mnemonics,
// function operands become names where the name is unique, and fconst
// operands become float values. Words that do not decode are kept as
// numbers.
func NewFile(prog *bytecode.Program) *File {
	f := &File{
		Globals:    prog.GlobalCount,
		Entry:      prog.Entry,
		MainLocals: prog.MainLocals,
		Code:       make([]any, 0, len(prog.Code)),
	}

	names := make(map[string]int)
	for _, fn := range prog.Functions {
		names[fn.Name]++
		f.Functions = append(f.Functions, Function{Name: fn.Name, Arity: fn.Arity, Locals: fn.LocalCount, Entry: fn.Entry})
	}

	for addr := 0; addr < len(prog.Code); {
		op := bytecode.Opcode(prog.Code[addr])
		info, err := bytecode.Decode(op)
		if err != nil {
			f.Code = append(f.Code, int64(prog.Code[addr]))
			addr++
			continue
		}
		f.Code = append(f.Code, info.Name)
		addr++
		if info.Operands == 0 || addr >= len(prog.Code) {
			continue
		}

		operand := prog.Code[addr]
		switch {
		case op == bytecode.OpFConst:
			if v := bytecode.Float(operand); math.IsNaN(float64(v)) {
				f.Code = append(f.Code, fmt.Sprintf("0x%08x", uint32(operand)))
			} else {
				f.Code = append(f.Code, float64(v))
			}
		case op.RefersToFunction():
			if fn, ok := prog.Function(int(operand)); ok && fn.Name != "" && names[fn.Name] == 1 {
				f.Code = append(f.Code, fn.Name)
			} else {
				f.Code = append(f.Code, int64(operand))
			}
		default:
			f.Code = append(f.Code, int64(operand))
		}
		addr++
	}
	return f
}

func operandWord(op bytecode.Opcode, item any, funcs []bytecode.FuncMeta) (bytecode.Word, error) {
	if bits, ok := item.(string); ok && op == bytecode.OpFConst {
		return floatBits(bits)
	}
	if name, ok := item.(string); ok {
		if !op.RefersToFunction() {
			return 0, fmt.Errorf("%s operand must be a number, got %q", op, name)
		}
		for i, fn := range funcs {
			if fn.Name == name {
				return bytecode.Word(i), nil
			}
		}
		return 0, fmt.Errorf("%s: unknown function %q", op, name)
	}

	if op == bytecode.OpFConst {
		v, err := floatValue(item)
		if err != nil {
			return 0, fmt.Errorf("fconst: %w", err)
		}
		return bytecode.FloatWord(float32(v)), nil
	}
	w, err := intWord(item)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return w, nil
}

// intWord converts a decoded TOML or YAML number to a word.
func intWord(item any) (bytecode.Word, error) {
	var v int64
	switch n := item.(type) {
	case int:
		v = int64(n)
	case int64:
		v = n
	case uint64:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("%d does not fit in a word", n)
		}
		v = int64(n)
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		v = int64(n)
	default:
		return 0, fmt.Errorf("unexpected %T %v", item, item)
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%d does not fit in a word", v)
	}
	return bytecode.Word(v), nil
}

// floatBits parses a raw fconst operand such as "0x7fc00001".
func floatBits(s string) (bytecode.Word, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("fconst: %q is neither a number nor hex float bits", s)
	}
	n, err := strconv.ParseUint(s[2:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("fconst: bad float bits %q", s)
	}
	return bytecode.Word(int32(uint32(n))), nil
}

func floatValue(item any) (float64, error) {
	switch n := item.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unexpected %T %v", item, item)
	}
}
