package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ImageVersion is the current binary image format version.
// Increment when making incompatible changes to the format.
const ImageVersion uint16 = 1

// Magic bytes for image files: "SVBC" (Stack VM ByteCode)
var ImageMagic = []byte{'S', 'V', 'B', 'C'}

// Serialize encodes the program to the binary image format.
// Format (big-endian):
//
//	[magic:4] [version:2]
//	[entry:4] [globals:4] [main_locals:4]
//	[code_len:4] [code:4*code_len]
//	[func_count:2] [funcs:...]
//
// Each function is [name_len:1] [name] [arity:2] [locals:2] [entry:4].
func (p *Program) Serialize() ([]byte, error) {
	if len(p.Functions) > 0xFFFF {
		return nil, fmt.Errorf("too many functions: %d", len(p.Functions))
	}
	if p.GlobalCount < 0 || p.GlobalCount > math.MaxInt32 {
		return nil, fmt.Errorf("global count %d out of range", p.GlobalCount)
	}
	if p.MainLocals < 0 || p.MainLocals > math.MaxInt32 {
		return nil, fmt.Errorf("main local count %d out of range", p.MainLocals)
	}
	if !fitsInt32(p.Entry) {
		return nil, fmt.Errorf("entry %d out of range", p.Entry)
	}
	if len(p.Code) > math.MaxInt32 {
		return nil, fmt.Errorf("code too long: %d words", len(p.Code))
	}

	buf := make([]byte, 0, 22+4*len(p.Code)+len(p.Functions)*16)

	buf = append(buf, ImageMagic...)
	buf = binary.BigEndian.AppendUint16(buf, ImageVersion)

	buf = binary.BigEndian.AppendUint32(buf, uint32(p.Entry))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.GlobalCount))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.MainLocals))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Code)))
	for _, w := range p.Code {
		buf = binary.BigEndian.AppendUint32(buf, uint32(w))
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Functions)))
	for i, f := range p.Functions {
		if len(f.Name) > 0xFF {
			return nil, fmt.Errorf("function %d name too long: %d bytes", i, len(f.Name))
		}
		if f.Arity > 0xFFFF || f.LocalCount > 0xFFFF || f.Arity < 0 || f.LocalCount < 0 {
			return nil, fmt.Errorf("function %d (%s) arity/locals out of range", i, f.Name)
		}
		if !fitsInt32(f.Entry) {
			return nil, fmt.Errorf("function %d (%s) entry %d out of range", i, f.Name, f.Entry)
		}
		buf = append(buf, byte(len(f.Name)))
		buf = append(buf, f.Name...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Arity))
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.LocalCount))
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Entry))
	}

	return buf, nil
}

func fitsInt32(n int) bool {
	return n >= math.MinInt32 && n <= math.MaxInt32
}

// Deserialize decodes a program from the binary image format.
func Deserialize(data []byte) (*Program, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("image too short: need at least 6 bytes, got %d", len(data))
	}

	if string(data[0:4]) != string(ImageMagic) {
		return nil, fmt.Errorf("invalid image magic: expected %q, got %q", ImageMagic, data[0:4])
	}

	version := binary.BigEndian.Uint16(data[4:6])
	if version > ImageVersion {
		return nil, fmt.Errorf("image version %d is newer than supported version %d", version, ImageVersion)
	}

	pos := 6
	if pos+16 > len(data) {
		return nil, fmt.Errorf("unexpected end of image reading header at pos %d", pos)
	}

	p := &Program{
		Entry:       int(int32(binary.BigEndian.Uint32(data[pos:]))),
		GlobalCount: int(int32(binary.BigEndian.Uint32(data[pos+4:]))),
		MainLocals:  int(int32(binary.BigEndian.Uint32(data[pos+8:]))),
	}
	codeLen := int(binary.BigEndian.Uint32(data[pos+12:]))
	pos += 16

	if codeLen < 0 || codeLen > (len(data)-pos)/4 {
		return nil, fmt.Errorf("unexpected end of image reading code section: need %d words at pos %d", codeLen, pos)
	}
	p.Code = make([]Word, codeLen)
	for i := range p.Code {
		p.Code[i] = Word(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
	}

	if pos+2 > len(data) {
		return nil, fmt.Errorf("unexpected end of image reading function count")
	}
	funcCount := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2

	if funcCount > 0 {
		p.Functions = make([]FuncMeta, funcCount)
	}
	for i := range p.Functions {
		if pos >= len(data) {
			return nil, fmt.Errorf("unexpected end of image reading function %d name length", i)
		}
		nameLen := int(data[pos])
		pos++

		if pos+nameLen+8 > len(data) {
			return nil, fmt.Errorf("unexpected end of image reading function %d", i)
		}
		p.Functions[i].Name = string(data[pos : pos+nameLen])
		pos += nameLen

		p.Functions[i].Arity = int(binary.BigEndian.Uint16(data[pos:]))
		p.Functions[i].LocalCount = int(binary.BigEndian.Uint16(data[pos+2:]))
		p.Functions[i].Entry = int(int32(binary.BigEndian.Uint32(data[pos+4:])))
		pos += 8
	}

	if pos != len(data) {
		return nil, fmt.Errorf("trailing %d bytes after image", len(data)-pos)
	}

	return p, nil
}
