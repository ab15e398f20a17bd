// Package bytecode defines the instruction set and program image of the
// stack VM.
//
// A program is a flat stream of 32-bit words. Each instruction is an opcode
// word optionally followed by one operand word. The same stream also carries
// a function table (name, arity, local count, entry address) referenced by
// index from call and funcidx, and the number of global slots.
//
// Words carry no type tag. Integer opcodes treat a word as a two's
// complement int32 and wrap on overflow; float opcodes reinterpret the bits
// as an IEEE-754 float32.
//
// # Instruction Set
//
//   - Integer arithmetic: iadd, isub, imul, ilt, ieq
//   - Float arithmetic: fadd, fsub, fmul, flt, feq
//   - Control flow: br, brt, brf, halt
//   - Constants and memory: iconst, fconst, load, store, gload, gstore
//   - I/O and stack: print, fprint, pop
//   - Calls: call, funcidx, callidx, ret
//
// # Images
//
// Programs can be stored in two encodings:
//
//   - The binary "SVBC" image (Serialize/Deserialize), a compact
//     big-endian layout used for files and content hashing.
//
//   - Canonical CBOR (MarshalProgram/UnmarshalProgram), used on the wire by
//     the execution service.
//
// Program.Validate checks the addressing invariants of an image before it
// is handed to a VM. Execution itself lives in the vm package.
package bytecode
