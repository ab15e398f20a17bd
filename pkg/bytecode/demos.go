package bytecode

import "sort"

// Demo is a named literal program used by the CLI and tests.
type Demo struct {
	Name        string
	Description string
	Build       func() *Program
}

// Demos lists the built-in programs by name.
var Demos = map[string]Demo{
	"hello": {
		Name:        "hello",
		Description: "print 1 + 2",
		Build:       HelloProgram,
	},
	"fhello": {
		Name:        "fhello",
		Description: "print 3.14159 + 2.5",
		Build:       FloatHelloProgram,
	},
	"loop": {
		Name:        "loop",
		Description: "count global I from 0 to N=10",
		Build:       LoopProgram,
	},
	"funcptr": {
		Name:        "funcptr",
		Description: "print f(10) where f is called through funcidx/callidx",
		Build:       FuncPtrProgram,
	},
	"funcptr-arg": {
		Name:        "funcptr-arg",
		Description: "print f(&g, 10) where f calls its first argument",
		Build:       FuncPtrArgProgram,
	},
}

// DemoNames returns the demo names in sorted order.
func DemoNames() []string {
	names := make([]string, 0, len(Demos))
	for name := range Demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HelloProgram prints 3.
func HelloProgram() *Program {
	return NewProgram([]Word{
		Word(OpIConst), 1,
		Word(OpIConst), 2,
		Word(OpIAdd),
		Word(OpPrint),
		Word(OpHalt),
	}, 0, nil)
}

// FloatHelloProgram prints 5.64159.
func FloatHelloProgram() *Program {
	return NewProgram([]Word{
		Word(OpFConst), FloatWord(3.14159),
		Word(OpFConst), FloatWord(2.5),
		Word(OpFAdd),
		Word(OpFPrint),
		Word(OpHalt),
	}, 0, nil)
}

// LoopProgram uses globals N (slot 0) and I (slot 1) and runs
// "N = 10; I = 0; while I < N: I = I + 1".
func LoopProgram() *Program {
	return NewProgram([]Word{
		// N = 10                   ADDRESS
		Word(OpIConst), 10, //      0
		Word(OpGStore), 0, //       2
		// I = 0
		Word(OpIConst), 0, //       4
		Word(OpGStore), 1, //       6
		// WHILE I<N:
		Word(OpGLoad), 1, //        8
		Word(OpGLoad), 0, //        10
		Word(OpILt),      //        12
		Word(OpBrf), 24, //         13
		// I = I + 1
		Word(OpGLoad), 1, //        15
		Word(OpIConst), 1, //       17
		Word(OpIAdd),      //       19
		Word(OpGStore), 1, //       20
		Word(OpBr), 8, //           22
		// DONE
		Word(OpHalt), //            24
	}, 2, nil)
}

// FuncPtrProgram calls f(x) = 2*x with 10 through a function index.
func FuncPtrProgram() *Program {
	return NewProgram([]Word{
		Word(OpIConst), 10, //      0
		Word(OpFuncIdx), 0, //      2
		Word(OpCallIdx), //         4
		Word(OpPrint),   //         5
		Word(OpHalt),    //         6
		// f(x): return 2*x
		Word(OpLoad), 0, //         7
		Word(OpIConst), 2,
		Word(OpIMul),
		Word(OpRet),
	}, 0, []FuncMeta{
		{Name: "f", Arity: 1, LocalCount: 1, Entry: 7},
	})
}

// FuncPtrArgProgram calls f(&g, 10) where f(p, x) returns (*p)(x) and
// g(x) returns 2*x.
func FuncPtrArgProgram() *Program {
	return NewProgram([]Word{
		Word(OpFuncIdx), 1, //      0    push index of g
		Word(OpIConst), 10, //      2
		Word(OpCall), 0, //         4
		Word(OpPrint), //           6
		Word(OpHalt),  //           7
		// f(p, x): return (*p)(x)
		Word(OpLoad), 1, //         8    push x
		Word(OpLoad), 0, //         10   push p
		Word(OpCallIdx), //         12
		Word(OpRet),     //         13
		// g(x): return 2*x
		Word(OpLoad), 0, //         14
		Word(OpIConst), 2,
		Word(OpIMul),
		Word(OpRet),
	}, 0, []FuncMeta{
		{Name: "f", Arity: 2, LocalCount: 2, Entry: 8},
		{Name: "g", Arity: 1, LocalCount: 1, Entry: 14},
	})
}
