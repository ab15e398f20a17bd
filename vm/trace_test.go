package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/stackvm/pkg/bytecode"
)

func TestFormatTrace(t *testing.T) {
	got := FormatTrace(Snapshot{
		PC:          4,
		Op:          bytecode.OpIAdd,
		Instruction: "iadd",
		Stack:       []Word{1, 2},
		Calls:       []string{"f", "g"},
	})
	want := "0004  iadd           stack=[1 2] calls=[f g]"
	if got != want {
		t.Errorf("FormatTrace = %q, want %q", got, want)
	}

	empty := FormatTrace(Snapshot{Instruction: "halt"})
	if !strings.HasSuffix(empty, "stack=[] calls=[]") {
		t.Errorf("empty snapshot = %q", empty)
	}
}

func TestTraceLinePerInstruction(t *testing.T) {
	var out, trace bytes.Buffer
	m := New(bytecode.HelloProgram(), WithOutput(&out), WithTraceOutput(&trace), WithTrace(true))
	if err := m.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(trace.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d trace lines, want 5:\n%s", len(lines), trace.String())
	}
	if !strings.HasPrefix(lines[0], "0000  iconst   1") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "0004  iadd") || !strings.Contains(lines[2], "stack=[1 2]") {
		t.Errorf("iadd line = %q", lines[2])
	}
	if !strings.Contains(lines[3], "stack=[3]") {
		t.Errorf("print line = %q", lines[3])
	}
	if out.String() != "3\n" {
		t.Errorf("output = %q, trace must not alter it", out.String())
	}
}

func TestTraceShowsCallStack(t *testing.T) {
	var trace bytes.Buffer
	m := New(bytecode.FuncPtrArgProgram(), WithOutput(&bytes.Buffer{}), WithTraceOutput(&trace), WithTrace(true))
	if err := m.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(trace.String(), "calls=[f g]") {
		t.Errorf("trace never shows g called from f:\n%s", trace.String())
	}
	if !strings.Contains(trace.String(), "call     #0:f@8") {
		t.Errorf("trace does not name the direct callee:\n%s", trace.String())
	}
}

func TestTraceDoesNotAlterExecution(t *testing.T) {
	for _, name := range bytecode.DemoNames() {
		prog := bytecode.Demos[name].Build()

		var plainOut bytes.Buffer
		plain := New(prog, WithOutput(&plainOut))
		plainErr := plain.Execute()

		var tracedOut, trace bytes.Buffer
		traced := New(prog, WithOutput(&tracedOut), WithTraceOutput(&trace), WithTrace(true))
		tracedErr := traced.Execute()

		if plainErr != nil || tracedErr != nil {
			t.Fatalf("%s: errors %v / %v", name, plainErr, tracedErr)
		}
		if plainOut.String() != tracedOut.String() {
			t.Errorf("%s: output %q with trace, %q without", name, tracedOut.String(), plainOut.String())
		}
		if !equalWords(plain.Globals(), traced.Globals()) || plain.Steps() != traced.Steps() {
			t.Errorf("%s: traced run diverged", name)
		}
	}
}

func TestSetTraceMidRun(t *testing.T) {
	var trace bytes.Buffer
	m := New(bytecode.HelloProgram(), WithOutput(&bytes.Buffer{}), WithTraceOutput(&trace))
	m.Step()
	m.Step()
	m.SetTrace(true)
	if !m.Tracing() {
		t.Fatal("Tracing() = false after SetTrace(true)")
	}
	if err := m.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := strings.Count(trace.String(), "\n"); n != 3 {
		t.Errorf("got %d trace lines after enabling at step 2, want 3", n)
	}
}

func TestRedirectWritersMidRun(t *testing.T) {
	prog := bytecode.NewProgram([]bytecode.Word{
		bytecode.Word(bytecode.OpIConst), 1,
		bytecode.Word(bytecode.OpPrint),
		bytecode.Word(bytecode.OpIConst), 2,
		bytecode.Word(bytecode.OpPrint),
		bytecode.Word(bytecode.OpHalt),
	}, 0, nil)

	var firstOut, firstTrace, secondOut, secondTrace bytes.Buffer
	m := New(prog, WithOutput(&firstOut), WithTraceOutput(&firstTrace), WithTrace(true))
	m.Step()
	m.Step()

	m.SetOutput(&secondOut)
	m.SetTraceOutput(&secondTrace)
	if err := m.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if firstOut.String() != "1\n" || secondOut.String() != "2\n" {
		t.Errorf("output split as %q / %q", firstOut.String(), secondOut.String())
	}
	if n := strings.Count(firstTrace.String(), "\n"); n != 2 {
		t.Errorf("first trace writer got %d lines, want 2:\n%s", n, firstTrace.String())
	}
	lines := strings.Split(strings.TrimSpace(secondTrace.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "0003  iconst   2") {
		t.Errorf("second trace writer got:\n%s", secondTrace.String())
	}
}

func TestSnapshot(t *testing.T) {
	m := New(bytecode.HelloProgram(), WithOutput(&bytes.Buffer{}))
	m.Step()
	m.Step()
	s := m.Snapshot()
	if s.PC != 4 || s.Op != bytecode.OpIAdd || s.Instruction != "iadd" {
		t.Errorf("Snapshot = %+v", s)
	}
	if !equalWords(s.Stack, []Word{1, 2}) {
		t.Errorf("Snapshot stack = %v", s.Stack)
	}
}
