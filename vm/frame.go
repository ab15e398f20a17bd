package vm

import "github.com/chazu/stackvm/pkg/bytecode"

// ---------------------------------------------------------------------------
// Frame: activation record for one function invocation
// ---------------------------------------------------------------------------

// Frame holds the locals of one active invocation and the linkage needed to
// resume the caller.
type Frame struct {
	Function       int             // index in the function table, -1 for the top-level frame
	Locals         []bytecode.Word // len == callee LocalCount; parameters occupy the first Arity slots
	ReturnAddress  int             // pc of the instruction after the call
	SavedStackBase int             // operand stack depth after the arguments were popped
}

// ---------------------------------------------------------------------------
// callStack: frames stored by depth in a reusable arena
// ---------------------------------------------------------------------------

// callStack keeps frames in a slice indexed by depth. Slots above the
// current depth keep their local buffers so later calls can reuse them.
type callStack struct {
	frames []Frame
	depth  int
}

// push activates a new frame with zeroed locals and returns it. The pointer
// is valid until the next push.
func (cs *callStack) push(function, localCount int) *Frame {
	if cs.depth == len(cs.frames) {
		cs.frames = append(cs.frames, Frame{})
	}
	f := &cs.frames[cs.depth]
	if cap(f.Locals) >= localCount {
		f.Locals = f.Locals[:localCount]
		clear(f.Locals)
	} else {
		f.Locals = make([]bytecode.Word, localCount)
	}
	f.Function = function
	f.ReturnAddress = 0
	f.SavedStackBase = 0
	cs.depth++
	return f
}

// pop deactivates the top frame. Returns false if no frame is active.
func (cs *callStack) pop() (Frame, bool) {
	if cs.depth == 0 {
		return Frame{}, false
	}
	cs.depth--
	return cs.frames[cs.depth], true
}

// top returns the active frame, or nil at top level.
func (cs *callStack) top() *Frame {
	if cs.depth == 0 {
		return nil
	}
	return &cs.frames[cs.depth-1]
}

func (cs *callStack) len() int {
	return cs.depth
}

// reset drops every active frame but keeps the arena.
func (cs *callStack) reset() {
	cs.depth = 0
}

// functions returns the function indexes of the active frames, outermost
// first.
func (cs *callStack) functions() []int {
	out := make([]int, cs.depth)
	for i := 0; i < cs.depth; i++ {
		out[i] = cs.frames[i].Function
	}
	return out
}
