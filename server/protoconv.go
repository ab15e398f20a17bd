package server

import (
	"fmt"

	"github.com/jhump/protoreflect/dynamic"

	"github.com/chazu/stackvm/pkg/bytecode"
)

// newMessage creates an empty message of a type declared in the schema.
func newMessage(name string) *dynamic.Message {
	md := schema.File.FindMessage(schemaPackage + "." + name)
	if md == nil {
		panic("server: unknown message " + name)
	}
	return dynamic.NewMessage(md)
}

// protoWriter sets fields by name and keeps the first error.
type protoWriter struct {
	msg *dynamic.Message
	err error
}

func writer(name string) *protoWriter {
	return &protoWriter{msg: newMessage(name)}
}

func (w *protoWriter) set(field string, v any) {
	if w.err != nil {
		return
	}
	if err := w.msg.TrySetFieldByName(field, v); err != nil {
		w.err = fmt.Errorf("%s.%s: %w", w.msg.GetMessageDescriptor().GetName(), field, err)
	}
}

// setMessage sets a message field unless m is nil.
func (w *protoWriter) setMessage(field string, m *dynamic.Message, err error) {
	if err != nil {
		if w.err == nil {
			w.err = err
		}
		return
	}
	if m != nil {
		w.set(field, m)
	}
}

func (w *protoWriter) done() (*dynamic.Message, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.msg, nil
}

func getString(m *dynamic.Message, field string) string {
	s, _ := m.GetFieldByName(field).(string)
	return s
}

func getBool(m *dynamic.Message, field string) bool {
	b, _ := m.GetFieldByName(field).(bool)
	return b
}

func getInt(m *dynamic.Message, field string) int {
	return int(getInt64(m, field))
}

func getUint64(m *dynamic.Message, field string) uint64 {
	n, _ := m.GetFieldByName(field).(uint64)
	return n
}

func getWords(m *dynamic.Message, field string) []bytecode.Word {
	elems, _ := m.GetFieldByName(field).([]interface{})
	if len(elems) == 0 {
		return nil
	}
	words := make([]bytecode.Word, len(elems))
	for i, e := range elems {
		n, _ := e.(int32)
		words[i] = bytecode.Word(n)
	}
	return words
}

func getMessages(m *dynamic.Message, field string) []*dynamic.Message {
	elems, _ := m.GetFieldByName(field).([]interface{})
	msgs := make([]*dynamic.Message, 0, len(elems))
	for _, e := range elems {
		if sub, ok := e.(*dynamic.Message); ok {
			msgs = append(msgs, sub)
		}
	}
	return msgs
}

// getMessage returns nil when the field is unset.
func getMessage(m *dynamic.Message, field string) *dynamic.Message {
	if !m.HasFieldName(field) {
		return nil
	}
	sub, _ := m.GetFieldByName(field).(*dynamic.Message)
	return sub
}

func wordList(words []bytecode.Word) []interface{} {
	elems := make([]interface{}, len(words))
	for i, w := range words {
		elems[i] = int32(w)
	}
	return elems
}

func programToProto(p *bytecode.Program) (*dynamic.Message, error) {
	if p == nil {
		return nil, nil
	}
	w := writer("Program")
	w.set("code", wordList(p.Code))
	w.set("globals", int64(p.GlobalCount))
	w.set("entry", int64(p.Entry))
	w.set("main_locals", int64(p.MainLocals))
	funcs := make([]interface{}, 0, len(p.Functions))
	for _, f := range p.Functions {
		fw := writer("Function")
		fw.set("name", f.Name)
		fw.set("arity", int64(f.Arity))
		fw.set("locals", int64(f.LocalCount))
		fw.set("entry", int64(f.Entry))
		fm, err := fw.done()
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, fm)
	}
	w.set("functions", funcs)
	return w.done()
}

func programFromProto(m *dynamic.Message) *bytecode.Program {
	if m == nil {
		return nil
	}
	p := &bytecode.Program{
		Code:        getWords(m, "code"),
		GlobalCount: getInt(m, "globals"),
		Entry:       getInt(m, "entry"),
		MainLocals:  getInt(m, "main_locals"),
	}
	for _, fm := range getMessages(m, "functions") {
		p.Functions = append(p.Functions, bytecode.FuncMeta{
			Name:       getString(fm, "name"),
			Arity:      getInt(fm, "arity"),
			LocalCount: getInt(fm, "locals"),
			Entry:      getInt(fm, "entry"),
		})
	}
	return p
}

func writeRef(w *protoWriter, ref ProgramRef) {
	pm, err := programToProto(ref.Program)
	w.setMessage("program", pm, err)
	if ref.Hash != "" {
		w.set("hash", ref.Hash)
	}
	if ref.Name != "" {
		w.set("name", ref.Name)
	}
}

func readRef(m *dynamic.Message) ProgramRef {
	return ProgramRef{
		Program: programFromProto(getMessage(m, "program")),
		Hash:    getString(m, "hash"),
		Name:    getString(m, "name"),
	}
}

// toProto encodes a service message as its protobuf counterpart.
func toProto(v any) (*dynamic.Message, error) {
	switch v := v.(type) {
	case *ExecuteRequest:
		w := writer("ExecuteRequest")
		writeRef(w, v.ProgramRef)
		w.set("trace", v.Trace)
		w.set("max_steps", v.MaxSteps)
		return w.done()

	case *ExecuteResponse:
		w := writer("ExecuteResponse")
		w.set("run_id", v.RunID)
		w.set("halted", v.Halted)
		if v.Fault != nil {
			fw := writer("Fault")
			fw.set("kind", v.Fault.Kind)
			fw.set("pc", int64(v.Fault.PC))
			fw.set("message", v.Fault.Message)
			fm, err := fw.done()
			w.setMessage("fault", fm, err)
		}
		w.set("output", v.Output)
		w.set("trace", v.Trace)
		w.set("globals", wordList(v.Globals))
		w.set("stack", wordList(v.Stack))
		w.set("steps", v.Steps)
		w.set("output_truncated", v.OutputTruncated)
		w.set("trace_truncated", v.TraceTruncated)
		return w.done()

	case *UploadRequest:
		w := writer("UploadRequest")
		w.set("name", v.Name)
		pm, err := programToProto(v.Program)
		w.setMessage("program", pm, err)
		return w.done()

	case *UploadResponse:
		w := writer("UploadResponse")
		w.set("hash", v.Hash)
		return w.done()

	case *DisassembleRequest:
		w := writer("DisassembleRequest")
		writeRef(w, v.ProgramRef)
		return w.done()

	case *DisassembleResponse:
		w := writer("DisassembleResponse")
		w.set("listing", v.Listing)
		return w.done()

	case *ListRequest:
		return writer("ListRequest").done()

	case *ListResponse:
		w := writer("ListResponse")
		infos := make([]interface{}, 0, len(v.Programs))
		for _, info := range v.Programs {
			iw := writer("ProgramInfo")
			iw.set("name", info.Name)
			iw.set("hash", info.Hash)
			iw.set("size", int64(info.Size))
			iw.set("created", info.Created)
			im, err := iw.done()
			if err != nil {
				return nil, err
			}
			infos = append(infos, im)
		}
		w.set("programs", infos)
		return w.done()
	}
	return nil, fmt.Errorf("server: no protobuf form for %T", v)
}

// fromProto decodes m into v, which must be the matching service message.
func fromProto(m *dynamic.Message, v any) error {
	switch v := v.(type) {
	case *ExecuteRequest:
		*v = ExecuteRequest{
			ProgramRef: readRef(m),
			Trace:      getBool(m, "trace"),
			MaxSteps:   getUint64(m, "max_steps"),
		}

	case *ExecuteResponse:
		*v = ExecuteResponse{
			RunID:           getString(m, "run_id"),
			Halted:          getBool(m, "halted"),
			Output:          getString(m, "output"),
			Trace:           getString(m, "trace"),
			Globals:         getWords(m, "globals"),
			Stack:           getWords(m, "stack"),
			Steps:           getUint64(m, "steps"),
			OutputTruncated: getBool(m, "output_truncated"),
			TraceTruncated:  getBool(m, "trace_truncated"),
		}
		if fm := getMessage(m, "fault"); fm != nil {
			v.Fault = &FaultInfo{
				Kind:    getString(fm, "kind"),
				PC:      getInt(fm, "pc"),
				Message: getString(fm, "message"),
			}
		}

	case *UploadRequest:
		*v = UploadRequest{
			Name:    getString(m, "name"),
			Program: programFromProto(getMessage(m, "program")),
		}

	case *UploadResponse:
		*v = UploadResponse{Hash: getString(m, "hash")}

	case *DisassembleRequest:
		*v = DisassembleRequest{ProgramRef: readRef(m)}

	case *DisassembleResponse:
		*v = DisassembleResponse{Listing: getString(m, "listing")}

	case *ListRequest:
		*v = ListRequest{}

	case *ListResponse:
		*v = ListResponse{}
		for _, im := range getMessages(m, "programs") {
			v.Programs = append(v.Programs, ProgramInfo{
				Name:    getString(im, "name"),
				Hash:    getString(im, "hash"),
				Size:    getInt(im, "size"),
				Created: getInt64(im, "created"),
			})
		}

	default:
		return fmt.Errorf("server: no protobuf form for %T", v)
	}
	return nil
}

func getInt64(m *dynamic.Message, field string) int64 {
	n, _ := m.GetFieldByName(field).(int64)
	return n
}
