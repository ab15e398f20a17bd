package server

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// SchemaFile is the name of the protobuf file describing the gRPC surface.
const SchemaFile = "stackvm/v1/execution.proto"

const schemaPackage = "stackvm.v1"

// Schema holds the protobuf descriptors of the execution service. The gRPC
// transport encodes messages against them and the reflection service
// publishes them.
type Schema struct {
	File    *desc.FileDescriptor
	Service *desc.ServiceDescriptor

	// Files resolves the same file for the reflection service.
	Files *protoregistry.Files
}

// Method returns the descriptor of one of the service methods.
func (s *Schema) Method(name string) *desc.MethodDescriptor {
	return s.Service.FindMethodByName(name)
}

var schema = mustBuildSchema()

func mustBuildSchema() *Schema {
	s, err := buildSchema()
	if err != nil {
		panic(fmt.Sprintf("server: invalid execution schema: %v", err))
	}
	return s
}

func buildSchema() (*Schema, error) {
	fdp := schemaProto()
	fd, err := desc.CreateFileDescriptor(fdp)
	if err != nil {
		return nil, err
	}
	sd := fd.FindService(ServiceName)
	if sd == nil {
		return nil, fmt.Errorf("service %s missing from %s", ServiceName, SchemaFile)
	}

	rfd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		return nil, err
	}
	files := new(protoregistry.Files)
	if err := files.RegisterFile(rfd); err != nil {
		return nil, err
	}
	return &Schema{File: fd, Service: sd, Files: files}, nil
}

// ExecutionSchema returns the descriptors of the gRPC surface.
func ExecutionSchema() *Schema {
	return schema
}

type protoField struct {
	name     string
	typ      descriptorpb.FieldDescriptorProto_Type
	message  string // message type name within the package
	repeated bool
}

func scalarField(name string, typ descriptorpb.FieldDescriptorProto_Type) protoField {
	return protoField{name: name, typ: typ}
}

func repeatedField(name string, typ descriptorpb.FieldDescriptorProto_Type) protoField {
	return protoField{name: name, typ: typ, repeated: true}
}

func messageField(name, typ string) protoField {
	return protoField{name: name, typ: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, message: typ}
}

func repeatedMessage(name, typ string) protoField {
	f := messageField(name, typ)
	f.repeated = true
	return f
}

// messageProto numbers fields in declaration order starting at 1.
func messageProto(name string, fields ...protoField) *descriptorpb.DescriptorProto {
	m := &descriptorpb.DescriptorProto{Name: proto.String(name)}
	for i, f := range fields {
		label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		if f.repeated {
			label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		}
		fp := &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(f.name),
			JsonName: proto.String(jsonName(f.name)),
			Number:   proto.Int32(int32(i + 1)),
			Label:    label.Enum(),
			Type:     f.typ.Enum(),
		}
		if f.message != "" {
			fp.TypeName = proto.String("." + schemaPackage + "." + f.message)
		}
		m.Field = append(m.Field, fp)
	}
	return m
}

func jsonName(name string) string {
	out := make([]byte, 0, len(name))
	upper := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}

func methodProto(name string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String("." + schemaPackage + "." + name + "Request"),
		OutputType: proto.String("." + schemaPackage + "." + name + "Response"),
	}
}

// schemaProto is the descriptor of:
//
//	service ExecutionService {
//	  rpc Execute(ExecuteRequest) returns (ExecuteResponse);
//	  rpc Upload(UploadRequest) returns (UploadResponse);
//	  rpc Disassemble(DisassembleRequest) returns (DisassembleResponse);
//	  rpc List(ListRequest) returns (ListResponse);
//	}
//
// Counts and addresses are int64 so that oversized programs reach the
// server's own admission checks instead of failing to encode.
func schemaProto() *descriptorpb.FileDescriptorProto {
	const (
		i32     = descriptorpb.FieldDescriptorProto_TYPE_INT32
		i64     = descriptorpb.FieldDescriptorProto_TYPE_INT64
		u64     = descriptorpb.FieldDescriptorProto_TYPE_UINT64
		str     = descriptorpb.FieldDescriptorProto_TYPE_STRING
		boolean = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	)
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(SchemaFile),
		Package: proto.String(schemaPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			messageProto("Function",
				scalarField("name", str), scalarField("arity", i64), scalarField("locals", i64), scalarField("entry", i64)),
			messageProto("Program",
				repeatedField("code", i32), scalarField("globals", i64), repeatedMessage("functions", "Function"),
				scalarField("entry", i64), scalarField("main_locals", i64)),
			messageProto("ExecuteRequest",
				messageField("program", "Program"), scalarField("hash", str), scalarField("name", str),
				scalarField("trace", boolean), scalarField("max_steps", u64)),
			messageProto("Fault",
				scalarField("kind", str), scalarField("pc", i64), scalarField("message", str)),
			messageProto("ExecuteResponse",
				scalarField("run_id", str), scalarField("halted", boolean), messageField("fault", "Fault"),
				scalarField("output", str), scalarField("trace", str), repeatedField("globals", i32), repeatedField("stack", i32),
				scalarField("steps", u64), scalarField("output_truncated", boolean), scalarField("trace_truncated", boolean)),
			messageProto("UploadRequest",
				scalarField("name", str), messageField("program", "Program")),
			messageProto("UploadResponse",
				scalarField("hash", str)),
			messageProto("DisassembleRequest",
				messageField("program", "Program"), scalarField("hash", str), scalarField("name", str)),
			messageProto("DisassembleResponse",
				scalarField("listing", str)),
			messageProto("ListRequest"),
			messageProto("ProgramInfo",
				scalarField("name", str), scalarField("hash", str), scalarField("size", i64), scalarField("created", i64)),
			messageProto("ListResponse",
				repeatedMessage("programs", "ProgramInfo")),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("ExecutionService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				methodProto("Execute"),
				methodProto("Upload"),
				methodProto("Disassemble"),
				methodProto("List"),
			},
		}},
	}
}
