package server

import "github.com/chazu/stackvm/pkg/bytecode"

// Service and procedure names. The procedures are shared by the Connect
// and gRPC transports.
const (
	ServiceName = "stackvm.v1.ExecutionService"

	ExecuteProcedure     = "/" + ServiceName + "/Execute"
	UploadProcedure      = "/" + ServiceName + "/Upload"
	DisassembleProcedure = "/" + ServiceName + "/Disassemble"
	ListProcedure        = "/" + ServiceName + "/List"
)

// ProgramRef selects a program: an inline image, a stored hash or a stored
// name, checked in that order.
type ProgramRef struct {
	Program *bytecode.Program `cbor:"1,keyasint,omitempty"`
	Hash    string            `cbor:"2,keyasint,omitempty"`
	Name    string            `cbor:"3,keyasint,omitempty"`
}

// ExecuteRequest runs a program on a fresh VM.
type ExecuteRequest struct {
	ProgramRef
	Trace bool `cbor:"4,keyasint,omitempty"`

	// MaxSteps lowers the server step budget for this run. Zero keeps the
	// server budget.
	MaxSteps uint64 `cbor:"5,keyasint,omitempty"`
}

// FaultInfo describes why a run stopped abnormally.
type FaultInfo struct {
	Kind    string `cbor:"1,keyasint"`
	PC      int    `cbor:"2,keyasint"`
	Message string `cbor:"3,keyasint"`
}

// ExecuteResponse reports the outcome of a run. A fault is a result, not an
// RPC error.
type ExecuteResponse struct {
	RunID   string          `cbor:"1,keyasint"`
	Halted  bool            `cbor:"2,keyasint"`
	Fault   *FaultInfo      `cbor:"3,keyasint,omitempty"`
	Output  string          `cbor:"4,keyasint"`
	Trace   string          `cbor:"5,keyasint,omitempty"`
	Globals []bytecode.Word `cbor:"6,keyasint"`
	Stack   []bytecode.Word `cbor:"7,keyasint"`
	Steps   uint64          `cbor:"8,keyasint"`

	// Set when the output or trace exceeded the server cap and was cut.
	OutputTruncated bool `cbor:"9,keyasint,omitempty"`
	TraceTruncated  bool `cbor:"10,keyasint,omitempty"`
}

// UploadRequest stores a program, optionally under a name.
type UploadRequest struct {
	Name    string            `cbor:"1,keyasint,omitempty"`
	Program *bytecode.Program `cbor:"2,keyasint"`
}

type UploadResponse struct {
	Hash string `cbor:"1,keyasint"`
}

// DisassembleRequest renders a program listing.
type DisassembleRequest struct {
	ProgramRef
}

type DisassembleResponse struct {
	Listing string `cbor:"1,keyasint"`
}

type ListRequest struct{}

// ProgramInfo is one entry of a ListResponse.
type ProgramInfo struct {
	Name    string `cbor:"1,keyasint,omitempty"`
	Hash    string `cbor:"2,keyasint"`
	Size    int    `cbor:"3,keyasint"`
	Created int64  `cbor:"4,keyasint"` // unix seconds
}

type ListResponse struct {
	Programs []ProgramInfo `cbor:"1,keyasint"`
}
