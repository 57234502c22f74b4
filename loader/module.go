package loader

import "j5.nz/disvm/heap"

// Header is the fixed-layout preamble of a module file (§6).
type Header struct {
	MagicNumber int32
	Signature   []byte
	RuntimeFlag RuntimeFlags
	StackExtent int32
	CodeSize    int32
	DataSize    int32
	TypeSize    int32
	ExportSize  int32
	EntryPC     int32 // -1 if the module has no entry point
	EntryType   int32 // -1 if the module has no entry point
}

// NoEntryPC is the sentinel EntryPC/EntryType value for a module with
// no runnable entry point (e.g. a library module).
const NoEntryPC = int32(-1)

// NoErrorHandlerTypeDesc marks a handler entry with no associated type
// descriptor (the handler catches by exception name only).
const NoErrorHandlerTypeDesc = int32(-1)

// ExportFunction is one entry of the link (export) section.
type ExportFunction struct {
	PC        int32
	FrameType int32
	Sig       uint32
	Name      string
}

// ImportFunction is one entry in an imported module's function table.
type ImportFunction struct {
	Sig  uint32
	Name string
}

// ImportModule is the set of functions a module imports from a single
// external module, identified positionally by the code section's mcall
// family of instructions.
type ImportModule struct {
	Functions []ImportFunction
}

// ExceptionCase names one handled exception within a Handler's table.
// The final entry of Table is always the wildcard case (Name == "").
type ExceptionCase struct {
	Name string
	PC   int32
}

// Handler is one exception-handler entry (§6 handler section).
type Handler struct {
	ExceptionOffset    int32
	BeginPC            int32
	EndPC              int32
	TypeDesc           *heap.TypeDesc // nil if TypeDescNumber was NoErrorHandlerTypeDesc
	ExceptionTypeCount int
	Table              []ExceptionCase
}

// Module is a fully parsed, loaded Dis VM module (§3 Module).
type Module struct {
	Header   Header
	Code     []Instruction
	Types    []*heap.TypeDesc
	Data     *heap.Alloc
	Name     string
	Exports  map[uint32][]ExportFunction
	Imports  []ImportModule
	Handlers []Handler
}
