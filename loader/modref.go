package loader

import (
	"j5.nz/disvm/heap"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FunctionRef is a resolved reference to one function exported by an
// imported module: its entry point and the frame type a caller must
// allocate before invoking it.
type FunctionRef struct {
	EntryPC   int32
	FrameType int32
}

// ModRef is a loader-site instance of a Module: the code/type sections
// are shared (read-only) with every other ModRef of the same Module,
// but each gets its own copy of the module's MP (global data) and, if
// it imports functions, its own resolved import table.
//
// Grounded on original_source/src/vm/module_ref.cpp's vm_module_ref_t.
type ModRef struct {
	Module *Module
	MP     *heap.Alloc // nil if the module declares no data section

	// ID identifies this specific loader-site instance, stable across
	// the instance's lifetime even if its Module is reloaded and a new
	// ModRef constructed for it. A debugger uses this (§4.I) to refer
	// to "that particular running instance" rather than the module by
	// name, which two concurrently loaded instances would share.
	ID uuid.UUID

	imports []FunctionRef
}

// NewModRef creates a ModRef with no import resolution, for a module
// with no import section (or the entry module itself).
func NewModRef(h *heap.Heap, m *Module) *ModRef {
	return &ModRef{Module: m, MP: copyMP(h, m), ID: uuid.New()}
}

// NewModRefWithImports creates a ModRef and resolves moduleImports
// (one of m's own import_section entries, naming the functions it
// expects from the module being referenced) against m's export table.
func NewModRefWithImports(h *heap.Heap, m *Module, moduleImports ImportModule) (*ModRef, error) {
	refs := make([]FunctionRef, len(moduleImports.Functions))
	for i, imp := range moduleImports.Functions {
		candidates := m.Exports[imp.Sig]
		var match *ExportFunction
		for j := range candidates {
			if candidates[j].Name == imp.Name {
				match = &candidates[j]
				break
			}
		}
		if match == nil && len(candidates) == 0 {
			return nil, errors.Errorf("module %q does not export a function with expected signature", m.Name)
		}
		if match == nil {
			return nil, errors.Errorf("module %q: type check failure for exported function %q", m.Name, imp.Name)
		}
		refs[i] = FunctionRef{EntryPC: match.PC, FrameType: match.FrameType}
	}

	return &ModRef{Module: m, MP: copyMP(h, m), ID: uuid.New(), imports: refs}, nil
}

func copyMP(h *heap.Heap, m *Module) *heap.Alloc {
	if m.Data == nil {
		return nil
	}
	return h.Copy(m.Data)
}

// ModRefTypeDesc marks a heap.Alloc whose Ext is a *ModRef — the boxed
// form a load instruction's dest register holds, so that
// mcall/mspawn/mframe/mnewz can read a module reference back out
// of an ordinary operand byte window. This box has no Trace and no
// pointer bitmap, so the GC and destroy never walk ModRef.MP through
// it.
var ModRefTypeDesc = &heap.TypeDesc{Name: "module_ref"}

// NewModRefAlloc heap-boxes mr.
func NewModRefAlloc(h *heap.Heap, mr *ModRef) *heap.Alloc {
	return h.AllocateExt(ModRefTypeDesc, mr)
}

// AsModRef recovers the *ModRef an Alloc boxes. a may be nil.
func AsModRef(a *heap.Alloc) *ModRef {
	if a == nil {
		return nil
	}
	return a.Ext.(*ModRef)
}

// IsBuiltin reports whether the underlying module is a host-provided
// builtin (§ SUPPLEMENTED FEATURES Sys/Math registration), as opposed
// to one parsed from a .dis file.
func (mr *ModRef) IsBuiltin() bool {
	return mr.Module.Header.RuntimeFlag.Has(FlagBuiltin)
}

// FunctionRef returns the resolved entry point for the index'th
// imported function (the operand of an mcall/mspawn/mframe instruction).
func (mr *ModRef) FunctionRef(index int) (FunctionRef, error) {
	if index < 0 || index >= len(mr.imports) {
		return FunctionRef{}, errors.New("invalid function reference index into module reference functions")
	}
	return mr.imports[index], nil
}
