package vm

import (
	"bytes"

	"github.com/pkg/errors"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// registerMisc wires the module-load, exception-raise and type-check
// opcodes that don't belong to any of the other families, plus the two
// opcodes the original leaves unimplemented (self, eclr).
func registerMisc(e *Engine) {
	e.register(loader.OpLoad, opLoad)
	e.register(loader.OpRaise, opRaise)
	e.register(loader.OpTcmp, opTcmp)

	// eclr ("clear exception stack") is documented as reserved for the
	// implementation's own discretion and never actually emitted.
	e.register(loader.OpEclr, func(e *Engine, th *Thread, i loader.Instruction) error {
		return errEclrNotExpected
	})
	e.register(loader.OpSelf, notImplInOriginal)
}

var errEclrNotExpected = errors.New("eclr instruction is not expected to be used")

// opLoad implements "load": resolve a module by path (with the "$self"
// fast path re-using the calling module's own parse) and box a fresh
// ModRef, with imports resolved against the importing module's
// module_import_index'th import section entry. A resolution failure is
// swallowed, leaving dest nil, exactly as the original logs and returns
// rather than faulting the thread.
func opLoad(e *Engine, th *Thread, i loader.Instruction) error {
	importing := th.Regs.Module.Module
	if !importing.Header.RuntimeFlag.Has(loader.FlagHasImport) {
		return userException(e.Heap, "Invalid importing module")
	}

	path := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
	if path == nil {
		return Raise(ExcDereferenceNil)
	}

	installOwned(e.Heap, th.Regs.Dest, nil)

	var resolved *loader.Module
	if path.String() == "$self" {
		resolved = importing
	} else {
		m, err := e.Resolver.ResolveModule(path.String())
		if err != nil {
			return nil
		}
		resolved = m
	}

	importIndex := int(getW(th.Regs.Mid))
	if importIndex < 0 || importIndex >= len(importing.Imports) {
		return errors.New("invalid module import index")
	}

	mr, err := loader.NewModRefWithImports(e.Heap, resolved, importing.Imports[importIndex])
	if err != nil {
		return err
	}
	installOwned(e.Heap, th.Regs.Dest, loader.NewModRefAlloc(e.Heap, mr))
	return nil
}

// opRaise implements "raise": extract the exception id from src, which
// names either a plain string (the exception id itself) or a
// bytecode-defined ADT whose first pointer field is the id string
// (§7's "exception format is not formally specified" note).
func opRaise(e *Engine, th *Thread, i loader.Instruction) error {
	a := heap.LoadPointer(e.Heap, th.Regs.Src, 0)
	if a == nil {
		return Raise(ExcDereferenceNil)
	}

	var idStr *types.String
	if a.Type == types.StringTypeDesc {
		idStr = types.AsString(a)
	} else {
		idStr = types.AsString(heap.LoadPointer(e.Heap, a.Payload, 0))
	}
	if idStr == nil {
		return Raise(ExcDereferenceNil)
	}
	return RaiseValue(idStr.String(), a)
}

// opTcmp implements "tcmp": a no-op when src is nil, otherwise a type
// check that dest is non-nil and structurally the same type as src.
// "Structurally the same" approximates the original's alloc_type
// pointer-identity check, since this port's type descriptors are
// per-module values rather than interned into one process-wide table.
func opTcmp(e *Engine, th *Thread, i loader.Instruction) error {
	s := heap.LoadPointer(e.Heap, th.Regs.Src, 0)
	if s == nil {
		return nil
	}
	d := heap.LoadPointer(e.Heap, th.Regs.Dest, 0)
	if d == nil || !typeDescEqual(s.Type, d.Type) {
		return Raise(ExcTypeViolation)
	}
	return nil
}

func typeDescEqual(a, b *heap.TypeDesc) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Size != b.Size {
		return false
	}
	return bytes.Equal(a.Bitmap, b.Bitmap)
}
