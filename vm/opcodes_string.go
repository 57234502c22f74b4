package vm

import (
	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// registerString wires the string family (§4.D "String"). Several of
// these opcodes deviate from the "dest always receives the result"
// convention: indc reads its index from Mid, and insc/addc/slicec treat
// Dest as both an input (the pre-operation string) and the output slot.
func registerString(e *Engine) {
	e.register(loader.OpLenc, func(e *Engine, th *Thread, i loader.Instruction) error {
		s := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		n := 0
		if s != nil {
			n = s.Len()
		}
		setW(th.Regs.Dest, int32(n))
		return nil
	})

	e.register(loader.OpIndc, func(e *Engine, th *Thread, i loader.Instruction) error {
		s := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		if s == nil {
			return Raise(ExcDereferenceNil)
		}
		index := int(getW(th.Regs.Mid))
		if index < 0 || index >= s.Len() {
			return Raise(ExcOutOfRange)
		}
		setW(th.Regs.Dest, int32(s.RuneAt(index)))
		return nil
	})

	e.register(loader.OpInsc, opInsc)
	e.register(loader.OpAddc, opAddc)
	e.register(loader.OpSlicec, opSlicec)
}

// opInsc implements "insc": set (or, at index==length, append) a rune
// in place, cloning the destination string first if it is shared
// (refcount > 1) — a copy-on-write discipline matching
// vm_string_t::set_rune's "unsafe if shared" contract.
func opInsc(e *Engine, th *Thread, i loader.Instruction) error {
	rn := rune(getW(th.Regs.Src))
	index := int(getW(th.Regs.Mid))

	destAlloc := heap.LoadPointer(e.Heap, th.Regs.Dest, 0)
	var str *types.String
	reused := false
	switch {
	case destAlloc == nil:
		str = types.Empty()
	case heap.RefCount(destAlloc) > 1:
		orig := types.AsString(destAlloc)
		clone, err := orig.Slice(0, orig.Len())
		if err != nil {
			return wrapTypesErr(err)
		}
		str = clone
	default:
		str = types.AsString(destAlloc)
		reused = true
	}

	if err := str.SetRune(index, rn); err != nil {
		return wrapTypesErr(err)
	}

	if !reused {
		installOwned(e.Heap, th.Regs.Dest, e.Heap.AllocateExt(types.StringTypeDesc, str))
	}
	return nil
}

// opAddc implements "addc": dest = mid-string concatenated with
// src-string. When mid and dest decode to the same slot (s1 += s2 in
// source) and s1 is unshared, the append happens in place with no new
// allocation — grounded on concat_string's try_append_to_s1 fast path.
func opAddc(e *Engine, th *Thread, i loader.Instruction) error {
	tryAppend := sameMidDest(i)
	s1Alloc := heap.LoadPointer(e.Heap, th.Regs.Mid, 0)
	s2 := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Src, 0))

	if tryAppend && s1Alloc != nil && heap.RefCount(s1Alloc) == 1 && s2 != nil {
		types.AsString(s1Alloc).Append(s2)
		return nil
	}

	s1 := types.AsString(s1Alloc)
	var result *types.String
	var err error
	switch {
	case s1 == nil && s2 == nil:
		result = types.Empty()
	case s1 == nil:
		result, err = s2.Slice(0, s2.Len())
	case s2 == nil:
		result, err = s1.Slice(0, s1.Len())
	default:
		result = types.Concat(s1, s2)
	}
	if err != nil {
		return wrapTypesErr(err)
	}
	installOwned(e.Heap, th.Regs.Dest, e.Heap.AllocateExt(types.StringTypeDesc, result))
	return nil
}

// opSlicec implements "slicec": dest is read as the pre-slice string,
// then overwritten with the sliced copy (start=src, end=mid).
func opSlicec(e *Engine, th *Thread, i loader.Instruction) error {
	start := int(getW(th.Regs.Src))
	end := int(getW(th.Regs.Mid))

	destAlloc := heap.LoadPointer(e.Heap, th.Regs.Dest, 0)
	str := types.AsString(destAlloc)
	if str == nil {
		if start == 0 && end == 0 {
			installOwned(e.Heap, th.Regs.Dest, nil)
			return nil
		}
		return Raise(ExcDereferenceNil)
	}

	newStr, err := str.Slice(start, end)
	if err != nil {
		return wrapTypesErr(err)
	}
	installOwned(e.Heap, th.Regs.Dest, e.Heap.AllocateExt(types.StringTypeDesc, newStr))
	return nil
}

// sameMidDest reports whether instr's middle and destination operands
// name the same storage slot, at the instruction-decode level (same
// addressing mode and offset) rather than by comparing resolved byte
// windows — the Go equivalent of the original's raw-pointer r.mid ==
// r.dest identity check.
func sameMidDest(instr loader.Instruction) bool {
	m, d := instr.Middle, instr.Destination
	switch m.Mode {
	case loader.MidSmallOffsetIndirectFP:
		return d.Mode == loader.AddrOffsetIndirectFP && d.Reg1 == m.Reg1
	case loader.MidSmallOffsetIndirectMP:
		return d.Mode == loader.AddrOffsetIndirectMP && d.Reg1 == m.Reg1
	default:
		return false
	}
}

// wrapTypesErr maps a types package error into the matching §7
// exception id.
func wrapTypesErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == types.ErrInvalidUTF8:
		return Raise(ExcInvalidUTF8)
	case err == types.ErrDereferenceNil:
		return Raise(ExcDereferenceNil)
	case err == types.ErrTypeViolation:
		return Raise(ExcTypeViolation)
	default:
		if _, ok := err.(*types.OutOfRangeError); ok {
			return Raise(ExcOutOfRange)
		}
		return err
	}
}

// userException raises a bytecode-level exception identified by msg
// itself, for faults that don't correspond to one of the five built-in
// exception kinds (e.g. slicing an empty array with a non-empty range).
func userException(h *heap.Heap, msg string) error {
	return RaiseValue(msg, types.NewStringAlloc(h, msg))
}
