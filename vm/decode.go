package vm

import (
	"encoding/binary"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
)

// decodeOperands populates r.Src, r.Mid, r.Dest for instr against the
// current frame's locals (fp) and the thread's MP base, resolving
// double-indirect modes through the heap (§4.D).
func decodeOperands(h *heap.Heap, r *Registers, fp []byte, instr loader.Instruction) {
	r.Mid = resolveMiddle(instr.Middle, fp, r.MP, r.imm[:4])
	r.Src = resolveOperand(h, instr.Source, fp, r.MP, r.imm[4:8])
	r.Dest = resolveOperand(h, instr.Destination, fp, r.MP, nil)
}

func resolveMiddle(m loader.Middle, fp, mp, imm []byte) []byte {
	switch m.Mode {
	case loader.MidNone:
		return nil
	case loader.MidSmallImmediate:
		binary.BigEndian.PutUint32(imm, uint32(m.Reg1))
		return imm
	case loader.MidSmallOffsetIndirectFP:
		return fp[m.Reg1:]
	case loader.MidSmallOffsetIndirectMP:
		return mp[m.Reg1:]
	default:
		return nil
	}
}

func resolveOperand(h *heap.Heap, op loader.Operand, fp, mp, imm []byte) []byte {
	switch op.Mode {
	case loader.AddrNone:
		return nil
	case loader.AddrImmediate:
		binary.BigEndian.PutUint32(imm, uint32(op.Reg1))
		return imm
	case loader.AddrOffsetIndirectFP:
		return fp[op.Reg1:]
	case loader.AddrOffsetIndirectMP:
		return mp[op.Reg1:]
	case loader.AddrOffsetDoubleIndirectFP:
		return doubleIndirect(h, fp, op.Reg1, op.Reg2)
	case loader.AddrOffsetDoubleIndirectMP:
		return doubleIndirect(h, mp, op.Reg1, op.Reg2)
	default:
		return nil
	}
}

// doubleIndirect loads a heap handle out of base[off1:] and returns the
// target allocation's payload starting at off2 into it. A nil or
// intrinsic (String/Array/List/Channel) target has no generic payload
// to offset into and yields nil; such targets are only ever reached
// through single-indirect operands by opcodes that know their shape.
func doubleIndirect(h *heap.Heap, base []byte, off1, off2 int32) []byte {
	handle := binary.BigEndian.Uint64(base[off1:])
	a := h.Resolve(handle)
	if a == nil || a.Ext != nil {
		return nil
	}
	return a.Payload[off2:]
}
