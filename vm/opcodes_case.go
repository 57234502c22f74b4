package vm

import (
	"sort"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// registerCase wires the case-table dispatch family (§4.D "Case").
// Table layout (grounded on execution_table.cpp's case_op_constants and
// _case<T> template): [entry count] (low, high, pc)* [fallback pc],
// value in range [low, high) selects an entry's pc; none match selects
// the fallback. casew/casel use 4- and 8-byte numeric slots
// respectively, matching the templated PrimitiveType width. casec's
// table in this port uses uniform 8-byte slots throughout — low/high
// hold heap handles to strings rather than raw word_t-sized pointers,
// matching the 8-byte handle width this port uses for every other
// pointer-valued slot (recorded in DESIGN.md as a layout simplification;
// it has no bearing on runtime semantics since no loader logic depends
// on a narrower encoding). casec's match rule is the original's own:
// membership in the two-element set {low, high}, not a lexical range —
// an entry with a nil high acts as a single exact-match case.
func registerCase(e *Engine) {
	e.register(loader.OpCasew, caseNumeric(4, func(w []byte) int64 { return int64(getW(w)) }))
	e.register(loader.OpCasel, caseNumeric(8, getL))
	e.register(loader.OpCasec, opCasec)
}

func caseNumeric(slot int64, get func([]byte) int64) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		value := get(th.Regs.Src)
		table := th.Regs.Dest
		count := int(get(table))
		targetPC := get(table[(1+int64(count)*3)*slot:])

		entry := func(idx int) []byte { return table[(1+int64(idx)*3)*slot:] }
		idx := sort.Search(count, func(idx int) bool { return value < get(entry(idx)[slot:]) })
		if idx < count {
			low, high := get(entry(idx)), get(entry(idx)[slot:])
			if value >= low && value < high {
				targetPC = get(entry(idx)[2*slot:])
			}
		}
		th.Regs.NextPC = int32(targetPC)
		return nil
	}
}

// opCasec scans linearly rather than via sort.Search like its numeric
// siblings: an entry's match rule is membership in the two-element set
// {low, high}, not a contiguous range, so there is no single monotonic
// predicate over a sorted-by-low table to binary search against.
func opCasec(e *Engine, th *Thread, i loader.Instruction) error {
	const slot = int64(8)
	value := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
	table := th.Regs.Dest
	count := getL(table)
	targetPC := int32(getL(table[(1+count*3)*slot:]))

	for idx := int64(0); idx < count; idx++ {
		entry := table[(1+idx*3)*slot:]
		low := types.AsString(heap.LoadPointer(e.Heap, entry, 0))
		if types.Compare(value, low) != 0 {
			high := types.AsString(heap.LoadPointer(e.Heap, entry[slot:], 0))
			if high == nil || types.Compare(value, high) != 0 {
				continue
			}
		}
		targetPC = int32(getL(entry[2*slot:]))
		break
	}
	th.Regs.NextPC = targetPC
	return nil
}
