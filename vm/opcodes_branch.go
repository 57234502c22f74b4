package vm

import (
	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// registerBranch wires the typed comparison-branch family (§4.D
// "Branch"). Grounded on execution_table.cpp's branch bodies: the
// comparison reads src CMP mid, and dest is decoded as a literal target
// pc value (vt_ref<vm_pc_t>(r.dest)), not an address written into.
func registerBranch(e *Engine) {
	e.register(loader.OpBeqb, branch(func(a, b int8) bool { return a == b }, getB))
	e.register(loader.OpBneb, branch(func(a, b int8) bool { return a != b }, getB))
	e.register(loader.OpBltb, branch(func(a, b int8) bool { return a < b }, getB))
	e.register(loader.OpBleb, branch(func(a, b int8) bool { return a <= b }, getB))
	e.register(loader.OpBgtb, branch(func(a, b int8) bool { return a > b }, getB))
	e.register(loader.OpBgeb, branch(func(a, b int8) bool { return a >= b }, getB))

	e.register(loader.OpBeqw, branch(func(a, b int32) bool { return a == b }, getW))
	e.register(loader.OpBnew, branch(func(a, b int32) bool { return a != b }, getW))
	e.register(loader.OpBltw, branch(func(a, b int32) bool { return a < b }, getW))
	e.register(loader.OpBlew, branch(func(a, b int32) bool { return a <= b }, getW))
	e.register(loader.OpBgtw, branch(func(a, b int32) bool { return a > b }, getW))
	e.register(loader.OpBgew, branch(func(a, b int32) bool { return a >= b }, getW))

	e.register(loader.OpBeql, branch(func(a, b int64) bool { return a == b }, getL))
	e.register(loader.OpBnel, branch(func(a, b int64) bool { return a != b }, getL))
	e.register(loader.OpBltl, branch(func(a, b int64) bool { return a < b }, getL))
	e.register(loader.OpBlel, branch(func(a, b int64) bool { return a <= b }, getL))
	e.register(loader.OpBgtl, branch(func(a, b int64) bool { return a > b }, getL))
	e.register(loader.OpBgel, branch(func(a, b int64) bool { return a >= b }, getL))

	e.register(loader.OpBeqf, branch(func(a, b float64) bool { return a == b }, getF))
	e.register(loader.OpBnef, branch(func(a, b float64) bool { return a != b }, getF))
	e.register(loader.OpBltf, branch(func(a, b float64) bool { return a < b }, getF))
	e.register(loader.OpBlef, branch(func(a, b float64) bool { return a <= b }, getF))
	e.register(loader.OpBgtf, branch(func(a, b float64) bool { return a > b }, getF))
	e.register(loader.OpBgef, branch(func(a, b float64) bool { return a >= b }, getF))

	e.register(loader.OpBeqc, branchString(func(c int) bool { return c == 0 }))
	e.register(loader.OpBnec, branchString(func(c int) bool { return c != 0 }))
	e.register(loader.OpBltc, branchString(func(c int) bool { return c < 0 }))
	e.register(loader.OpBlec, branchString(func(c int) bool { return c <= 0 }))
	e.register(loader.OpBgtc, branchString(func(c int) bool { return c > 0 }))
	e.register(loader.OpBgec, branchString(func(c int) bool { return c >= 0 }))
}

func branch[T any](cmp func(a, b T) bool, get func([]byte) T) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		if cmp(get(th.Regs.Src), get(th.Regs.Mid)) {
			th.Regs.NextPC = getW(th.Regs.Dest)
		}
		return nil
	}
}

func branchString(accept func(cmp int) bool) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		s1 := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		s2 := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Mid, 0))
		if accept(types.Compare(s1, s2)) {
			th.Regs.NextPC = getW(th.Regs.Dest)
		}
		return nil
	}
}
