package vm

import "j5.nz/disvm/loader"

// registerFixedPoint wires the fixed-point scaling family (§4.D "Fixed
// point"), grounded directly on execution_table.cpp's mulx/divx/mulx0/
// divx0/cvtxx/cvtxx0/cvtfx/cvtxf bodies and its fixed-point identity
// comment (uz = sx*ty, z = (st/u)*(xy) and its division dual).
//
// mulx/divx/mulx0/divx0 take their power-of-two result scale from the
// current frame's second fixed-point scratch register
// (stack.Frame.FixedPoint2), and mulx0/divx0 additionally take a
// residual integer scale from the first (FixedPoint1) — these are
// frame-local state set up by the compiler's prologue, not instruction
// operands. mulx1/divx1/cvtxx1 are themselves notimpl in the original
// dispatch table, so they decode but fault rather than invent behavior.
func registerFixedPoint(e *Engine) {
	e.register(loader.OpMulx, func(e *Engine, th *Thread, i loader.Instruction) error {
		fr := th.Regs.Stack.PeekFrame()
		x := int64(getW(th.Regs.Mid))
		y := int64(getW(th.Regs.Src))
		z := shiftScale(x*y, getW(fr.FixedPoint2[:]))
		setW(th.Regs.Dest, int32(z))
		return nil
	})
	e.register(loader.OpDivx, func(e *Engine, th *Thread, i loader.Instruction) error {
		fr := th.Regs.Stack.PeekFrame()
		x := shiftScale(int64(getW(th.Regs.Mid)), getW(fr.FixedPoint2[:]))
		y := int64(getW(th.Regs.Src))
		if y == 0 {
			return Raise(ExcDivideByZero)
		}
		setW(th.Regs.Dest, int32(x/y))
		return nil
	})
	e.register(loader.OpMulx0, func(e *Engine, th *Thread, i loader.Instruction) error {
		fr := th.Regs.Stack.PeekFrame()
		x := int64(getW(th.Regs.Mid))
		y := int64(getW(th.Regs.Src))
		if x == 0 || y == 0 {
			setW(th.Regs.Dest, 0)
			return nil
		}
		tmp := shiftScale(x*y, getW(fr.FixedPoint2[:]))
		residual := int64(getW(fr.FixedPoint1[:]))
		if residual == 0 {
			return Raise(ExcDivideByZero)
		}
		setW(th.Regs.Dest, int32(tmp/residual))
		return nil
	})
	e.register(loader.OpDivx0, func(e *Engine, th *Thread, i loader.Instruction) error {
		fr := th.Regs.Stack.PeekFrame()
		x := int64(getW(th.Regs.Mid))
		y := int64(getW(th.Regs.Src))
		if y == 0 {
			return Raise(ExcDivideByZero)
		}
		if x == 0 {
			setW(th.Regs.Dest, 0)
			return nil
		}
		residual := int64(getW(fr.FixedPoint1[:]))
		tmp := shiftScale(x*residual, getW(fr.FixedPoint2[:]))
		setW(th.Regs.Dest, int32(tmp/y))
		return nil
	})

	e.register(loader.OpCvtxx, func(e *Engine, th *Thread, i loader.Instruction) error {
		shift := getW(th.Regs.Mid)
		res := shiftScale(int64(getW(th.Regs.Src)), shift)
		setW(th.Regs.Dest, int32(res))
		return nil
	})
	e.register(loader.OpCvtxx0, func(e *Engine, th *Thread, i loader.Instruction) error {
		tmp := int64(getW(th.Regs.Src))
		if tmp == 0 {
			setW(th.Regs.Dest, 0)
			return nil
		}
		shift := getW(th.Regs.Mid)
		tmp = shiftScale(tmp, shift)
		fr := th.Regs.Stack.PeekFrame()
		residual := int64(getW(fr.FixedPoint1[:]))
		if residual == 0 {
			return Raise(ExcDivideByZero)
		}
		setW(th.Regs.Dest, int32(tmp/residual))
		return nil
	})

	e.register(loader.OpMulx1, notImplInOriginal)
	e.register(loader.OpDivx1, notImplInOriginal)
	e.register(loader.OpCvtxx1, notImplInOriginal)

	e.register(loader.OpCvtfx, func(e *Engine, th *Thread, i loader.Instruction) error {
		f := getF(th.Regs.Src) * getF(th.Regs.Mid)
		setW(th.Regs.Dest, int32(roundHalfAwayFromZero(f)))
		return nil
	})
	e.register(loader.OpCvtxf, func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, float64(getW(th.Regs.Src))*getF(th.Regs.Mid))
		return nil
	})
}

func notImplInOriginal(e *Engine, th *Thread, i loader.Instruction) error {
	return Raise(ExcTypeViolation)
}

func shiftScale(v int64, shift int32) int64 {
	switch {
	case shift > 0:
		return v << uint(shift)
	case shift < 0:
		return v >> uint(-shift)
	default:
		return v
	}
}

// roundHalfAwayFromZero matches execution_table.cpp's repeated
// "f < 0 ? f - 0.5 : f + 0.5" rounding idiom used by every float->int
// conversion, rather than Go's round-to-even.
func roundHalfAwayFromZero(f float64) float64 {
	if f < 0 {
		return f - 0.5
	}
	return f + 0.5
}
