package vm

import (
	"j5.nz/disvm/loader"
)

// registerArithmetic wires the typed (b/w/l/f) arithmetic family (§4.D
// "Arithmetic"). Grounded on execution_table.cpp's EXEC_DECL bodies:
// commutative ops read src OP mid; non-commutative ops (sub/div/mod/
// shift) read mid OP src, i.e. mid is the primary operand and src the
// secondary one.
func registerArithmetic(e *Engine) {
	e.register(loader.OpNegf, func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, -getF(th.Regs.Src))
		return nil
	})

	e.register(loader.OpAddb, arithB(func(a, b int8) int8 { return a + b }))
	e.register(loader.OpAddw, arithW(func(a, b int32) int32 { return a + b }))
	e.register(loader.OpAddl, arithL(func(a, b int64) int64 { return a + b }))
	e.register(loader.OpAddf, arithF(func(a, b float64) float64 { return a + b }))

	e.register(loader.OpSubb, arithBRev(func(mid, src int8) int8 { return mid - src }))
	e.register(loader.OpSubw, arithWRev(func(mid, src int32) int32 { return mid - src }))
	e.register(loader.OpSubl, arithLRev(func(mid, src int64) int64 { return mid - src }))
	e.register(loader.OpSubf, arithFRev(func(mid, src float64) float64 { return mid - src }))

	e.register(loader.OpMulb, arithB(func(a, b int8) int8 { return a * b }))
	e.register(loader.OpMulw, arithW(func(a, b int32) int32 { return a * b }))
	e.register(loader.OpMull, arithL(func(a, b int64) int64 { return a * b }))
	e.register(loader.OpMulf, arithF(func(a, b float64) float64 { return a * b }))

	e.register(loader.OpDivb, divB)
	e.register(loader.OpDivw, divW)
	e.register(loader.OpDivl, divL)
	e.register(loader.OpDivf, func(e *Engine, th *Thread, i loader.Instruction) error {
		// Real division by zero is IEEE-defined (inf/nan), not raised;
		// grounded on execution_table.cpp's "[SPEC]" comment on _div<real_t>.
		setF(th.Regs.Dest, getF(th.Regs.Mid)/getF(th.Regs.Src))
		return nil
	})

	e.register(loader.OpModb, modB)
	e.register(loader.OpModw, modW)
	e.register(loader.OpModl, modL)

	e.register(loader.OpAndb, arithB(func(a, b int8) int8 { return a & b }))
	e.register(loader.OpAndw, arithW(func(a, b int32) int32 { return a & b }))
	e.register(loader.OpAndl, arithL(func(a, b int64) int64 { return a & b }))
	e.register(loader.OpOrb, arithB(func(a, b int8) int8 { return a | b }))
	e.register(loader.OpOrw, arithW(func(a, b int32) int32 { return a | b }))
	e.register(loader.OpOrl, arithL(func(a, b int64) int64 { return a | b }))
	e.register(loader.OpXorb, arithB(func(a, b int8) int8 { return a ^ b }))
	e.register(loader.OpXorw, arithW(func(a, b int32) int32 { return a ^ b }))
	e.register(loader.OpXorl, arithL(func(a, b int64) int64 { return a ^ b }))

	e.register(loader.OpShlb, arithBRev(func(mid, src int8) int8 { return mid << uint8(src) }))
	e.register(loader.OpShlw, arithWRev(func(mid, src int32) int32 { return mid << uint32(src) }))
	e.register(loader.OpShll, arithLRev(func(mid, src int64) int64 { return mid << uint64(src) }))
	// Right shift on signed widths is arithmetic (Go's >> on a signed
	// type already is); lsrw/lsrl are the explicit logical variants.
	e.register(loader.OpShrb, arithBRev(func(mid, src int8) int8 { return mid >> uint8(src) }))
	e.register(loader.OpShrw, arithWRev(func(mid, src int32) int32 { return mid >> uint32(src) }))
	e.register(loader.OpShrl, arithLRev(func(mid, src int64) int64 { return mid >> uint64(src) }))

	e.register(loader.OpLsrw, func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, int32(uint32(getW(th.Regs.Mid))>>uint32(getW(th.Regs.Src))))
		return nil
	})
	e.register(loader.OpLsrl, func(e *Engine, th *Thread, i loader.Instruction) error {
		setL(th.Regs.Dest, int64(uint64(getL(th.Regs.Mid))>>uint64(getL(th.Regs.Src))))
		return nil
	})

	e.register(loader.OpExpw, expW)
	e.register(loader.OpExpl, expL)
	e.register(loader.OpExpf, expF)
}

func arithB(f func(a, b int8) int8) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setB(th.Regs.Dest, f(getB(th.Regs.Src), getB(th.Regs.Mid)))
		return nil
	}
}
func arithW(f func(a, b int32) int32) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, f(getW(th.Regs.Src), getW(th.Regs.Mid)))
		return nil
	}
}
func arithL(f func(a, b int64) int64) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setL(th.Regs.Dest, f(getL(th.Regs.Src), getL(th.Regs.Mid)))
		return nil
	}
}
func arithF(f func(a, b float64) float64) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, f(getF(th.Regs.Src), getF(th.Regs.Mid)))
		return nil
	}
}

func arithBRev(f func(mid, src int8) int8) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setB(th.Regs.Dest, f(getB(th.Regs.Mid), getB(th.Regs.Src)))
		return nil
	}
}
func arithWRev(f func(mid, src int32) int32) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, f(getW(th.Regs.Mid), getW(th.Regs.Src)))
		return nil
	}
}
func arithLRev(f func(mid, src int64) int64) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setL(th.Regs.Dest, f(getL(th.Regs.Mid), getL(th.Regs.Src)))
		return nil
	}
}
func arithFRev(f func(mid, src float64) float64) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, f(getF(th.Regs.Mid), getF(th.Regs.Src)))
		return nil
	}
}

func divB(e *Engine, th *Thread, i loader.Instruction) error {
	d := getB(th.Regs.Src)
	if d == 0 {
		return Raise(ExcDivideByZero)
	}
	setB(th.Regs.Dest, getB(th.Regs.Mid)/d)
	return nil
}
func divW(e *Engine, th *Thread, i loader.Instruction) error {
	d := getW(th.Regs.Src)
	if d == 0 {
		return Raise(ExcDivideByZero)
	}
	setW(th.Regs.Dest, getW(th.Regs.Mid)/d)
	return nil
}
func divL(e *Engine, th *Thread, i loader.Instruction) error {
	d := getL(th.Regs.Src)
	if d == 0 {
		return Raise(ExcDivideByZero)
	}
	setL(th.Regs.Dest, getL(th.Regs.Mid)/d)
	return nil
}

func modB(e *Engine, th *Thread, i loader.Instruction) error {
	d := getB(th.Regs.Src)
	if d == 0 {
		return Raise(ExcDivideByZero)
	}
	setB(th.Regs.Dest, getB(th.Regs.Mid)%d)
	return nil
}
func modW(e *Engine, th *Thread, i loader.Instruction) error {
	d := getW(th.Regs.Src)
	if d == 0 {
		return Raise(ExcDivideByZero)
	}
	setW(th.Regs.Dest, getW(th.Regs.Mid)%d)
	return nil
}
func modL(e *Engine, th *Thread, i loader.Instruction) error {
	d := getL(th.Regs.Src)
	if d == 0 {
		return Raise(ExcDivideByZero)
	}
	setL(th.Regs.Dest, getL(th.Regs.Mid)%d)
	return nil
}

// exp{w,l,f} compute dest = mid ** src (base=mid, power=src), with a
// negative power giving the reciprocal — grounded on execution_table
// .cpp's _exp template (squaring ladder).
func expW(e *Engine, th *Thread, i loader.Instruction) error {
	base, power := getW(th.Regs.Mid), getW(th.Regs.Src)
	setW(th.Regs.Dest, int32(expIntegral(int64(base), power)))
	return nil
}
func expL(e *Engine, th *Thread, i loader.Instruction) error {
	base, power := getL(th.Regs.Mid), getW(th.Regs.Src)
	setL(th.Regs.Dest, expIntegral(base, power))
	return nil
}
func expF(e *Engine, th *Thread, i loader.Instruction) error {
	base, power := getF(th.Regs.Mid), getW(th.Regs.Src)
	inverse := power < 0
	if inverse {
		power = -power
	}
	result := 1.0
	b := base
	for {
		if power&1 != 0 {
			result *= b
		}
		power >>= 1
		if power == 0 {
			break
		}
		b *= b
	}
	if inverse {
		result = 1 / result
	}
	setF(th.Regs.Dest, result)
	return nil
}

func expIntegral(base int64, power int32) int64 {
	inverse := power < 0
	if inverse {
		power = -power
	}
	result := int64(1)
	b := base
	for {
		if power&1 != 0 {
			result *= b
		}
		power >>= 1
		if power == 0 {
			break
		}
		b *= b
	}
	if inverse {
		if result == 0 {
			return 0
		}
		return 1 / result
	}
	return result
}
