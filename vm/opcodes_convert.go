package vm

import (
	"strconv"
	"strings"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

// byteElemTD is this port's structural stand-in for the original's
// process-wide intrinsic byte type descriptor (intrinsic_type_desc::
// type<byte_t>()), used by cvtca/cvtac to build/validate byte arrays.
// The loader gives every module's own byte-array type its own *heap.
// TypeDesc instance rather than canonicalizing primitives across
// modules, so cvtac checks the element type structurally (size 1, no
// embedded pointers) instead of by identity with this var.
var byteElemTD = &heap.TypeDesc{Name: "byte", Size: 1}

func isByteElemType(td *heap.TypeDesc) bool {
	return td != nil && td.Size == 1 && !td.HasPointers()
}

// registerConvert wires the type-conversion family (§4.D "Conversion").
// Float->int conversions round half away from zero, not half to even,
// per execution_table.cpp's repeated "f < 0 ? f-0.5 : f+0.5" idiom.
func registerConvert(e *Engine) {
	e.register(loader.OpCvtbw, func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, int32(getB(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtwb, func(e *Engine, th *Thread, i loader.Instruction) error {
		setB(th.Regs.Dest, int8(getW(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtwl, func(e *Engine, th *Thread, i loader.Instruction) error {
		setL(th.Regs.Dest, int64(getW(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtlw, func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, int32(getL(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtrf, func(e *Engine, th *Thread, i loader.Instruction) error {
		setSR(th.Regs.Dest, float32(getF(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtfr, func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, float64(getSR(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtws, func(e *Engine, th *Thread, i loader.Instruction) error {
		setSW(th.Regs.Dest, int16(getW(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtsw, func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, int32(getSW(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtlf, func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, float64(getL(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtfl, func(e *Engine, th *Thread, i loader.Instruction) error {
		setL(th.Regs.Dest, int64(roundHalfAwayFromZero(getF(th.Regs.Src))))
		return nil
	})
	e.register(loader.OpCvtwf, func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, float64(getW(th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtfw, func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, int32(roundHalfAwayFromZero(getF(th.Regs.Src))))
		return nil
	})

	e.register(loader.OpCvtca, func(e *Engine, th *Thread, i loader.Instruction) error {
		str := types.AsString(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		var data []byte
		if str != nil {
			data = str.Encoded()
		}
		arr := types.NewArray(byteElemTD, len(data))
		for idx, b := range data {
			arr.SetElem(idx, []byte{b})
		}
		installOwned(e.Heap, th.Regs.Dest, e.Heap.AllocateExt(types.ArrayTypeDesc, arr))
		return nil
	})
	e.register(loader.OpCvtac, func(e *Engine, th *Thread, i loader.Instruction) error {
		arr := types.AsArray(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
		if arr == nil {
			installOwned(e.Heap, th.Regs.Dest, nil)
			return nil
		}
		if !isByteElemType(arr.ElemType) {
			return RaiseValue(ExcTypeViolation, types.NewStringAlloc(e.Heap, "Invalid array element type for string conversion"))
		}
		data := make([]byte, arr.Length)
		for idx := range data {
			b, err := arr.Elem(idx)
			if err != nil {
				return err
			}
			data[idx] = b[0]
		}
		installOwned(e.Heap, th.Regs.Dest, types.NewStringAlloc(e.Heap, string(data)))
		return nil
	})

	e.register(loader.OpCvtcw, func(e *Engine, th *Thread, i loader.Instruction) error {
		setW(th.Regs.Dest, int32(parseLeadingInt(stringOperand(e, th.Regs.Src))))
		return nil
	})
	e.register(loader.OpCvtcl, func(e *Engine, th *Thread, i loader.Instruction) error {
		setL(th.Regs.Dest, parseLeadingInt(stringOperand(e, th.Regs.Src)))
		return nil
	})
	e.register(loader.OpCvtcf, func(e *Engine, th *Thread, i loader.Instruction) error {
		setF(th.Regs.Dest, parseLeadingFloat(stringOperand(e, th.Regs.Src)))
		return nil
	})

	e.register(loader.OpCvtwc, formatToString(func(th *Thread) string {
		return strconv.FormatInt(int64(getW(th.Regs.Src)), 10)
	}))
	e.register(loader.OpCvtlc, formatToString(func(th *Thread) string {
		return strconv.FormatInt(getL(th.Regs.Src), 10)
	}))
	e.register(loader.OpCvtfc, formatToString(func(th *Thread) string {
		return strconv.FormatFloat(getF(th.Regs.Src), 'g', -1, 64)
	}))
}

func stringOperand(e *Engine, w []byte) string {
	s := types.AsString(heap.LoadPointer(e.Heap, w, 0))
	if s == nil {
		return ""
	}
	return s.String()
}

func formatToString(f func(th *Thread) string) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		installOwned(e.Heap, th.Regs.Dest, types.NewStringAlloc(e.Heap, f(th)))
		return nil
	}
}

// parseLeadingInt mimics strtol(3)'s "parse an optional sign and
// leading digits, ignore trailing garbage, 0 on no parse" contract.
func parseLeadingInt(s string) int64 {
	s = strings.TrimLeft(s, " \t\n")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digitsStart := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digitsStart {
		return 0
	}
	v, _ := strconv.ParseInt(s[:end], 10, 64)
	return v
}

// parseLeadingFloat mimics strtod(3)'s leading-prefix parse contract.
func parseLeadingFloat(s string) float64 {
	s = strings.TrimLeft(s, " \t\n")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	for end < len(s) && ((s[end] >= '0' && s[end] <= '9') || s[end] == '.' || s[end] == 'e' || s[end] == 'E' || s[end] == '+' || s[end] == '-') {
		end++
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return v
}
