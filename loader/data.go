package loader

import (
	"encoding/binary"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/types"
)

// datumType tags each data-section item (§6 data section).
type datumType byte

const (
	datumBit8            datumType = 1
	datumBit32           datumType = 2
	datumUTFString       datumType = 3
	datumReal64          datumType = 4
	datumArray           datumType = 5
	datumSetArray        datumType = 6
	datumRestoreLoadAddr datumType = 7
	datumBit64           datumType = 8
)

const arrayAddressStackSize = 4

// readDataSection seeds the module's MP (its global data allocation)
// from the data section's address-stack-addressed item stream.
//
// Type index 0 is always the descriptor for the module's own MP
// layout, per module_reader.cpp's vm_module_type_desc_number.
func readDataSection(r *reader, m *Module) error {
	h := heap.New()

	if m.Header.DataSize != 0 {
		if len(m.Types) == 0 || m.Types[0].Size != int(m.Header.DataSize) {
			return readErr("invalid type descriptor for module data (MP)", nil)
		}
		m.Data = h.Allocate(m.Types[0])
	}

	var stack [arrayAddressStackSize][]byte
	sp := 0
	var base []byte
	if m.Data != nil {
		base = m.Data.Payload
	}

	for {
		code, err := r.readByte()
		if err != nil {
			return readErr("failed to read data item code", err)
		}
		if code == 0 {
			return nil
		}

		dt := datumType((code & 0xF0) >> 4)
		count := uint32(code & 0x0F)
		if count == 0 {
			c, err := r.readOperand()
			if err != nil {
				return readErr("failed to read long item datum count", err)
			}
			count = uint32(c)
		}

		byteOffset, err := r.readOperand()
		if err != nil {
			return readErr("failed to read data item offset", err)
		}
		dest := int(byteOffset)

		switch dt {
		case datumBit8:
			for i := uint32(0); i < count; i++ {
				b, err := r.readByte()
				if err != nil {
					return readErr("failed to read 1 byte datum", err)
				}
				base[dest] = b
				dest++
			}

		case datumBit32:
			for i := uint32(0); i < count; i++ {
				w, err := r.readWord()
				if err != nil {
					return readErr("failed to read word datum", err)
				}
				binary.BigEndian.PutUint32(base[dest:], w)
				dest += 4
			}

		case datumUTFString:
			raw, err := r.readBytes(int(count))
			if err != nil {
				return readErr("failed to read string datum", err)
			}
			s := types.NewStringAlloc(h, string(raw))
			binary.BigEndian.PutUint64(base[dest:], s.Handle)

		case datumReal64:
			for i := uint32(0); i < count; i++ {
				hi, err := r.readWord()
				if err != nil {
					return readErr("failed to read real64 high word", err)
				}
				lo, err := r.readWord()
				if err != nil {
					return readErr("failed to read real64 low word", err)
				}
				binary.BigEndian.PutUint64(base[dest:], uint64(hi)<<32|uint64(lo))
				dest += 8
			}

		case datumBit64:
			for i := uint32(0); i < count; i++ {
				hi, err := r.readWord()
				if err != nil {
					return readErr("failed to read bit64 high word", err)
				}
				lo, err := r.readWord()
				if err != nil {
					return readErr("failed to read bit64 low word", err)
				}
				binary.BigEndian.PutUint64(base[dest:], uint64(hi)<<32|uint64(lo))
				dest += 8
			}

		case datumArray:
			elemTypeIdx, err := r.readWord()
			if err != nil {
				return readErr("failed to read array element type", err)
			}
			if int(elemTypeIdx) >= len(m.Types) {
				return readErr("invalid array element type", nil)
			}
			elemCount, err := r.readWord()
			if err != nil {
				return readErr("failed to read array element count", err)
			}
			arr := types.NewArrayAlloc(h, m.Types[elemTypeIdx], int(elemCount))
			binary.BigEndian.PutUint64(base[dest:], arr.Handle)

		case datumSetArray:
			handle := binary.BigEndian.Uint64(base[dest:])
			arrAlloc := h.Resolve(handle)
			if arrAlloc == nil || arrAlloc.Type != types.ArrayTypeDesc {
				return readErr("data index not an array type", nil)
			}
			a := types.AsArray(arrAlloc)

			idx, err := r.readWord()
			if err != nil {
				return readErr("failed to read array index", err)
			}
			if sp >= arrayAddressStackSize {
				return readErr("array address stack overflow", nil)
			}
			elem, err := a.Elem(int(idx))
			if err != nil {
				return readErr("invalid array index in data section", err)
			}

			stack[sp] = base
			sp++
			base = elem

		case datumRestoreLoadAddr:
			if sp == 0 {
				return readErr("array address stack underflow", nil)
			}
			sp--
			base = stack[sp]

		default:
			return readErr("unknown data item type", nil)
		}
	}
}
