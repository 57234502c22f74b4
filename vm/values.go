package vm

import (
	"encoding/binary"
	"math"

	"j5.nz/disvm/heap"
)

// Narrow helpers for reading/writing the primitive value types named in
// §3 out of an operand's byte window. Each operand window, as produced
// by decode.go, starts exactly at the value's base address, so these
// never need an offset argument.

func getB(w []byte) int8  { return int8(w[0]) }
func setB(w []byte, v int8) { w[0] = byte(v) }

func getW(w []byte) int32 { return int32(binary.BigEndian.Uint32(w[:4])) }
func setW(w []byte, v int32) { binary.BigEndian.PutUint32(w[:4], uint32(v)) }

func getL(w []byte) int64 { return int64(binary.BigEndian.Uint64(w[:8])) }
func setL(w []byte, v int64) { binary.BigEndian.PutUint64(w[:8], uint64(v)) }

func getF(w []byte) float64 { return math.Float64frombits(binary.BigEndian.Uint64(w[:8])) }
func setF(w []byte, v float64) { binary.BigEndian.PutUint64(w[:8], math.Float64bits(v)) }

// getSW/setSW handle the 16-bit "short word" value type (cvtws/cvtsw).
func getSW(w []byte) int16  { return int16(binary.BigEndian.Uint16(w[:2])) }
func setSW(w []byte, v int16) { binary.BigEndian.PutUint16(w[:2], uint16(v)) }

// getSR/setSR handle the 32-bit IEEE "short real" value type (cvtrf/cvtfr).
func getSR(w []byte) float32  { return math.Float32frombits(binary.BigEndian.Uint32(w[:4])) }
func setSR(w []byte, v float32) { binary.BigEndian.PutUint32(w[:4], math.Float32bits(v)) }

func getPtr(h *heap.Heap, w []byte) *heap.Alloc { return heap.LoadPointer(h, w, 0) }
func setPtr(h *heap.Heap, w []byte, a *heap.Alloc) { heap.StorePointer(h, w, 0, a) }

// installOwned assigns a freshly constructed allocation (refcount
// already 1, representing "owned by this slot") into w, releasing
// whatever the slot previously held. Unlike setPtr/StorePointer, it
// does not increment a's refcount — that would leak the fresh
// allocation's construction reference. Used by every opcode that
// allocates a new value and stores it (new, newa, newcX, cons family),
// as distinct from opcodes that copy an existing, already-owned
// reference (movp, headp).
func installOwned(h *heap.Heap, w []byte, a *heap.Alloc) {
	old := heap.LoadPointer(h, w, 0)
	heap.Dec(old)
	var handle uint64
	if a != nil {
		handle = a.Handle
	}
	heap.StoreWord(w, 0, handle)
}
