package vm

import (
	"encoding/binary"
	"testing"

	"j5.nz/disvm/loader"
)

// buildCaseTable lays out a casew/casel-style table: [count] (low, high,
// pc)* [fallback pc], slot bytes wide per field.
func buildCaseTable(slot int, fallback int64, entries [][3]int64) []byte {
	buf := make([]byte, (1+len(entries)*3+1)*slot)
	put := func(off int, v int64) {
		switch slot {
		case 4:
			binary.BigEndian.PutUint32(buf[off:], uint32(v))
		case 8:
			binary.BigEndian.PutUint64(buf[off:], uint64(v))
		}
	}
	put(0, int64(len(entries)))
	for idx, e := range entries {
		base := (1 + idx*3) * slot
		put(base, e[0])
		put(base+slot, e[1])
		put(base+2*slot, e[2])
	}
	put((1+len(entries)*3)*slot, fallback)
	return buf
}

func TestCaseNumericFindsMatchingRange(t *testing.T) {
	table := buildCaseTable(8, 99, [][3]int64{
		{0, 10, 1},
		{10, 20, 2},
		{20, 30, 3},
	})
	h := caseNumeric(8, getL)

	for _, tc := range []struct {
		value int64
		want  int32
	}{
		{-5, 99},
		{0, 1},
		{9, 1},
		{10, 2},
		{19, 2},
		{20, 3},
		{29, 3},
		{30, 99},
	} {
		th := &Thread{}
		th.Regs.Src = make([]byte, 8)
		binary.BigEndian.PutUint64(th.Regs.Src, uint64(tc.value))
		th.Regs.Dest = table

		if err := h(nil, th, loader.Instruction{}); err != nil {
			t.Fatalf("value %d: %v", tc.value, err)
		}
		if th.Regs.NextPC != tc.want {
			t.Fatalf("value %d: NextPC = %d, want %d", tc.value, th.Regs.NextPC, tc.want)
		}
	}
}

func TestCaseNumericEmptyTableFallsThrough(t *testing.T) {
	table := buildCaseTable(8, 7, nil)
	h := caseNumeric(8, getL)

	th := &Thread{}
	th.Regs.Src = make([]byte, 8)
	binary.BigEndian.PutUint64(th.Regs.Src, uint64(42))
	th.Regs.Dest = table

	if err := h(nil, th, loader.Instruction{}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if th.Regs.NextPC != 7 {
		t.Fatalf("NextPC = %d, want 7 (fallback)", th.Regs.NextPC)
	}
}
