package loader

import (
	"testing"

	"j5.nz/disvm/heap"
)

func TestNewModRefWithImportsResolvesBySignatureAndName(t *testing.T) {
	h := heap.New()
	target := &Module{
		Exports: map[uint32][]ExportFunction{
			0xABCD: {
				{PC: 10, FrameType: 1, Sig: 0xABCD, Name: "foo"},
				{PC: 20, FrameType: 2, Sig: 0xABCD, Name: "bar"},
			},
		},
	}

	imports := ImportModule{Functions: []ImportFunction{
		{Sig: 0xABCD, Name: "bar"},
	}}

	mr, err := NewModRefWithImports(h, target, imports)
	if err != nil {
		t.Fatalf("NewModRefWithImports: %v", err)
	}
	ref, err := mr.FunctionRef(0)
	if err != nil {
		t.Fatalf("FunctionRef: %v", err)
	}
	if ref.EntryPC != 20 || ref.FrameType != 2 {
		t.Fatalf("ref = %+v, want the 'bar' export", ref)
	}
}

func TestNewModRefWithImportsFailsOnNameMismatch(t *testing.T) {
	h := heap.New()
	target := &Module{
		Exports: map[uint32][]ExportFunction{
			0xABCD: {{PC: 10, FrameType: 1, Sig: 0xABCD, Name: "foo"}},
		},
	}
	imports := ImportModule{Functions: []ImportFunction{{Sig: 0xABCD, Name: "missing"}}}

	if _, err := NewModRefWithImports(h, target, imports); err == nil {
		t.Fatalf("expected type check failure")
	}
}

func TestNewModRefCopiesMP(t *testing.T) {
	h := heap.New()
	td := &heap.TypeDesc{Size: 4}
	m := &Module{Data: h.Allocate(td)}
	m.Data.Payload[0] = 7

	mr := NewModRef(h, m)
	if mr.MP == m.Data {
		t.Fatalf("ModRef.MP should be an independent copy")
	}
	if mr.MP.Payload[0] != 7 {
		t.Fatalf("copy did not preserve contents")
	}
}
