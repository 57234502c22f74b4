package builtin

import (
	"testing"

	"j5.nz/disvm/vm"
)

func TestFuncTableDispatchesByIndex(t *testing.T) {
	var called int32 = -1
	table := NewFuncTable(
		func(th *vm.Thread) error { called = 0; return nil },
		func(th *vm.Thread) error { called = 1; return nil },
		nil, // declared but unimplemented
	)

	if err := table.Invoke(1, nil); err != nil {
		t.Fatalf("Invoke(1): %v", err)
	}
	if called != 1 {
		t.Fatalf("called = %d, want 1", called)
	}

	if err := table.Invoke(2, nil); err == nil {
		t.Fatalf("Invoke(2) on a nil slot should fail")
	}
	if err := table.Invoke(7, nil); err == nil {
		t.Fatalf("Invoke(7) out of range should fail")
	}
}

func TestRegistryRegisterLookup(t *testing.T) {
	r := NewRegistry()
	table := NewFuncTable(func(th *vm.Thread) error { return nil })
	r.Register("Sys", table)

	got, ok := r.Lookup("Sys")
	if !ok {
		t.Fatalf("Lookup(Sys) missed a registered module")
	}
	if got != vm.BuiltinModule(table) {
		t.Fatalf("Lookup returned a different module than was registered")
	}

	if _, ok := r.Lookup("Math"); ok {
		t.Fatalf("Lookup(Math) should miss, nothing registered under that name")
	}

	r.Register("Sys", table) // re-register is allowed, replaces
}
