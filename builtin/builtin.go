// Package builtin implements the registration contract for host-native
// modules (§6 "Built-in modules carry no MP"): a name-keyed registry of
// function tables a loaded module's mcall/mspawn can dispatch into,
// without this repository inventing any actual Sys/Math syscall
// semantics — that stays out of scope (spec.md places built-in module
// bodies out of scope; only the plumbing to plug one in is ours to
// build, per original_source/src/vm/sys/Sysmod.cpp's registration shape).
package builtin

import (
	"sync"

	"github.com/pkg/errors"

	"j5.nz/disvm/vm"
)

// Func is a single built-in function body: given the calling thread (so
// it can read its argument frame and write a return value the way any
// other mcall target would), it returns an error exactly like any other
// vm.HandlerFunc would — a Limbo exception or a host-level fault.
type Func func(th *vm.Thread) error

// FuncTable is a built-in module's function table, indexed the same way
// §4.D's mcall addresses an imported function: by the slot number
// import resolution assigned it. It implements vm.BuiltinModule.
type FuncTable struct {
	fns []Func
}

// NewFuncTable builds a FuncTable from fns in declaration order; index i
// of the resulting table is fns[i].
func NewFuncTable(fns ...Func) *FuncTable {
	return &FuncTable{fns: fns}
}

// Invoke implements vm.BuiltinModule.
func (t *FuncTable) Invoke(index int32, th *vm.Thread) error {
	if index < 0 || int(index) >= len(t.fns) {
		return errors.Errorf("builtin: function index %d out of range (table has %d entries)", index, len(t.fns))
	}
	fn := t.fns[index]
	if fn == nil {
		return errors.Errorf("builtin: function index %d is not implemented", index)
	}
	return fn(th)
}

// Registry is a name-keyed set of built-in modules, implementing
// vm.BuiltinRegistry. The zero value is not ready to use; call
// NewRegistry.
type Registry struct {
	mu   sync.RWMutex
	mods map[string]vm.BuiltinModule
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{mods: make(map[string]vm.BuiltinModule)}
}

// Register adds mod under name, the module name a load/mcall instruction
// names in its import section. Registering under a name that is already
// present replaces the previous entry — the host may re-register a
// built-in between VM runs.
func (r *Registry) Register(name string, mod vm.BuiltinModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mods[name] = mod
}

// Lookup implements vm.BuiltinRegistry.
func (r *Registry) Lookup(name string) (vm.BuiltinModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.mods[name]
	return mod, ok
}
