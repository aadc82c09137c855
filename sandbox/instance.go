package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/instrument"
	"github.com/wippyai/wasm-preinit/wasm"
)

// Instance is the instrumented module bound to a Host. Reads copy state out
// of the engine; the only way to change state is to call an export.
type Instance struct {
	mod    api.Module
	image  *wasm.Module
	res    *instrument.Result
	tables [][]wasm.Value
}

// Image returns the original module the instance was derived from.
func (i *Instance) Image() *wasm.Module { return i.image }

// Memories lists the defined memory indices in order.
func (i *Instance) Memories() []uint32 {
	out := make([]uint32, len(i.res.Memories))
	for j, m := range i.res.Memories {
		out[j] = m.Index
	}
	return out
}

// MutableGlobals lists the mutable defined globals in index order.
func (i *Instance) MutableGlobals() []instrument.GlobalExport { return i.res.Globals }

// Tables lists the defined table indices in order.
func (i *Instance) Tables() []uint32 {
	base := uint32(i.image.NumImportedTables())
	out := make([]uint32, len(i.tables))
	for j := range out {
		out[j] = base + uint32(j)
	}
	return out
}

func (i *Instance) memory(idx uint32) (api.Memory, error) {
	for _, m := range i.res.Memories {
		if m.Index == idx {
			if mem := i.mod.ExportedMemory(m.Export); mem != nil {
				return mem, nil
			}
			break
		}
	}
	return nil, errors.New(errors.PhaseSnapshot, errors.KindUnsupported).
		Detail("memory %d is not readable", idx).
		Build()
}

// ReadMemory returns a copy of memory idx.
func (i *Instance) ReadMemory(idx uint32) ([]byte, error) {
	mem, err := i.memory(idx)
	if err != nil {
		return nil, err
	}
	view, ok := mem.Read(0, mem.Size())
	if !ok {
		return nil, fmt.Errorf("memory %d: read %d bytes failed", idx, mem.Size())
	}
	return append([]byte(nil), view...), nil
}

// MemoryPages returns the current size of memory idx in pages.
func (i *Instance) MemoryPages(idx uint32) (uint64, error) {
	mem, err := i.memory(idx)
	if err != nil {
		return 0, err
	}
	return uint64(mem.Size()) / wasm.PageSize, nil
}

// ReadGlobal returns the current value of global idx. Immutable globals are
// answered from their initializers.
func (i *Instance) ReadGlobal(idx uint32) (wasm.Value, error) {
	for _, g := range i.res.Globals {
		if g.Index != idx {
			continue
		}
		eg := i.mod.ExportedGlobal(g.Export)
		if eg == nil {
			return wasm.Value{}, fmt.Errorf("global %d: export %q missing", idx, g.Export)
		}
		return fromRaw(g.Type.ValType, eg.Get())
	}

	nImported := uint32(i.image.NumImportedGlobals())
	if idx < nImported || int(idx-nImported) >= len(i.image.Globals) {
		return wasm.Value{}, fmt.Errorf("global %d out of range", idx)
	}
	static, err := i.image.StaticGlobals()
	if err != nil {
		return wasm.Value{}, err
	}
	return static[idx-nImported], nil
}

func fromRaw(vt wasm.ValType, raw uint64) (wasm.Value, error) {
	switch vt {
	case wasm.ValI32, wasm.ValF32:
		return wasm.Value{Type: vt, Bits: uint64(uint32(raw))}, nil
	case wasm.ValI64, wasm.ValF64:
		return wasm.Value{Type: vt, Bits: raw}, nil
	}
	return wasm.Value{}, fmt.Errorf("%s globals cannot be read", vt)
}

// ReadTable returns the entries of table idx. Table mutation is rejected
// during instrumentation, so the contents are those set at instantiation.
func (i *Instance) ReadTable(idx uint32) ([]wasm.Value, error) {
	base := uint32(i.image.NumImportedTables())
	if idx < base || int(idx-base) >= len(i.tables) {
		return nil, fmt.Errorf("table %d out of range", idx)
	}
	return append([]wasm.Value(nil), i.tables[idx-base]...), nil
}

// Call invokes a [] -> [] export and returns the raw engine error.
func (i *Instance) Call(ctx context.Context, name string) error {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return fmt.Errorf("export %q is not a function", name)
	}
	_, err := fn.Call(ctx)
	return err
}

// RunStart invokes the extracted start function, if the module had one.
func (i *Instance) RunStart(ctx context.Context) error {
	if i.res.StartExport == "" {
		return nil
	}
	if err := i.Call(ctx, i.res.StartExport); err != nil {
		if exceeded := i.Exceeded(errors.PhaseSandbox); exceeded != nil {
			return exceeded
		}
		return errors.InstantiationTrap(TrapReason(err), err)
	}
	return nil
}

// Fuel returns the remaining instruction budget. ok is false when the
// instance is unmetered.
func (i *Instance) Fuel() (remaining int64, ok bool) {
	if i.res.FuelExport == "" {
		return 0, false
	}
	g := i.mod.ExportedGlobal(i.res.FuelExport)
	if g == nil {
		return 0, false
	}
	return int64(g.Get()), true
}

// MemoryExceeded reports whether a guarded memory.grow passed the ceiling.
func (i *Instance) MemoryExceeded() bool {
	if i.res.MemExceeded == "" {
		return false
	}
	g := i.mod.ExportedGlobal(i.res.MemExceeded)
	return g != nil && g.Get() != 0
}

// Exceeded returns the resource error for a trap caused by a ceiling, or
// nil if no metered ceiling was hit.
func (i *Instance) Exceeded(phase errors.Phase) *errors.Error {
	if fuel, ok := i.Fuel(); ok && fuel < 0 {
		return errors.ResourceExceeded(phase, errors.CeilingInstructions, i.res.Fuel)
	}
	if i.MemoryExceeded() {
		return errors.ResourceExceeded(phase, errors.CeilingMemoryPages, i.res.MemoryPages)
	}
	return nil
}

// Close releases the module instance.
func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}
