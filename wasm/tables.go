package wasm

import "fmt"

// StaticTables computes the contents of every defined table after
// instantiation: each table starts with Limits.Min null entries and active
// element segments are applied in order. The result is indexed by
// defined-table position.
func (m *Module) StaticTables() ([][]Value, error) {
	globals, err := m.StaticGlobals()
	if err != nil {
		return nil, err
	}
	nImportedGlobals := uint32(m.NumImportedGlobals())
	resolve := func(idx uint32) (Value, bool) {
		if idx < nImportedGlobals || int(idx-nImportedGlobals) >= len(globals) {
			return Value{}, false
		}
		return globals[idx-nImportedGlobals], true
	}

	nImportedTables := uint32(m.NumImportedTables())
	tables := make([][]Value, len(m.Tables))
	for i, t := range m.Tables {
		entries := make([]Value, t.Limits.Min)
		for j := range entries {
			entries[j] = NullRef(t.ElemType)
		}
		tables[i] = entries
	}

	for i := range m.Elements {
		e := &m.Elements[i]
		if !e.IsActive() {
			continue
		}
		if e.TableIdx < nImportedTables {
			return nil, fmt.Errorf("element %d targets imported table %d", i, e.TableIdx)
		}
		entries := tables[e.TableIdx-nImportedTables]

		off, err := EvalConst(e.Offset, resolve)
		if err != nil {
			return nil, fmt.Errorf("element %d offset: %w", i, err)
		}
		start := uint64(uint32(off.Bits))
		if start+uint64(e.Len()) > uint64(len(entries)) {
			return nil, fmt.Errorf("element %d: out of bounds table access", i)
		}

		for j := 0; j < e.Len(); j++ {
			var v Value
			if e.UsesExprs() {
				v, err = EvalConst(e.Exprs[j], resolve)
				if err != nil {
					return nil, fmt.Errorf("element %d entry %d: %w", i, j, err)
				}
			} else {
				v = FuncRef(e.FuncIdxs[j])
			}
			entries[start+uint64(j)] = v
		}
	}
	return tables, nil
}
