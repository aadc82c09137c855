package rewrite

import (
	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/snapshot"
	"github.com/wippyai/wasm-preinit/wasm"
)

// rewriteTables appends one active element segment per changed table that
// covers the whole table, so it overrides whatever the original segments
// wrote. Existing segments keep their indices.
func rewriteTables(m *wasm.Module, diff *snapshot.Diff, stats *Stats) error {
	if len(diff.Tables) == 0 {
		return nil
	}
	nImported := uint32(m.NumImportedTables())
	for _, td := range diff.Tables {
		if td.Index < nImported || int(td.Index-nImported) >= len(m.Tables) {
			return errors.New(errors.PhaseRewrite, errors.KindUnsupported).
				Detail("table %d is not defined by the module", td.Index).
				Build()
		}
		seg, err := tableSegment(td.Index, m.Tables[td.Index-nImported].ElemType, td.Entries)
		if err != nil {
			return err
		}
		m.Elements = append(m.Elements, seg)
		stats.Tables++
	}

	if err := checkSize(wasm.SectionElement, uint64(len(m.Elements))); err != nil {
		return err
	}
	raw, err := wasm.EncodeElementSection(m.Elements)
	if err != nil {
		return err
	}
	m.SetSection(wasm.SectionElement, raw)
	return nil
}

// tableSegment uses the function-index form when every entry is a non-null
// funcref and the expression form otherwise.
func tableSegment(tableIdx uint32, elemType wasm.ValType, entries []wasm.Value) (wasm.Element, error) {
	offset := []byte{wasm.OpI32Const, 0, wasm.OpEnd}
	seg := wasm.Element{Offset: offset, TableIdx: tableIdx, Type: elemType}

	dense := elemType == wasm.ValFuncRef
	for _, v := range entries {
		if v.Null || v.Type != wasm.ValFuncRef {
			dense = false
			break
		}
	}

	if dense {
		seg.FuncIdxs = make([]uint32, len(entries))
		for i, v := range entries {
			seg.FuncIdxs[i] = v.FuncIdx
		}
		if tableIdx != 0 {
			seg.Flags = 2
		}
		return seg, nil
	}

	seg.Exprs = make([][]byte, len(entries))
	for i, v := range entries {
		expr, err := wasm.EncodeConst(v)
		if err != nil {
			return wasm.Element{}, errors.Wrap(errors.PhaseRewrite, errors.KindUnsupported, err, "encode table entry")
		}
		seg.Exprs[i] = expr
	}
	seg.Flags = 4
	if tableIdx != 0 {
		seg.Flags = 6
	}
	return seg, nil
}
