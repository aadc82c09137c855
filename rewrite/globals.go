package rewrite

import (
	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/snapshot"
	"github.com/wippyai/wasm-preinit/wasm"
)

// rewriteGlobals gives every changed global a constant initializer holding
// its final value.
func rewriteGlobals(m *wasm.Module, diff *snapshot.Diff, stats *Stats) error {
	if len(diff.Globals) == 0 {
		return nil
	}
	nImported := uint32(m.NumImportedGlobals())
	for _, gd := range diff.Globals {
		if gd.Index < nImported || int(gd.Index-nImported) >= len(m.Globals) {
			return errors.New(errors.PhaseRewrite, errors.KindUnsupported).
				Detail("global %d is not defined by the module", gd.Index).
				Build()
		}
		g := &m.Globals[gd.Index-nImported]
		if g.Type.ValType != gd.After.Type {
			return errors.New(errors.PhaseRewrite, errors.KindUnsupported).
				Detail("global %d holds %s, captured %s", gd.Index, g.Type.ValType, gd.After.Type).
				Build()
		}
		expr, err := wasm.EncodeConst(gd.After)
		if err != nil {
			return errors.Wrap(errors.PhaseRewrite, errors.KindUnsupported, err, "encode global initializer")
		}
		g.Init = expr
		stats.Globals++
	}

	raw, err := wasm.EncodeGlobalSection(m.Globals)
	if err != nil {
		return err
	}
	if err := checkSize(wasm.SectionGlobal, uint64(len(raw))); err != nil {
		return err
	}
	m.SetSection(wasm.SectionGlobal, raw)
	return nil
}
