package rewrite

import (
	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/wasm"
)

// rewriteExports removes the initializer and the configured exports and
// applies renames.
func rewriteExports(m *wasm.Module, opts Options, stats *Stats) error {
	remove := make(map[string]bool, len(opts.RemoveExports)+1)
	if !opts.KeepInitExport && opts.InitFunc != "" {
		remove[opts.InitFunc] = true
	}
	for _, name := range opts.RemoveExports {
		remove[name] = true
	}

	srcToDst := make(map[string]string, len(opts.Renames))
	dsts := make(map[string]bool, len(opts.Renames))
	for _, r := range opts.Renames {
		srcToDst[r.Src] = r.Dst
		dsts[r.Dst] = true
	}

	exports := make([]wasm.Export, 0, len(m.Exports))
	renamed := 0
	for _, e := range m.Exports {
		if remove[e.Name] {
			stats.RemovedExports++
			continue
		}
		if dst, ok := srcToDst[e.Name]; ok {
			if e.Kind != wasm.KindFunc {
				return errors.InvalidConfig("rename %s=%s: export %q is not a function", dst, e.Name, e.Name)
			}
			e.Name = dst
			exports = append(exports, e)
			renamed++
			continue
		}
		if dsts[e.Name] {
			// overwritten by a rename
			stats.RemovedExports++
			continue
		}
		exports = append(exports, e)
	}
	if renamed != len(srcToDst) {
		for src, dst := range srcToDst {
			if _, ok := m.FindExport(src); !ok || remove[src] {
				return errors.InvalidConfig("rename %s=%s: no function export %q", dst, src, src)
			}
		}
	}

	if stats.RemovedExports == 0 && renamed == 0 {
		return nil
	}
	m.Exports = exports
	raw, err := wasm.EncodeExportSection(m.Exports)
	if err != nil {
		return err
	}
	m.SetSection(wasm.SectionExport, raw)
	return nil
}
