package rewrite

import (
	"bytes"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/snapshot"
	"github.com/wippyai/wasm-preinit/wasm"
)

// rewriteMemories appends one active data segment per changed page and
// raises the minimum of memories that grew. Original segments stay in place;
// the appended ones are applied after them and win.
func rewriteMemories(m *wasm.Module, diff *snapshot.Diff, stats *Stats) error {
	nImported := uint32(m.NumImportedMemories())
	dirtyMemories := false

	for _, md := range diff.Memories {
		if md.Index < nImported || int(md.Index-nImported) >= len(m.Memories) {
			return errors.New(errors.PhaseRewrite, errors.KindUnsupported).
				Detail("memory %d is not defined by the module", md.Index).
				Build()
		}

		for _, p := range md.Pages {
			init := p.Bytes
			if p.Grown {
				// Fresh pages are zero-filled at instantiation.
				init = bytes.TrimRight(init, "\x00")
				if len(init) == 0 {
					stats.SkippedPages++
					continue
				}
			}
			m.Data = append(m.Data, pageSegment(md.Index, p.Page, init))
			stats.DataSegments++
			stats.DataBytes += uint64(len(init))
		}

		mem := &m.Memories[md.Index-nImported]
		if md.FinalPages > mem.Limits.Min {
			mem.Limits.Min = md.FinalPages
			dirtyMemories = true
			stats.GrownMemories++
		}
	}

	if dirtyMemories {
		raw, err := wasm.EncodeMemorySection(m.Memories)
		if err != nil {
			return err
		}
		m.SetSection(wasm.SectionMemory, raw)
	}

	if stats.DataSegments == 0 {
		return nil
	}
	if err := checkSize(wasm.SectionData, uint64(len(m.Data))); err != nil {
		return err
	}
	if err := checkSize(wasm.SectionData, stats.DataBytes); err != nil {
		return err
	}
	raw, err := wasm.EncodeDataSection(m.Data)
	if err != nil {
		return err
	}
	if err := checkSize(wasm.SectionData, uint64(len(raw))); err != nil {
		return err
	}
	m.SetSection(wasm.SectionData, raw)

	if m.DataCount != nil {
		n := uint32(len(m.Data))
		m.DataCount = &n
		raw, err := wasm.EncodeDataCountSection(len(m.Data))
		if err != nil {
			return err
		}
		m.SetSection(wasm.SectionDataCount, raw)
	}
	return nil
}

func pageSegment(memIdx uint32, page uint64, init []byte) wasm.DataSegment {
	addr := uint32(page * wasm.PageSize)
	offset := wasm.AppendS32([]byte{wasm.OpI32Const}, int32(addr))
	offset = append(offset, wasm.OpEnd)

	seg := wasm.DataSegment{Offset: offset, Init: init, MemIdx: memIdx}
	if memIdx != 0 {
		seg.Flags = 2
	}
	return seg
}
