package rewrite

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/snapshot"
	"github.com/wippyai/wasm-preinit/wasm"
)

// maxSectionSize bounds every rewritten section payload.
var maxSectionSize = wasm.MaxU32

// Rename exports function Src under the name Dst, replacing any existing Dst
// export.
type Rename struct {
	Dst string
	Src string
}

// Options controls how the output module is assembled.
type Options struct {
	Logger *zap.Logger

	InitFunc       string
	KeepInitExport bool

	// RemoveExports are dropped in addition to the initializer, e.g. the
	// reactor initializer once it has run.
	RemoveExports []string
	Renames       []Rename
}

// Stats summarizes what the rewrite added.
type Stats struct {
	DataSegments   int
	DataBytes      uint64
	Globals        int
	Tables         int
	GrownMemories  int
	SkippedPages   int
	RemovedExports int
}

// Rewrite derives the pre-initialized module from the original image and the
// state diff. Only the data, data count, memory, global, element, export and
// start sections change; every other section is copied verbatim.
func Rewrite(image *wasm.Module, diff *snapshot.Diff, opts Options) (*wasm.Module, Stats, error) {
	log := opts.Logger
	if log == nil {
		log = Logger()
	}

	out := image.Clone()
	var stats Stats

	if err := rewriteMemories(out, diff, &stats); err != nil {
		return nil, stats, err
	}
	if err := rewriteGlobals(out, diff, &stats); err != nil {
		return nil, stats, err
	}
	if err := rewriteTables(out, diff, &stats); err != nil {
		return nil, stats, err
	}
	if err := rewriteExports(out, opts, &stats); err != nil {
		return nil, stats, err
	}

	out.Start = nil
	out.RemoveSection(wasm.SectionStart)

	log.Debug("rewrote module",
		zap.Int("data_segments", stats.DataSegments),
		zap.Uint64("data_bytes", stats.DataBytes),
		zap.Int("globals", stats.Globals),
		zap.Int("tables", stats.Tables),
		zap.Int("removed_exports", stats.RemovedExports))
	return out, stats, nil
}

// Encode serializes m and checks that the result parses and validates.
func Encode(m *wasm.Module) ([]byte, error) {
	bin, err := m.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := wasm.ParseModuleValidate(bin); err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindMalformedBinary, err, "rewritten module failed validation")
	}
	return bin, nil
}

func checkSize(section byte, n uint64) error {
	if n > maxSectionSize {
		return errors.EncodingOverflow(wasm.SectionName(section), n)
	}
	return nil
}
