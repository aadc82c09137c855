package snapshot

import (
	"bytes"
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/wasm"
)

// DefaultPagesPerTask is the partition size used when Options leaves it unset.
const DefaultPagesPerTask = 16

// PageDiff is one 64 KiB page whose final contents differ from the baseline.
type PageDiff struct {
	Bytes []byte
	Page  uint64
	Grown bool // page lies beyond the baseline size
}

// MemoryDiff lists the changed pages of one memory in ascending order.
type MemoryDiff struct {
	Pages         []PageDiff
	BaselinePages uint64
	FinalPages    uint64
	Index         uint32
}

// GlobalDiff is a mutable global whose value changed.
type GlobalDiff struct {
	Before wasm.Value
	After  wasm.Value
	Type   wasm.GlobalType
	Index  uint32
}

// TableDiff carries the final entries of a table that changed.
type TableDiff struct {
	Entries []wasm.Value
	Index   uint32
}

// Diff is the minimal description of the state change between two snapshots.
// A page, global or table absent from it equals the baseline.
type Diff struct {
	Memories []MemoryDiff
	Globals  []GlobalDiff
	Tables   []TableDiff
}

// Empty reports whether nothing changed.
func (d *Diff) Empty() bool {
	for _, m := range d.Memories {
		if len(m.Pages) > 0 || m.FinalPages != m.BaselinePages {
			return false
		}
	}
	return len(d.Globals) == 0 && len(d.Tables) == 0
}

// ChangedPages returns the total number of changed pages.
func (d *Diff) ChangedPages() int {
	n := 0
	for _, m := range d.Memories {
		n += len(m.Pages)
	}
	return n
}

// Options controls the parallel page comparison.
type Options struct {
	Logger       *zap.Logger
	Workers      int // defaults to GOMAXPROCS
	PagesPerTask int // defaults to DefaultPagesPerTask
}

// Compute diffs final against baseline. Memories are compared page by page
// on a bounded worker pool; each page writes only its own slot, so the
// result does not depend on Workers or PagesPerTask.
func Compute(ctx context.Context, baseline, final *Snapshot, opts Options) (*Diff, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.PagesPerTask <= 0 {
		opts.PagesPerTask = DefaultPagesPerTask
	}
	log := opts.Logger
	if log == nil {
		log = Logger()
	}

	if len(baseline.Memories) != len(final.Memories) ||
		len(baseline.Globals) != len(final.Globals) ||
		len(baseline.Tables) != len(final.Tables) {
		return nil, mismatch("snapshots describe different modules")
	}

	d := &Diff{}
	for i := range final.Memories {
		md, err := diffMemory(ctx, baseline.Memories[i], final.Memories[i], opts)
		if err != nil {
			return nil, err
		}
		d.Memories = append(d.Memories, md)
	}

	for i, after := range final.Globals {
		before := baseline.Globals[i]
		if before.Index != after.Index {
			return nil, mismatch("global %d compared against global %d", after.Index, before.Index)
		}
		if !before.Value.Equal(after.Value) {
			d.Globals = append(d.Globals, GlobalDiff{
				Index:  after.Index,
				Type:   after.Type,
				Before: before.Value,
				After:  after.Value,
			})
		}
	}

	for i, after := range final.Tables {
		before := baseline.Tables[i]
		if before.Index != after.Index {
			return nil, mismatch("table %d compared against table %d", after.Index, before.Index)
		}
		if !sameEntries(before.Entries, after.Entries) {
			d.Tables = append(d.Tables, TableDiff{Index: after.Index, Entries: after.Entries})
		}
	}

	log.Debug("computed diff",
		zap.Int("changed_pages", d.ChangedPages()),
		zap.Int("changed_globals", len(d.Globals)),
		zap.Int("changed_tables", len(d.Tables)),
		zap.Int("workers", opts.Workers))
	return d, nil
}

func diffMemory(ctx context.Context, base, fin Memory, opts Options) (MemoryDiff, error) {
	md := MemoryDiff{Index: fin.Index, BaselinePages: base.Pages, FinalPages: fin.Pages}
	if base.Index != fin.Index {
		return md, mismatch("memory %d compared against memory %d", fin.Index, base.Index)
	}
	if fin.Pages < base.Pages {
		return md, mismatch("memory %d shrank from %d to %d pages", fin.Index, base.Pages, fin.Pages)
	}
	if uint64(len(base.Bytes)) != base.Pages*wasm.PageSize || uint64(len(fin.Bytes)) != fin.Pages*wasm.PageSize {
		return md, mismatch("memory %d length does not match its page count", fin.Index)
	}

	slots := make([]*PageDiff, fin.Pages)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	step := uint64(opts.PagesPerTask)
	for lo := uint64(0); lo < fin.Pages; lo += step {
		hi := min(lo+step, fin.Pages)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for p := lo; p < hi; p++ {
				page := fin.Bytes[p*wasm.PageSize : (p+1)*wasm.PageSize]
				if p >= base.Pages {
					slots[p] = &PageDiff{Page: p, Bytes: page, Grown: true}
					continue
				}
				if !bytes.Equal(page, base.Bytes[p*wasm.PageSize:(p+1)*wasm.PageSize]) {
					slots[p] = &PageDiff{Page: p, Bytes: page}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return md, errors.Wrap(errors.PhaseSnapshot, errors.KindUnsupported, err, "page diff interrupted")
	}

	for _, s := range slots {
		if s != nil {
			md.Pages = append(md.Pages, *s)
		}
	}
	return md, nil
}

func sameEntries(a, b []wasm.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func mismatch(format string, args ...any) error {
	return errors.New(errors.PhaseSnapshot, errors.KindUnsupported).
		Detail(format, args...).
		Build()
}
