package snapshot

import (
	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/instrument"
	"github.com/wippyai/wasm-preinit/wasm"
)

// Memory is a copy of one linear memory.
type Memory struct {
	Bytes []byte
	Pages uint64
	Index uint32
}

// Global is the value of one mutable global.
type Global struct {
	Value wasm.Value
	Type  wasm.GlobalType
	Index uint32
}

// Table holds the entries of one table.
type Table struct {
	Entries []wasm.Value
	Index   uint32
}

// Snapshot is the machine state of an instance at one point in time.
type Snapshot struct {
	Memories []Memory
	Globals  []Global
	Tables   []Table
}

// Source is a live instance whose state can be read.
type Source interface {
	Memories() []uint32
	ReadMemory(idx uint32) ([]byte, error)
	MemoryPages(idx uint32) (uint64, error)
	MutableGlobals() []instrument.GlobalExport
	ReadGlobal(idx uint32) (wasm.Value, error)
	Tables() []uint32
	ReadTable(idx uint32) ([]wasm.Value, error)
}

// Capture copies every memory, mutable global and table out of src.
func Capture(src Source) (*Snapshot, error) {
	s := &Snapshot{}

	for _, idx := range src.Memories() {
		data, err := src.ReadMemory(idx)
		if err != nil {
			return nil, wrap(err, "memory %d", idx)
		}
		pages, err := src.MemoryPages(idx)
		if err != nil {
			return nil, wrap(err, "memory %d", idx)
		}
		s.Memories = append(s.Memories, Memory{Index: idx, Pages: pages, Bytes: data})
	}

	for _, g := range src.MutableGlobals() {
		v, err := src.ReadGlobal(g.Index)
		if err != nil {
			return nil, wrap(err, "global %d", g.Index)
		}
		s.Globals = append(s.Globals, Global{Index: g.Index, Type: g.Type, Value: v})
	}

	for _, idx := range src.Tables() {
		entries, err := src.ReadTable(idx)
		if err != nil {
			return nil, wrap(err, "table %d", idx)
		}
		s.Tables = append(s.Tables, Table{Index: idx, Entries: entries})
	}

	Logger().Debug("captured snapshot")
	return s, nil
}

func wrap(err error, what string, args ...any) error {
	var xerr *errors.Error
	if errors.As(err, &xerr) {
		return err
	}
	return errors.New(errors.PhaseSnapshot, errors.KindUnsupported).
		Cause(err).
		Detail("read "+what, args...).
		Build()
}
