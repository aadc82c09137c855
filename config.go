package preinit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/rewrite"
	"github.com/wippyai/wasm-preinit/sandbox"
	"github.com/wippyai/wasm-preinit/wasm"
)

// DefaultInitFunc is the initializer export used when none is configured.
const DefaultInitFunc = "wizer.initialize"

type (
	Preopen    = sandbox.Preopen
	AccessMode = sandbox.AccessMode
	HostImport = sandbox.HostImport
	Rename     = rewrite.Rename
)

const (
	ReadOnly  = sandbox.ReadOnly
	ReadWrite = sandbox.ReadWrite
)

// Config controls a pre-initialization run.
type Config struct {
	Logger   *zap.Logger
	Progress func(StageEvent)
	Stdout   io.Writer
	Stderr   io.Writer

	Epoch time.Time
	Env   map[string]string

	InitFunc        string
	Preopens        []Preopen
	Args            []string
	TrappingImports []HostImport
	Renames         []Rename

	// CoreFeatures is the proposal set the sandbox and the output check
	// accept. Zero means api.CoreFeaturesV2.
	CoreFeatures api.CoreFeatures

	MaxInstructions uint64 // zero disables fuel metering
	MaxMemoryPages  uint64 // zero leaves only the format limit
	Timeout         time.Duration
	Seed            uint64
	DiffWorkers     int
	PagesPerTask    int

	KeepInitExport  bool
	SkipReactorInit bool
	AllowWASI       bool
	InheritStdio    bool
	InheritEnv      bool
}

// DefaultConfig returns the configuration used by the command line tool
// when no flags are given.
func DefaultConfig() Config {
	return Config{
		InitFunc:        DefaultInitFunc,
		CoreFeatures:    api.CoreFeaturesV2,
		MaxInstructions: 10_000_000_000,
		MaxMemoryPages:  16384,
	}
}

// Validate checks the configuration on its own. Checks that need the module
// run in Run after parsing.
func (c *Config) Validate() error {
	if c.InitFunc == "" {
		return errors.InvalidConfig("initializer export name is empty")
	}
	if c.MaxMemoryPages > wasm.MemoryMaxPages32 {
		return errors.InvalidConfig("max memory pages %d exceeds %d", c.MaxMemoryPages, wasm.MemoryMaxPages32)
	}
	if c.Timeout < 0 {
		return errors.InvalidConfig("negative timeout %s", c.Timeout)
	}
	if c.DiffWorkers < 0 || c.PagesPerTask < 0 {
		return errors.InvalidConfig("diff workers and pages per task must not be negative")
	}

	for _, p := range c.Preopens {
		if p.GuestPath == "" {
			return errors.InvalidConfig("preopen %s: empty guest path", p.HostPath)
		}
		switch p.Mode {
		case "", ReadOnly, ReadWrite:
		default:
			return errors.InvalidConfig("preopen %s: unknown mode %q", p.HostPath, p.Mode)
		}
		info, err := os.Stat(p.HostPath)
		if err != nil {
			return errors.InvalidConfig("preopen %s: %v", p.HostPath, err)
		}
		if !info.IsDir() {
			return errors.InvalidConfig("preopen %s: not a directory", p.HostPath)
		}
	}

	for k := range c.Env {
		if k == "" || strings.ContainsRune(k, '=') {
			return errors.InvalidConfig("invalid environment variable name %q", k)
		}
	}

	dsts := make(map[string]bool, len(c.Renames))
	srcs := make(map[string]bool, len(c.Renames))
	for _, r := range c.Renames {
		if r.Dst == "" || r.Src == "" {
			return errors.InvalidConfig("rename %s=%s: empty name", r.Dst, r.Src)
		}
		if dsts[r.Dst] {
			return errors.InvalidConfig("duplicated rename destination %q", r.Dst)
		}
		if srcs[r.Src] {
			return errors.InvalidConfig("duplicated rename source %q", r.Src)
		}
		dsts[r.Dst] = true
		srcs[r.Src] = true
	}
	return nil
}

// checkModule validates the parts of the configuration that depend on the
// module: rename sources must be retained function exports, and a removed
// initializer must not be reachable from any retained export.
func (c *Config) checkModule(m *wasm.Module, removed map[string]bool) error {
	for _, r := range c.Renames {
		e, ok := m.FindExport(r.Src)
		if !ok || removed[r.Src] {
			return errors.InvalidConfig("rename %s=%s: no function export %q", r.Dst, r.Src, r.Src)
		}
		if e.Kind != wasm.KindFunc {
			return errors.InvalidConfig("rename %s=%s: export %q is not a function", r.Dst, r.Src, r.Src)
		}
	}

	var targets []wasm.Export
	for name := range removed {
		if e, ok := m.FindExport(name); ok && e.Kind == wasm.KindFunc {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	roots := make(map[uint32]bool)
	for _, e := range m.Exports {
		if removed[e.Name] {
			continue
		}
		switch e.Kind {
		case wasm.KindFunc:
			roots[e.Idx] = true
		case wasm.KindTable:
			for _, f := range m.ElementFuncs() {
				roots[f] = true
			}
		}
	}

	cg, err := wasm.BuildCallGraph(m)
	if err != nil {
		return err
	}
	reachable := cg.TransitiveCallees(roots)
	for _, t := range targets {
		if roots[t.Idx] || reachable[t.Idx] {
			return errors.InvalidConfig(
				"export %q is removed from the output but function %d is still reachable from retained exports; keep it with KeepInitExport",
				t.Name, t.Idx)
		}
	}
	return nil
}

// ParsePreopen parses host[:guest[:ro|rw]]. The guest path defaults to the
// host path and the mode to read-only.
func ParsePreopen(s string) (Preopen, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 || parts[0] == "" {
		return Preopen{}, fmt.Errorf("invalid directory %q: want host[:guest[:ro|rw]]", s)
	}
	p := Preopen{HostPath: parts[0], GuestPath: parts[0], Mode: ReadOnly}
	if len(parts) > 1 && parts[1] != "" {
		p.GuestPath = parts[1]
	}
	if len(parts) > 2 {
		switch AccessMode(parts[2]) {
		case ReadOnly, ReadWrite:
			p.Mode = AccessMode(parts[2])
		default:
			return Preopen{}, fmt.Errorf("invalid directory mode %q: want ro or rw", parts[2])
		}
	}
	return p, nil
}

// ParseRename parses dst=src.
func ParseRename(s string) (Rename, error) {
	dst, src, ok := strings.Cut(s, "=")
	if !ok || dst == "" || src == "" {
		return Rename{}, fmt.Errorf("invalid rename %q: want dst=src", s)
	}
	return Rename{Dst: dst, Src: src}, nil
}

// ParseHostImport parses module#name.
func ParseHostImport(s string) (HostImport, error) {
	module, name, ok := strings.Cut(s, "#")
	if !ok || module == "" || name == "" {
		return HostImport{}, fmt.Errorf("invalid import %q: want module#name", s)
	}
	return HostImport{Module: module, Name: name}, nil
}
