package sandbox

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/instrument"
	"github.com/wippyai/wasm-preinit/wasm"
)

// Host owns the wazero runtime and the host bindings for one run.
type Host struct {
	runtime wazero.Runtime
	image   *wasm.Module
	log     *zap.Logger
	cfg     Config
	closed  bool
}

// New checks that every import of image can be satisfied under cfg and
// prepares a runtime with the granted bindings. Nothing from the module runs
// until Instantiate.
func New(ctx context.Context, image *wasm.Module, cfg Config) (*Host, error) {
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	if err := checkImports(image, &cfg); err != nil {
		return nil, err
	}
	if err := checkMemoryCeiling(image, cfg.MaxMemoryPages); err != nil {
		return nil, err
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCoreFeatures(cfg.features()).
		WithCloseOnContextDone(true))
	h := &Host{runtime: runtime, image: image, cfg: cfg, log: log}

	if err := h.bindWASI(ctx); err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	if err := h.bindTrapping(ctx); err != nil {
		_ = h.Close(ctx)
		return nil, err
	}

	log.Debug("sandbox ready",
		zap.Bool("wasi", cfg.AllowWASI),
		zap.Int("preopens", len(cfg.Preopens)),
		zap.Uint64("max_memory_pages", cfg.MaxMemoryPages))
	return h, nil
}

func checkMemoryCeiling(m *wasm.Module, ceiling uint64) error {
	if ceiling == 0 {
		return nil
	}
	for _, mem := range m.Memories {
		if mem.Limits.Min > ceiling {
			return errors.New(errors.PhaseSandbox, errors.KindResourceExceeded).
				Ceiling(errors.CeilingMemoryPages, ceiling).
				Detail("initial memory of %d pages", mem.Limits.Min).
				Build()
		}
	}
	return nil
}

func (h *Host) importsModule(module string) bool {
	for _, imp := range h.image.Imports {
		if imp.Module == module {
			return true
		}
	}
	return false
}

// bindWASI instantiates wasi_snapshot_preview1 when the image uses it and
// verifies every imported signature against the host definitions.
func (h *Host) bindWASI(ctx context.Context) error {
	if !h.cfg.AllowWASI || !h.importsModule(wasi_snapshot_preview1.ModuleName) {
		return nil
	}

	builder := h.runtime.NewHostModuleBuilder(wasi_snapshot_preview1.ModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
	compiled, err := builder.Compile(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseSandbox, errors.KindUnsatisfiedImport, err, "compile WASI host module")
	}

	defs := compiled.ExportedFunctions()
	for _, imp := range h.image.Imports {
		if imp.Module != wasi_snapshot_preview1.ModuleName {
			continue
		}
		def, ok := defs[imp.Name]
		if !ok {
			return errors.UnsatisfiedImport(imp.Module, imp.Name, "not provided by the WASI host")
		}
		want := h.image.Types[imp.Desc.TypeIdx]
		if !sameSignature(want, def) {
			return errors.UnsatisfiedImport(imp.Module, imp.Name,
				fmt.Sprintf("signature %s does not match the host", want))
		}
	}

	if _, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig()); err != nil {
		return errors.Wrap(errors.PhaseSandbox, errors.KindUnsatisfiedImport, err, "instantiate WASI host module")
	}
	return nil
}

func sameSignature(ft wasm.FuncType, def api.FunctionDefinition) bool {
	return slices.Equal(valueTypes(ft.Params), def.ParamTypes()) &&
		slices.Equal(valueTypes(ft.Results), def.ResultTypes())
}

// valueTypes converts to wazero value types, which share the binary encoding.
func valueTypes(vts []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(vts))
	for i, vt := range vts {
		out[i] = api.ValueType(vt)
	}
	return out
}

// bindTrapping registers a stub for every configured trapping import the
// image actually references. Calling a stub traps the guest.
func (h *Host) bindTrapping(ctx context.Context) error {
	wanted := make(map[HostImport]bool, len(h.cfg.TrappingImports))
	for _, ti := range h.cfg.TrappingImports {
		wanted[ti] = true
	}

	builders := make(map[string]wazero.HostModuleBuilder)
	for _, imp := range h.image.Imports {
		if imp.Desc.Kind != wasm.KindFunc || imp.Module == wasi_snapshot_preview1.ModuleName {
			continue
		}
		if !wanted[HostImport{Module: imp.Module, Name: imp.Name}] {
			continue
		}
		b, ok := builders[imp.Module]
		if !ok {
			b = h.runtime.NewHostModuleBuilder(imp.Module)
		}
		ft := h.image.Types[imp.Desc.TypeIdx]
		module, name := imp.Module, imp.Name
		builders[imp.Module] = b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, _ []uint64) {
				panic(fmt.Errorf("trapping import %s#%s called", module, name))
			}), valueTypes(ft.Params), valueTypes(ft.Results)).
			Export(imp.Name)
	}

	for _, module := range slices.Sorted(maps.Keys(builders)) {
		if _, err := builders[module].Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseSandbox, errors.KindUnsatisfiedImport, err,
				fmt.Sprintf("instantiate stubs for %q", module))
		}
	}
	return nil
}

// Instantiate compiles and instantiates the execution copy. Start functions
// are not run; the extracted start is invoked through Instance.RunStart.
func (h *Host) Instantiate(ctx context.Context, res *instrument.Result) (*Instance, error) {
	compiled, err := h.runtime.CompileModule(ctx, res.Binary)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSandbox, errors.KindMalformedBinary, err, "engine rejected module")
	}

	mod, err := h.runtime.InstantiateModule(ctx, compiled, h.moduleConfig())
	if err != nil {
		return nil, errors.InstantiationTrap(TrapReason(err), err)
	}

	tables, err := h.image.StaticTables()
	if err != nil {
		_ = mod.Close(ctx)
		return nil, errors.InstantiationTrap(err.Error(), err)
	}

	h.log.Debug("instantiated execution copy",
		zap.Int("memories", len(res.Memories)),
		zap.Int("mutable_globals", len(res.Globals)),
		zap.Int("tables", len(tables)))

	return &Instance{mod: mod, image: h.image, res: res, tables: tables}, nil
}

func (h *Host) moduleConfig() wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()

	clk := newClock(h.cfg.Epoch)
	cfg = cfg.
		WithWalltime(clk.walltime, sys.ClockResolution(time.Microsecond)).
		WithNanotime(clk.nanotime, sys.ClockResolution(time.Microsecond)).
		WithNanosleep(func(int64) {}).
		WithRandSource(rand.NewChaCha8(seedBytes(h.cfg.Seed)))

	if len(h.cfg.Preopens) > 0 {
		fs := wazero.NewFSConfig()
		for _, p := range h.cfg.Preopens {
			if p.Mode == ReadWrite {
				fs = fs.WithDirMount(p.HostPath, p.GuestPath)
			} else {
				fs = fs.WithReadOnlyDirMount(p.HostPath, p.GuestPath)
			}
		}
		cfg = cfg.WithFSConfig(fs)
	}

	if len(h.cfg.Args) > 0 {
		cfg = cfg.WithArgs(h.cfg.Args...)
	}

	env := make(map[string]string)
	if h.cfg.InheritEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				env[k] = v
			}
		}
	}
	maps.Copy(env, h.cfg.Env)
	for _, k := range slices.Sorted(maps.Keys(env)) {
		cfg = cfg.WithEnv(k, env[k])
	}

	if h.cfg.InheritStdio {
		stdout, stderr := h.cfg.Stdout, h.cfg.Stderr
		if stdout == nil {
			stdout = os.Stdout
		}
		if stderr == nil {
			stderr = os.Stderr
		}
		cfg = cfg.WithStdin(os.Stdin).WithStdout(stdout).WithStderr(stderr)
	}
	return cfg
}

// Close releases the runtime and everything instantiated in it. It is safe
// to call more than once.
func (h *Host) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.runtime.Close(ctx); err != nil {
		h.log.Warn("close runtime", zap.Error(err))
		return err
	}
	return nil
}

// TrapReason extracts a short reason from an engine error.
func TrapReason(err error) string {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		return fmt.Sprintf("exit code %d", exit.ExitCode())
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimPrefix(msg, "wasm error: ")
}
