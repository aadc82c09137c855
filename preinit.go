package preinit

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/executor"
	"github.com/wippyai/wasm-preinit/instrument"
	"github.com/wippyai/wasm-preinit/rewrite"
	"github.com/wippyai/wasm-preinit/sandbox"
	"github.com/wippyai/wasm-preinit/snapshot"
	"github.com/wippyai/wasm-preinit/wasm"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageParse      Stage = "parse"
	StageConfig     Stage = "config"
	StageInstrument Stage = "instrument"
	StageSandbox    Stage = "sandbox"
	StageStart      Stage = "start"
	StageExecute    Stage = "execute"
	StageSnapshot   Stage = "snapshot"
	StageDiff       Stage = "diff"
	StageRewrite    Stage = "rewrite"
	StageEncode     Stage = "encode"
	StageVerify     Stage = "verify"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageParse, StageConfig, StageInstrument, StageSandbox, StageStart, StageExecute,
	StageSnapshot, StageDiff, StageRewrite, StageEncode, StageVerify,
}

// StageEvent reports the end of a stage.
type StageEvent struct {
	Err     error
	Stage   Stage
	Elapsed time.Duration
}

// Result is the output of a successful run.
type Result struct {
	Binary         []byte
	Rewrite        rewrite.Stats
	ChangedPages   int
	ChangedGlobals int
	InitDuration   time.Duration
	StateChanged   bool // false when the initializer left every snapshot value as it was
}

// Preinitializer runs the pipeline with a fixed configuration. It holds no
// per-run state and may be reused.
type Preinitializer struct {
	cfg Config
	log *zap.Logger
}

// New validates cfg and returns a Preinitializer.
func New(cfg Config) (*Preinitializer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	return &Preinitializer{cfg: cfg, log: log}, nil
}

// Run pre-initializes input with cfg and returns the rewritten module.
func Run(ctx context.Context, input []byte, cfg Config) ([]byte, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	res, err := p.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	return res.Binary, nil
}

func (p *Preinitializer) stage(s Stage, fn func() error) error {
	began := time.Now()
	err := fn()
	ev := StageEvent{Stage: s, Elapsed: time.Since(began), Err: err}
	if err != nil {
		p.log.Debug("stage failed", zap.String("stage", string(s)), zap.Duration("elapsed", ev.Elapsed), zap.Error(err))
	} else {
		p.log.Debug("stage done", zap.String("stage", string(s)), zap.Duration("elapsed", ev.Elapsed))
	}
	if p.cfg.Progress != nil {
		p.cfg.Progress(ev)
	}
	return err
}

// Run executes the pipeline on input. Any failure aborts the run without
// producing output.
func (p *Preinitializer) Run(ctx context.Context, input []byte) (*Result, error) {
	cfg := p.cfg
	res := &Result{}

	var image *wasm.Module
	if err := p.stage(StageParse, func() (err error) {
		image, err = wasm.ParseModuleValidate(input)
		return err
	}); err != nil {
		return nil, err
	}

	var reactor bool
	if err := p.stage(StageConfig, func() error {
		if _, err := executor.ResolveInitializer(image, cfg.InitFunc); err != nil {
			return err
		}
		reactor = !cfg.SkipReactorInit && cfg.InitFunc != executor.ReactorInit && hasReactorInit(image)
		return cfg.checkModule(image, removedExports(cfg, reactor))
	}); err != nil {
		return nil, err
	}

	var instrumented *instrument.Result
	if err := p.stage(StageInstrument, func() (err error) {
		instrumented, err = instrument.Instrument(image, instrument.Options{
			MaxInstructions: cfg.MaxInstructions,
			MaxMemoryPages:  cfg.MaxMemoryPages,
		})
		return err
	}); err != nil {
		return nil, err
	}

	var (
		host *sandbox.Host
		inst *sandbox.Instance
	)
	if err := p.stage(StageSandbox, func() (err error) {
		host, err = sandbox.New(ctx, image, sandbox.Config{
			Logger:          p.log.Named("sandbox"),
			Stdout:          cfg.Stdout,
			Stderr:          cfg.Stderr,
			Epoch:           cfg.Epoch,
			Env:             cfg.Env,
			Preopens:        cfg.Preopens,
			Args:            cfg.Args,
			TrappingImports: cfg.TrappingImports,
			MaxMemoryPages:  cfg.MaxMemoryPages,
			CoreFeatures:    cfg.CoreFeatures,
			Seed:            cfg.Seed,
			AllowWASI:       cfg.AllowWASI,
			InheritStdio:    cfg.InheritStdio,
			InheritEnv:      cfg.InheritEnv,
		})
		if err != nil {
			return err
		}
		inst, err = host.Instantiate(ctx, instrumented)
		return err
	}); err != nil {
		if host != nil {
			_ = host.Close(ctx)
		}
		return nil, err
	}
	defer host.Close(ctx)

	var baseline, final *snapshot.Snapshot
	if err := p.stage(StageStart, func() (err error) {
		if baseline, err = snapshot.Capture(inst); err != nil {
			return err
		}
		return inst.RunStart(ctx)
	}); err != nil {
		return nil, err
	}

	if err := p.stage(StageExecute, func() error {
		exec, err := executor.New(inst, executor.Options{
			Logger:          p.log.Named("executor"),
			InitFunc:        cfg.InitFunc,
			Timeout:         cfg.Timeout,
			SkipReactorInit: !reactor,
		})
		if err != nil {
			return err
		}
		err = exec.Run(ctx)
		res.InitDuration = exec.Duration()
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(StageSnapshot, func() (err error) {
		final, err = snapshot.Capture(inst)
		if err != nil {
			return err
		}
		if err := inst.Close(ctx); err != nil {
			p.log.Warn("closing instance", zap.Error(err))
		}
		return host.Close(ctx)
	}); err != nil {
		return nil, err
	}

	var diff *snapshot.Diff
	if err := p.stage(StageDiff, func() (err error) {
		diff, err = snapshot.Compute(ctx, baseline, final, snapshot.Options{
			Logger:       p.log.Named("snapshot"),
			Workers:      cfg.DiffWorkers,
			PagesPerTask: cfg.PagesPerTask,
		})
		return err
	}); err != nil {
		return nil, err
	}
	res.ChangedPages = diff.ChangedPages()
	res.ChangedGlobals = len(diff.Globals)
	res.StateChanged = !diff.Empty()
	if !res.StateChanged {
		p.log.Debug("initializer left no state changes", zap.String("export", cfg.InitFunc))
	}

	var out *wasm.Module
	if err := p.stage(StageRewrite, func() (err error) {
		var remove []string
		if reactor {
			remove = append(remove, executor.ReactorInit)
		}
		out, res.Rewrite, err = rewrite.Rewrite(image, diff, rewrite.Options{
			Logger:         p.log.Named("rewrite"),
			InitFunc:       cfg.InitFunc,
			KeepInitExport: cfg.KeepInitExport,
			RemoveExports:  remove,
			Renames:        cfg.Renames,
		})
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(StageEncode, func() (err error) {
		res.Binary, err = rewrite.Encode(out)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(StageVerify, func() error {
		return compile(ctx, res.Binary, cfg.CoreFeatures)
	}); err != nil {
		return nil, err
	}

	p.log.Info("pre-initialized module",
		zap.Int("input_bytes", len(input)),
		zap.Int("output_bytes", len(res.Binary)),
		zap.Int("changed_pages", res.ChangedPages),
		zap.Int("changed_globals", res.ChangedGlobals),
		zap.Duration("init", res.InitDuration))
	return res, nil
}

func hasReactorInit(m *wasm.Module) bool {
	e, ok := m.FindExport(executor.ReactorInit)
	if !ok || e.Kind != wasm.KindFunc {
		return false
	}
	ft, ok := m.FuncSignature(e.Idx)
	return ok && len(ft.Params) == 0 && len(ft.Results) == 0
}

func removedExports(cfg Config, reactor bool) map[string]bool {
	removed := make(map[string]bool, 2)
	if !cfg.KeepInitExport {
		removed[cfg.InitFunc] = true
	}
	if reactor {
		removed[executor.ReactorInit] = true
	}
	return removed
}

// compile runs the engine's own validation over the output.
func compile(ctx context.Context, bin []byte, features api.CoreFeatures) error {
	if features == 0 {
		features = api.CoreFeaturesV2
	}
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(features))
	defer r.Close(ctx)
	if _, err := r.CompileModule(ctx, bin); err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindMalformedBinary, err, "engine rejected rewritten module")
	}
	return nil
}
