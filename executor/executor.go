package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/sandbox"
	"github.com/wippyai/wasm-preinit/wasm"
)

// ReactorInit is the WASI reactor initialization export.
const ReactorInit = "_initialize"

// State is the lifecycle position of an Executor.
type State int

const (
	NotStarted State = iota
	Running
	Completed
	Trapped
	Exceeded
	Canceled
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Trapped:
		return "trapped"
	case Exceeded:
		return "exceeded"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Instance is the live module an Executor drives.
type Instance interface {
	Image() *wasm.Module
	Call(ctx context.Context, name string) error
	Exceeded(phase errors.Phase) *errors.Error
}

// Options configures a single initializer invocation.
type Options struct {
	Logger   *zap.Logger
	InitFunc string
	Timeout  time.Duration // zero disables the deadline
	// SkipReactorInit disables calling _initialize before InitFunc.
	SkipReactorInit bool
}

// Executor invokes the initializer export exactly once.
type Executor struct {
	inst     Instance
	log      *zap.Logger
	opts     Options
	mu       sync.Mutex
	state    State
	reactor  bool
	funcIdx  uint32
	duration time.Duration
}

// New resolves the initializer against the instance's module.
func New(inst Instance, opts Options) (*Executor, error) {
	idx, err := ResolveInitializer(inst.Image(), opts.InitFunc)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = Logger()
	}
	e := &Executor{inst: inst, log: log, opts: opts, funcIdx: idx}
	if !opts.SkipReactorInit && opts.InitFunc != ReactorInit {
		_, e.reactor = reactorInit(inst.Image())
	}
	return e, nil
}

// ResolveInitializer returns the function index of export name, which must
// be a function with signature [] -> [].
func ResolveInitializer(m *wasm.Module, name string) (uint32, error) {
	if name == "" {
		return 0, errors.InvalidInitializer(name, "no initializer export configured")
	}
	exp, ok := m.FindExport(name)
	if !ok {
		return 0, errors.InvalidInitializer(name, "export not found; expected a function [] -> []")
	}
	if exp.Kind != wasm.KindFunc {
		return 0, errors.InvalidInitializer(name, "export is not a function; expected [] -> []")
	}
	ft, ok := m.FuncSignature(exp.Idx)
	if !ok {
		return 0, errors.InvalidInitializer(name, "function %d has no signature", exp.Idx)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return 0, errors.InvalidInitializer(name, "signature is %s; expected [] -> []", ft)
	}
	return exp.Idx, nil
}

func reactorInit(m *wasm.Module) (uint32, bool) {
	exp, ok := m.FindExport(ReactorInit)
	if !ok || exp.Kind != wasm.KindFunc {
		return 0, false
	}
	ft, ok := m.FuncSignature(exp.Idx)
	if !ok || len(ft.Params) != 0 || len(ft.Results) != 0 {
		return 0, false
	}
	return exp.Idx, true
}

// State returns the current state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FuncIndex returns the function index of the initializer.
func (e *Executor) FuncIndex() uint32 { return e.funcIdx }

// CallsReactorInit reports whether _initialize runs before the initializer.
func (e *Executor) CallsReactorInit() bool { return e.reactor }

// Duration returns how long the last Run spent executing guest code.
func (e *Executor) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// Run invokes the initializer. It may be called once; later calls fail
// without touching the instance.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.state != NotStarted {
		state := e.state
		e.mu.Unlock()
		return errors.New(errors.PhaseExecute, errors.KindInvalidInitializer).
			Export(e.opts.InitFunc).
			Detail("initializer already ran (state %s)", state).
			Build()
	}
	e.state = Running
	e.mu.Unlock()

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	began := time.Now()
	err := e.call(ctx)
	elapsed := time.Since(began)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.duration = elapsed

	if err == nil {
		e.state = Completed
		e.log.Debug("initializer completed",
			zap.String("export", e.opts.InitFunc),
			zap.Uint32("func_index", e.funcIdx),
			zap.Bool("reactor_init", e.reactor),
			zap.Duration("elapsed", elapsed))
		return nil
	}

	switch errors.KindOf(err) {
	case errors.KindResourceExceeded:
		e.state = Exceeded
	case errors.KindCanceled:
		e.state = Canceled
	default:
		e.state = Trapped
	}
	e.log.Debug("initializer failed",
		zap.String("export", e.opts.InitFunc),
		zap.Stringer("state", e.state),
		zap.Error(err))
	return err
}

func (e *Executor) call(ctx context.Context) error {
	if e.reactor {
		if err := e.inst.Call(ctx, ReactorInit); err != nil {
			return e.classify(ctx, ReactorInit, err)
		}
	}
	if err := e.inst.Call(ctx, e.opts.InitFunc); err != nil {
		return e.classify(ctx, e.opts.InitFunc, err)
	}
	return nil
}

// classify maps an engine error to the pipeline taxonomy. Ceilings take
// precedence over the trap they caused.
func (e *Executor) classify(ctx context.Context, export string, err error) error {
	if e.opts.Timeout > 0 && timedOut(ctx, err) {
		return errors.New(errors.PhaseExecute, errors.KindResourceExceeded).
			Export(export).
			Ceiling(errors.CeilingTimeout, uint64(e.opts.Timeout)).
			Detail("deadline of %s passed", e.opts.Timeout).
			Cause(err).
			Build()
	}
	if canceled(ctx, err) {
		return errors.Canceled(errors.PhaseExecute, export, err)
	}
	if exceeded := e.inst.Exceeded(errors.PhaseExecute); exceeded != nil {
		exceeded.Name = export
		exceeded.Cause = err
		return exceeded
	}
	return errors.InitializationTrapped(export, sandbox.TrapReason(err), err)
}

func timedOut(ctx context.Context, err error) bool {
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == sys.ExitCodeDeadlineExceeded {
		return true
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func canceled(ctx context.Context, err error) bool {
	var exit *sys.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == sys.ExitCodeContextCanceled {
		return true
	}
	return errors.Is(ctx.Err(), context.Canceled)
}
