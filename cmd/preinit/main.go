package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/term"

	preinit "github.com/wippyai/wasm-preinit"
	"github.com/wippyai/wasm-preinit/executor"
	"github.com/wippyai/wasm-preinit/instrument"
	"github.com/wippyai/wasm-preinit/rewrite"
	"github.com/wippyai/wasm-preinit/sandbox"
	"github.com/wippyai/wasm-preinit/snapshot"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ",") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

type options struct {
	input       string
	output      string
	configFile  string
	verbose     bool
	interactive bool
	set         map[string]bool

	initFunc        string
	keepInitFunc    bool
	allowWASI       bool
	inheritStdio    bool
	inheritEnv      bool
	multiValue      bool
	maxInstructions uint64
	maxMemoryPages  uint64
	timeout         time.Duration
	seed            uint64
	dirs            listFlag
	renames         listFlag
	envs            listFlag
	trapImports     listFlag
}

func main() {
	var o options
	def := preinit.DefaultConfig()

	flag.StringVar(&o.output, "o", "", "Output file for the pre-initialized module")
	flag.StringVar(&o.initFunc, "f", def.InitFunc, "Initializer export to run")
	flag.BoolVar(&o.keepInitFunc, "keep-init-func", false, "Keep the initializer export in the output")
	flag.BoolVar(&o.allowWASI, "allow-wasi", false, "Allow WASI imports during initialization")
	flag.BoolVar(&o.inheritStdio, "inherit-stdio", false, "Connect the guest to this process's stdio")
	flag.BoolVar(&o.inheritEnv, "inherit-env", false, "Pass this process's environment to the guest")
	flag.BoolVar(&o.multiValue, "wasm-multi-value", true, "Enable the multi-value proposal")
	flag.Uint64Var(&o.maxInstructions, "max-instructions", def.MaxInstructions, "Instruction budget (0 disables metering)")
	flag.Uint64Var(&o.maxMemoryPages, "max-memory-pages", def.MaxMemoryPages, "Memory ceiling in 64 KiB pages (0 disables)")
	flag.DurationVar(&o.timeout, "timeout", 0, "Wall clock limit for the initializer (0 disables)")
	flag.Uint64Var(&o.seed, "seed", 0, "Seed for the guest's random source")
	flag.Var(&o.dirs, "dir", "Preopen host[:guest[:ro|rw]] (repeatable)")
	flag.Var(&o.renames, "rename", "Rename export dst=src in the output (repeatable)")
	flag.Var(&o.envs, "env", "Guest environment variable KEY=VALUE (repeatable)")
	flag.Var(&o.trapImports, "trap-import", "Bind module#name to a stub that traps (repeatable)")
	flag.StringVar(&o.configFile, "config", "", "YAML configuration file")
	flag.BoolVar(&o.verbose, "v", false, "Debug logging")
	flag.BoolVar(&o.interactive, "i", false, "Interactive progress view")
	flag.Parse()

	o.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: preinit [flags] -o <out.wasm> <in.wasm>")
		fmt.Fprintln(os.Stderr, "       preinit -i <in.wasm>  (interactive mode)")
		flag.PrintDefaults()
		os.Exit(2)
	}
	o.input = flag.Arg(0)

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	log, err := newLogger(o.verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	setLoggers(log)

	cfg, err := buildConfig(o)
	if err != nil {
		return err
	}
	cfg.Logger = log

	input, err := os.ReadFile(o.input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if o.interactive && term.IsTerminal(int(os.Stdout.Fd())) {
		return runInteractive(ctx, o, cfg, input)
	}

	if o.output == "" {
		return fmt.Errorf("no output file given (-o)")
	}
	out, err := preinit.Run(ctx, input, cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.output, out, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func setLoggers(log *zap.Logger) {
	preinit.SetLogger(log)
	instrument.SetLogger(log.Named("instrument"))
	sandbox.SetLogger(log.Named("sandbox"))
	executor.SetLogger(log.Named("executor"))
	snapshot.SetLogger(log.Named("snapshot"))
	rewrite.SetLogger(log.Named("rewrite"))
}

// buildConfig layers the config file under the flags: a flag given on the
// command line always wins.
func buildConfig(o options) (preinit.Config, error) {
	cfg := preinit.DefaultConfig()

	if o.configFile != "" {
		fc, err := loadFileConfig(o.configFile)
		if err != nil {
			return cfg, err
		}
		if err := fc.apply(&cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", o.configFile, err)
		}
	}

	if o.set["f"] {
		cfg.InitFunc = o.initFunc
	}
	if o.set["keep-init-func"] {
		cfg.KeepInitExport = o.keepInitFunc
	}
	if o.set["allow-wasi"] {
		cfg.AllowWASI = o.allowWASI
	}
	if o.set["inherit-stdio"] {
		cfg.InheritStdio = o.inheritStdio
	}
	if o.set["inherit-env"] {
		cfg.InheritEnv = o.inheritEnv
	}
	if o.set["wasm-multi-value"] {
		cfg.CoreFeatures = cfg.CoreFeatures.SetEnabled(api.CoreFeatureMultiValue, o.multiValue)
	}
	if o.set["max-instructions"] {
		cfg.MaxInstructions = o.maxInstructions
	}
	if o.set["max-memory-pages"] {
		cfg.MaxMemoryPages = o.maxMemoryPages
	}
	if o.set["timeout"] {
		cfg.Timeout = o.timeout
	}
	if o.set["seed"] {
		cfg.Seed = o.seed
	}

	for _, d := range o.dirs {
		p, err := preinit.ParsePreopen(d)
		if err != nil {
			return cfg, err
		}
		cfg.Preopens = append(cfg.Preopens, p)
	}
	for _, r := range o.renames {
		rn, err := preinit.ParseRename(r)
		if err != nil {
			return cfg, err
		}
		cfg.Renames = append(cfg.Renames, rn)
	}
	for _, ti := range o.trapImports {
		hi, err := preinit.ParseHostImport(ti)
		if err != nil {
			return cfg, err
		}
		cfg.TrappingImports = append(cfg.TrappingImports, hi)
	}
	for _, kv := range o.envs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return cfg, fmt.Errorf("invalid -env %q: want KEY=VALUE", kv)
		}
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env[k] = v
	}
	cfg.Args = append([]string{o.input}, cfg.Args...)
	return cfg, nil
}
