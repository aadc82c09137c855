package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tetratelabs/wazero/api"
	"gopkg.in/yaml.v3"

	preinit "github.com/wippyai/wasm-preinit"
)

// fileConfig is the YAML form of preinit.Config. Pointer fields distinguish
// unset from zero.
type fileConfig struct {
	InitFunc        *string           `yaml:"init_func"`
	KeepInitFunc    *bool             `yaml:"keep_init_func"`
	AllowWASI       *bool             `yaml:"allow_wasi"`
	InheritStdio    *bool             `yaml:"inherit_stdio"`
	InheritEnv      *bool             `yaml:"inherit_env"`
	MultiValue      *bool             `yaml:"wasm_multi_value"`
	MaxInstructions *uint64           `yaml:"max_instructions"`
	MaxMemoryPages  *uint64           `yaml:"max_memory_pages"`
	Timeout         *string           `yaml:"timeout"`
	Seed            *uint64           `yaml:"seed"`
	Epoch           *time.Time        `yaml:"epoch"`
	DiffWorkers     *int              `yaml:"diff_workers"`
	PagesPerTask    *int              `yaml:"pages_per_task"`
	Env             map[string]string `yaml:"env"`
	Args            []string          `yaml:"args"`
	Dirs            []string          `yaml:"dirs"`
	Renames         []string          `yaml:"renames"`
	TrapImports     []string          `yaml:"trap_imports"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) apply(cfg *preinit.Config) error {
	if fc.InitFunc != nil {
		cfg.InitFunc = *fc.InitFunc
	}
	if fc.KeepInitFunc != nil {
		cfg.KeepInitExport = *fc.KeepInitFunc
	}
	if fc.AllowWASI != nil {
		cfg.AllowWASI = *fc.AllowWASI
	}
	if fc.InheritStdio != nil {
		cfg.InheritStdio = *fc.InheritStdio
	}
	if fc.InheritEnv != nil {
		cfg.InheritEnv = *fc.InheritEnv
	}
	if fc.MultiValue != nil {
		cfg.CoreFeatures = cfg.CoreFeatures.SetEnabled(api.CoreFeatureMultiValue, *fc.MultiValue)
	}
	if fc.MaxInstructions != nil {
		cfg.MaxInstructions = *fc.MaxInstructions
	}
	if fc.MaxMemoryPages != nil {
		cfg.MaxMemoryPages = *fc.MaxMemoryPages
	}
	if fc.Timeout != nil {
		d, err := time.ParseDuration(*fc.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if fc.Seed != nil {
		cfg.Seed = *fc.Seed
	}
	if fc.Epoch != nil {
		cfg.Epoch = *fc.Epoch
	}
	if fc.DiffWorkers != nil {
		cfg.DiffWorkers = *fc.DiffWorkers
	}
	if fc.PagesPerTask != nil {
		cfg.PagesPerTask = *fc.PagesPerTask
	}
	if len(fc.Env) > 0 {
		cfg.Env = fc.Env
	}
	cfg.Args = append(cfg.Args, fc.Args...)

	for _, d := range fc.Dirs {
		p, err := preinit.ParsePreopen(d)
		if err != nil {
			return err
		}
		cfg.Preopens = append(cfg.Preopens, p)
	}
	for _, r := range fc.Renames {
		rn, err := preinit.ParseRename(r)
		if err != nil {
			return err
		}
		cfg.Renames = append(cfg.Renames, rn)
	}
	for _, ti := range fc.TrapImports {
		hi, err := preinit.ParseHostImport(ti)
		if err != nil {
			return err
		}
		cfg.TrappingImports = append(cfg.TrappingImports, hi)
	}
	return nil
}
