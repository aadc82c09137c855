// Package preinit pre-initializes WebAssembly core modules.
//
// A run parses the module, executes its initializer export exactly once in a
// capability-restricted wazero sandbox and writes a new module whose data,
// global and element sections hold the state the initializer produced. The
// initializer's work is then already done when the output is instantiated.
//
// # Packages
//
//	preinit/          Run, Config and the stage pipeline
//	├── wasm/         module image: parse, validate, encode
//	├── instrument/   execution copy: state exports, fuel, grow guard
//	├── sandbox/      wazero host, WASI capabilities, deterministic clocks
//	├── executor/     initializer state machine
//	├── snapshot/     state capture and parallel page diff
//	├── rewrite/      output module assembly
//	├── errors/       structured errors
//	└── cmd/preinit/  command line tool
//
// # Quick Start
//
//	cfg := preinit.DefaultConfig()
//	cfg.AllowWASI = true
//
//	out, err := preinit.Run(ctx, input, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Pipeline
//
// Each stage reports a StageEvent through Config.Progress:
//
//	parse → config → instrument → sandbox → start → execute →
//	snapshot → diff → rewrite → encode → verify
//
// The baseline snapshot is taken right after instantiation and before the
// start function, so the start function's effects are part of the output.
// Failures carry an *errors.Error whose Kind names the failure class.
package preinit
