// Package sandbox hosts the execution copy of a module in a wazero runtime.
//
// A Host is created per run. New checks every import of the module against
// the configured capabilities before anything executes: WASI functions are
// grouped into classes (clock, random, args/env, stdio, filesystem, process,
// poll, sockets) and bound only when granted, other function imports are
// bound only when listed as trapping imports. Clocks and randomness are
// deterministic, derived from Config.Epoch and Config.Seed.
//
// Instantiate runs no start function. The extracted start is invoked with
// Instance.RunStart after the baseline state has been read.
package sandbox
