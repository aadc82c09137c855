// Package errors provides the structured error taxonomy of the pre-initializer.
//
// Errors are categorized by Phase (which pipeline stage failed) and Kind
// (what went wrong). Each Kind carries the context needed to diagnose the
// failure without re-running: offending section and byte offset, import
// module and name, export name, trap reason, or exceeded ceiling.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseParse, errors.KindMalformedBinary).
//		Section("global", 0x2a).
//		Detail("global.get references global %d", idx).
//		Build()
//
// Or use the convenience constructors:
//
//	err := errors.UnsatisfiedImport("env", "open", "no host binding")
//	err := errors.ResourceExceeded(errors.PhaseExecute, errors.CeilingInstructions, 1e6)
//
// KindOf extracts the Kind from any wrapped error chain:
//
//	if errors.KindOf(err) == errors.KindInitializationTrapped { ... }
package errors
