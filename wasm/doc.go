// Package wasm parses, validates and re-encodes WebAssembly binary modules.
//
// A parsed Module keeps every section's original payload next to the
// decoded views, so an encoder that replaces only some sections reproduces
// the rest byte for byte.
//
// # Supported Features
//
//	WebAssembly 2.0:
//	  - Core value types (i32, i64, f32, f64, v128)
//	  - Functions, tables, memories, globals
//	  - Bulk memory and reference types
//	  - Multi-memory memargs
//
//	Post-2.0 Proposals:
//	  - Extended constant expressions
//	  - Tail calls (return_call, return_call_indirect)
//	  - SIMD and threads instruction decoding
//
// GC types, exception handling, typed function references, 64-bit and
// shared memories are rejected with an unsupported error.
//
// # Parsing
//
//	module, err := wasm.ParseModuleValidate(data)
//	if err != nil {
//	    var e *errors.Error
//	    if errors.As(err, &e) {
//	        fmt.Println(e.Section, e.Offset)
//	    }
//	}
//
// # Encoding
//
//	out := module.Clone()
//	payload, _ := wasm.EncodeGlobalSection(globals)
//	out.SetSection(wasm.SectionGlobal, payload)
//	bin, err := out.Encode()
//
// # Constant Expressions
//
// EvalConst evaluates initializer expressions and EncodeConst produces the
// expression for a snapshotted value.
package wasm
