package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates which pipeline stage produced the error
type Phase string

const (
	PhaseParse      Phase = "parse"      // binary decoding and validation
	PhaseConfig     Phase = "config"     // configuration validation
	PhaseInstrument Phase = "instrument" // execution copy preparation
	PhaseSandbox    Phase = "sandbox"    // host construction and instantiation
	PhaseExecute    Phase = "execute"    // initializer invocation
	PhaseSnapshot   Phase = "snapshot"   // state capture and diff
	PhaseRewrite    Phase = "rewrite"    // output image construction
	PhaseEncode     Phase = "encode"     // output serialization
)

// Kind categorizes the error. Every failed run reports exactly one kind.
type Kind string

const (
	KindMalformedBinary       Kind = "malformed_binary"
	KindUnsatisfiedImport     Kind = "unsatisfied_import"
	KindInstantiationTrap     Kind = "instantiation_trap"
	KindInvalidInitializer    Kind = "invalid_initializer"
	KindInitializationTrapped Kind = "initialization_trapped"
	KindResourceExceeded      Kind = "resource_exceeded"
	KindEncodingOverflow      Kind = "encoding_overflow"
	KindUnsupported           Kind = "unsupported"
	KindInvalidConfig         Kind = "invalid_config"
	KindCanceled              Kind = "canceled" // caller gave up; not a guest fault
)

// Ceiling names a resource limit enforced during execution
type Ceiling string

const (
	CeilingInstructions Ceiling = "instructions"
	CeilingMemoryPages  Ceiling = "memory_pages"
	CeilingTimeout      Ceiling = "timeout"
)

// Error is the structured error type returned by every pipeline stage
type Error struct {
	Cause   error
	Phase   Phase
	Kind    Kind
	Section string // offending section, for binary errors
	Module  string // import module, for unsatisfied imports
	Name    string // import or export name
	Ceiling Ceiling
	Reason  string // trap reason
	Detail  string
	Offset  int    // absolute byte offset, -1 when unknown
	Limit   uint64 // configured ceiling value
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Section != "" {
		b.WriteString(" in ")
		b.WriteString(e.Section)
		b.WriteString(" section")
		if e.Offset >= 0 {
			fmt.Fprintf(&b, " at offset 0x%x", e.Offset)
		}
	}

	switch {
	case e.Module != "":
		fmt.Fprintf(&b, " (import %s#%s)", e.Module, e.Name)
	case e.Name != "":
		fmt.Fprintf(&b, " (export %q)", e.Name)
	}

	if e.Ceiling != "" {
		fmt.Fprintf(&b, " (ceiling %s=%d)", e.Ceiling, e.Limit)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As is a thin alias over the standard library for callers importing this package.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a thin alias over the standard library for callers importing this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:  phase,
			Kind:   kind,
			Offset: -1,
		},
	}
}

// Section sets the offending section and its byte offset
func (b *Builder) Section(name string, offset int) *Builder {
	b.err.Section = name
	b.err.Offset = offset
	return b
}

// Import sets the import module and name
func (b *Builder) Import(module, name string) *Builder {
	b.err.Module = module
	b.err.Name = name
	return b
}

// Export sets the export name
func (b *Builder) Export(name string) *Builder {
	b.err.Name = name
	return b
}

// Ceiling sets the exceeded resource ceiling and its configured value
func (b *Builder) Ceiling(c Ceiling, limit uint64) *Builder {
	b.err.Ceiling = c
	b.err.Limit = limit
	return b
}

// Reason sets the trap reason
func (b *Builder) Reason(reason string) *Builder {
	b.err.Reason = reason
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors, one per kind

// Malformed creates a malformed binary error
func Malformed(section string, offset int, detail string, args ...any) *Error {
	return New(PhaseParse, KindMalformedBinary).Section(section, offset).Detail(detail, args...).Build()
}

// UnsatisfiedImport creates an error for an import without a host binding
func UnsatisfiedImport(module, name, detail string) *Error {
	return New(PhaseSandbox, KindUnsatisfiedImport).Import(module, name).Detail("%s", detail).Build()
}

// InstantiationTrap creates an error for a start function trap
func InstantiationTrap(reason string, cause error) *Error {
	return New(PhaseSandbox, KindInstantiationTrap).Reason(reason).Cause(cause).Build()
}

// InvalidInitializer creates an error for a missing or mistyped initializer export
func InvalidInitializer(export, detail string, args ...any) *Error {
	return New(PhaseExecute, KindInvalidInitializer).Export(export).Detail(detail, args...).Build()
}

// InitializationTrapped creates an error for a trap inside the initializer
func InitializationTrapped(export, reason string, cause error) *Error {
	return New(PhaseExecute, KindInitializationTrapped).Export(export).Reason(reason).Cause(cause).Build()
}

// ResourceExceeded creates an error for a hit resource ceiling
func ResourceExceeded(phase Phase, c Ceiling, limit uint64) *Error {
	return New(phase, KindResourceExceeded).Ceiling(c, limit).Build()
}

// EncodingOverflow creates an error for a section that exceeds format limits
func EncodingOverflow(section string, size uint64) *Error {
	return New(PhaseEncode, KindEncodingOverflow).
		Section(section, -1).
		Detail("size %d exceeds u32 limit", size).
		Build()
}

// Unsupported creates an unsupported feature error
func Unsupported(phase Phase, what string, args ...any) *Error {
	return New(phase, KindUnsupported).Detail(what, args...).Build()
}

// Canceled creates an error for a run abandoned through its context
func Canceled(phase Phase, export string, cause error) *Error {
	return New(phase, KindCanceled).Export(export).Detail("canceled by caller").Cause(cause).Build()
}

// InvalidConfig creates a configuration error
func InvalidConfig(detail string, args ...any) *Error {
	return New(PhaseConfig, KindInvalidConfig).Detail(detail, args...).Build()
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
		Offset: -1,
	}
}
