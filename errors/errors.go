package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig  Phase = "config"  // configuration and manifest loading
	PhaseResolve Phase = "resolve" // action tree resolution
	PhaseLoad    Phase = "load"    // archive and module loading
	PhaseCompile Phase = "compile" // precompilation
	PhaseExecute Phase = "execute" // instance execution
	PhaseDecode  Phase = "decode"  // untrusted byte decoding
	PhaseHost    Phase = "host"    // host function calls
)

// Kind categorizes the error
type Kind string

const (
	KindConfig              Kind = "config"
	KindDependencyCycle     Kind = "dependency_cycle"
	KindNoEntryPoint        Kind = "no_entry_point"
	KindMultipleEntryPoints Kind = "multiple_entry_points"
	KindOutOfMemory         Kind = "out_of_memory"
	KindCancelled           Kind = "cancelled"
	KindCapabilityForbidden Kind = "capability_forbidden"
	KindCacheIO             Kind = "cache_io"
	KindInvalidByteSequence Kind = "invalid_byte_sequence"
	KindNotFound            Kind = "not_found"
	KindInvalidData         Kind = "invalid_data"
	KindInstantiation       Kind = "instantiation"
	KindTrap                Kind = "trap"
	KindExitCode            Kind = "exit_code"
)

// Span is a half-open byte range [Begin, End).
type Span struct {
	Begin int
	End   int
}

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, " -> "))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
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
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasKind reports whether any *Error in err's chain has the given kind.
func HasKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the path (runner chain, file path, ...)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
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

// Convenience constructors for the error taxonomy

// Config creates a configuration error
func Config(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindConfig,
		Detail: detail,
		Cause:  cause,
	}
}

// DependencyCycle creates a cycle error; path lists the runners from the
// first occurrence of the repeated name to its reappearance.
func DependencyCycle(path []string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindDependencyCycle,
		Path:   path,
		Detail: fmt.Sprintf("runner %q depends on itself", path[len(path)-1]),
	}
}

// NoEntryPoint creates an error for a recipe that never designates a start module
func NoEntryPoint(runner string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindNoEntryPoint,
		Detail: fmt.Sprintf("runner %q has no start module", runner),
	}
}

// MultipleEntryPoints creates an error listing every designated start module
func MultipleEntryPoints(runner string, entries []string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindMultipleEntryPoints,
		Value:  entries,
		Detail: fmt.Sprintf("runner %q has %d start modules: %s", runner, len(entries), strings.Join(entries, ", ")),
	}
}

// OutOfMemory creates an out-of-memory error
func OutOfMemory(what string, pages uint64) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindOutOfMemory,
		Value:  pages,
		Detail: fmt.Sprintf("%s: cannot reserve %d pages", what, pages),
	}
}

// Cancelled creates an execution cancelled error
func Cancelled(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCancelled,
		Detail: "execution cancelled",
	}
}

// CapabilityForbidden creates the error raised when a deterministic instance
// attempts an external capability call
func CapabilityForbidden(capability string) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindCapabilityForbidden,
		Detail: fmt.Sprintf("capability %q is not available in deterministic mode", capability),
	}
}

// CacheIO creates a cache I/O error with the failed operation and path
func CacheIO(op, path string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindCacheIO,
		Path:   []string{path},
		Detail: op,
		Cause:  cause,
	}
}

// InvalidByteSequence creates a decode error carrying the offending span
func InvalidByteSequence(data []byte, span Span) *Error {
	preview := data[span.Begin:span.End]
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindInvalidByteSequence,
		Value:  span,
		Detail: fmt.Sprintf("invalid byte sequence at [%d, %d): %x", span.Begin, span.End, preview),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Instantiation creates an instantiation error
func Instantiation(module string, cause error) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindInstantiation,
		Detail: fmt.Sprintf("instantiate module %q", module),
		Cause:  cause,
	}
}

// Trap creates an error for a guest trap
func Trap(cause error) *Error {
	return &Error{
		Phase: PhaseExecute,
		Kind:  KindTrap,
		Cause: cause,
	}
}

// ExitCode creates an error for a guest exiting with a non-zero status
func ExitCode(code uint32) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindExitCode,
		Value:  code,
		Detail: fmt.Sprintf("exit code %d", code),
	}
}

// Load creates a loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
