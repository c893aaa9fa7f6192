// Package errors provides structured error types for dualvm.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a path (runner chain or file path), a detail message and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseResolve, errors.KindConfig).
//		Path("app", "std").
//		Detail("unknown action %q", name).
//		Build()
//
// Or use convenience constructors for the taxonomy:
//
//	err := errors.DependencyCycle([]string{"a", "b", "a"})
//	err := errors.InvalidByteSequence(data, errors.Span{Begin: 3, End: 4})
//
// A target with an empty Phase matches any phase, so callers can test the kind alone:
//
//	errors.Is(err, &errors.Error{Kind: errors.KindCancelled})
package errors
