package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseResolve,
				Kind:   KindDependencyCycle,
				Path:   []string{"app", "std", "app"},
				Detail: "runner depends on itself",
			},
			contains: []string{"[resolve]", "dependency_cycle", "app -> std -> app", "runner depends on itself"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseDecode,
				Kind:  KindInvalidByteSequence,
			},
			contains: []string{"[decode]", "invalid_byte_sequence"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseCompile,
				Kind:   KindCacheIO,
				Detail: "rename",
				Cause:  errors.New("no space left on device"),
			},
			contains: []string{"[compile]", "cache_io", "rename", "caused by", "no space left"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseLoad,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseExecute,
		Kind:  KindOutOfMemory,
	}

	if !err.Is(&Error{Phase: PhaseExecute, Kind: KindOutOfMemory}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseHost, Kind: KindOutOfMemory}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseExecute, Kind: KindCancelled}) {
		t.Error("Is should not match different kind")
	}
	if !err.Is(&Error{Kind: KindOutOfMemory}) {
		t.Error("Is should match kind when target phase is empty")
	}

	wrapped := fmt.Errorf("run: %w", err)
	if !HasKind(wrapped, KindOutOfMemory) {
		t.Error("HasKind should see through wrapping")
	}
	if KindOf(wrapped) != KindOutOfMemory {
		t.Errorf("KindOf = %q, want %q", KindOf(wrapped), KindOutOfMemory)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf should be empty for plain errors")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseConfig, KindConfig).
		Path("runner.json").
		Value(42).
		Cause(cause).
		Detail("unknown action %q", "Jump").
		Build()

	if err.Phase != PhaseConfig {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseConfig)
	}
	if err.Kind != KindConfig {
		t.Errorf("Kind = %v, want %v", err.Kind, KindConfig)
	}
	if len(err.Path) != 1 || err.Path[0] != "runner.json" {
		t.Errorf("Path = %v, want [runner.json]", err.Path)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != `unknown action "Jump"` {
		t.Errorf("Detail = %v", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("DependencyCycle", func(t *testing.T) {
		err := DependencyCycle([]string{"a", "b", "a"})
		if err.Kind != KindDependencyCycle {
			t.Errorf("Kind = %v, want %v", err.Kind, KindDependencyCycle)
		}
		if len(err.Path) != 3 {
			t.Errorf("Path = %v", err.Path)
		}
	})

	t.Run("MultipleEntryPoints", func(t *testing.T) {
		err := MultipleEntryPoints("app", []string{"a.wasm", "b.wasm"})
		if err.Kind != KindMultipleEntryPoints {
			t.Errorf("Kind = %v, want %v", err.Kind, KindMultipleEntryPoints)
		}
		if !strings.Contains(err.Detail, "b.wasm") {
			t.Errorf("Detail = %v, should list entries", err.Detail)
		}
	})

	t.Run("InvalidByteSequence", func(t *testing.T) {
		data := []byte{'o', 'k', 0xff, 0xfe}
		err := InvalidByteSequence(data, Span{Begin: 2, End: 3})
		if err.Kind != KindInvalidByteSequence {
			t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidByteSequence)
		}
		span, ok := err.Value.(Span)
		if !ok || span.Begin != 2 || span.End != 3 {
			t.Errorf("Value = %v, want span [2, 3)", err.Value)
		}
		if !strings.Contains(err.Detail, "ff") {
			t.Errorf("Detail = %v, should contain hex preview", err.Detail)
		}
	})

	t.Run("OutOfMemory", func(t *testing.T) {
		err := OutOfMemory("memory.grow", 16)
		if err.Kind != KindOutOfMemory || err.Value != uint64(16) {
			t.Errorf("got %v / %v", err.Kind, err.Value)
		}
	})

	t.Run("CacheIO", func(t *testing.T) {
		err := CacheIO("write", "/tmp/x", errors.New("denied"))
		if err.Kind != KindCacheIO || err.Path[0] != "/tmp/x" {
			t.Errorf("got %v", err)
		}
	})

	t.Run("ExitCode", func(t *testing.T) {
		err := ExitCode(3)
		if err.Value != uint32(3) {
			t.Errorf("Value = %v, want 3", err.Value)
		}
	})
}
