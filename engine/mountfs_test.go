package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"io/fs"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/action"
	"github.com/wippyai/dualvm/bytebuf"
	dverrors "github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/internal/wasmtest"
	"github.com/wippyai/dualvm/memlimit"
	"github.com/wippyai/dualvm/runners"
)

func newBudget(pages uint64) *memlimit.Storage {
	var v atomic.Uint64
	v.Store(pages)
	return memlimit.NewStorage(&v)
}

func view(s string) bytebuf.View {
	return bytebuf.FromBytes([]byte(s)).View()
}

func TestMountFS(t *testing.T) {
	m := newMountFS()
	for dest, content := range map[string]string{
		"/py/std/os.py":  "import sys",
		"/py/std/re.py":  "import sre",
		"/py/main.py":    "print(1)",
		"/etc/hostname":  "guest",
		"//etc/../motd":  "hi",
	} {
		if err := m.add(dest, view(content)); err != nil {
			t.Fatalf("add %s: %v", dest, err)
		}
	}
	if err := fstest.TestFS(m, "py/std/os.py", "py/std/re.py", "py/main.py", "etc/hostname", "motd"); err != nil {
		t.Fatal(err)
	}

	data, err := fs.ReadFile(m, "py/main.py")
	if err != nil || string(data) != "print(1)" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
}

func TestMountFSConflicts(t *testing.T) {
	m := newMountFS()
	if err := m.add("/a/b", view("x")); err != nil {
		t.Fatal(err)
	}
	if err := m.add("/a/b/c", view("y")); err == nil {
		t.Error("mapping below a file should fail")
	}
	if err := m.add("/a", view("z")); err == nil {
		t.Error("mapping onto a directory should fail")
	}
	if err := m.add("/", view("z")); err == nil {
		t.Error("mapping onto the root should fail")
	}
	if err := m.add("/a/b", view("later")); err != nil {
		t.Fatalf("remapping a file: %v", err)
	}
	data, _ := fs.ReadFile(m, "a/b")
	if string(data) != "later" {
		t.Errorf("last mapping should win, got %q", data)
	}
}

type archiveMap map[string]*runners.Archive

func (m archiveMap) Open(_ context.Context, name string) (*runners.Archive, error) {
	a, ok := m[name]
	if !ok {
		return nil, dverrors.NotFound(dverrors.PhaseLoad, "runner", name)
	}
	return a, nil
}

func testArchive(t *testing.T, files map[string]string) *runners.Archive {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644, Typeflag: tar.TypeReg, Format: tar.FormatUSTAR})
		tw.Write([]byte(content))
	}
	tw.Close()
	a, err := runners.FromUstar("py:abc", bytebuf.Copy(buf.Bytes()))
	if err != nil {
		t.Fatalf("FromUstar: %v", err)
	}
	return a
}

func TestFileMappingsCharged(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	archive := testArchive(t, map[string]string{"std/os.py": "a", "std/re.py": "b", "main.py": "c"})
	code, err := e.Compile(ctx, dualvm.Deterministic, wasmtest.Start())
	if err != nil {
		t.Fatal(err)
	}
	runner := &action.LinkedRunner{
		Root: "py:abc",
		Mode: dualvm.Deterministic,
		Files: []action.FileMapping{
			{Runner: "py:abc", From: "std/", To: "/lib"},
			{Runner: "py:abc", From: "main.py", To: "/main.py"},
		},
		Entry: action.ModuleRef{Runner: "py:abc", Path: "main.wasm"},
	}
	spec := InstanceSpec{
		Runner:   runner,
		Modules:  []Module{{Ref: runner.Entry, Code: code}},
		Archives: archiveMap{"py:abc": archive},
	}

	spec.Limiter = memlimit.New(16)
	inst, err := e.Instantiate(ctx, spec)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	// one page for the archive, one for the mappings
	if got := spec.Limiter.Outstanding(); got != 2 {
		t.Errorf("Outstanding = %d, want 2", got)
	}
	if out := inst.Run(ctx); out.Status != StatusCompleted {
		t.Errorf("Status = %s (err %v)", out.Status, out.Err)
	}
	inst.Close(ctx)
	if got := spec.Limiter.Outstanding(); got != 0 {
		t.Errorf("Outstanding after close = %d, want 0", got)
	}

	spec.Limiter = memlimit.New(1)
	if _, err := e.Instantiate(ctx, spec); !dverrors.HasKind(err, dverrors.KindOutOfMemory) {
		t.Errorf("err = %v, want out_of_memory", err)
	}
	if got := spec.Limiter.Outstanding(); got != 0 {
		t.Errorf("Outstanding after failed instantiate = %d, want 0", got)
	}

	spec.Limiter = nil
	spec.Archives = nil
	if _, err := e.Instantiate(ctx, spec); !dverrors.HasKind(err, dverrors.KindConfig) {
		t.Errorf("err = %v, want config error without archives", err)
	}
}

func TestMissingMappedFile(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	code, _ := e.Compile(ctx, dualvm.NonDeterministic, wasmtest.Start())
	runner := &action.LinkedRunner{
		Root:  "py:abc",
		Mode:  dualvm.NonDeterministic,
		Files: []action.FileMapping{{Runner: "py:abc", From: "nope.py", To: "/x"}},
		Entry: action.ModuleRef{Runner: "py:abc", Path: "main.wasm"},
	}
	_, err := e.Instantiate(ctx, InstanceSpec{
		Runner:   runner,
		Modules:  []Module{{Ref: runner.Entry, Code: code}},
		Archives: archiveMap{"py:abc": testArchive(t, map[string]string{"a": "b"})},
	})
	if !dverrors.HasKind(err, dverrors.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}
