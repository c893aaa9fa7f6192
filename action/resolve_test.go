package action

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/errors"
)

type recipes map[string]Action

func (r recipes) Lookup(name string) (string, Action, error) {
	a, ok := r[name]
	if !ok {
		return "", nil, errors.NotFound(errors.PhaseLoad, "runner", name)
	}
	return name, a, nil
}

func TestResolveSharedLibraryScenario(t *testing.T) {
	rs := recipes{
		"std": Seq{AddEnv{Name: "X", Value: "1"}, StartModule("main")},
		"app": With{Runner: "std", Action: Depends("std")},
	}

	for _, mode := range dualvm.Modes {
		t.Run(mode.String(), func(t *testing.T) {
			lr, err := Resolve("app", rs["app"], mode, rs)
			require.NoError(t, err)
			assert.Equal(t, []EnvVar{{Name: "X", Value: "1"}}, lr.Env)
			assert.Equal(t, ModuleRef{Runner: "std", Path: "main"}, lr.Entry)
			assert.Equal(t, mode, lr.Mode)
		})
	}
}

func TestWhenIsModeSelective(t *testing.T) {
	tree := Seq{
		When{Mode: dualvm.Deterministic, Action: AddEnv{Name: "DET", Value: "1"}},
		When{Mode: dualvm.NonDeterministic, Action: AddEnv{Name: "NONDET", Value: "1"}},
		StartModule("main.wasm"),
	}

	det, err := Resolve("r", tree, dualvm.Deterministic, recipes{})
	require.NoError(t, err)
	assert.Equal(t, []EnvVar{{Name: "DET", Value: "1"}}, det.Env)

	nondet, err := Resolve("r", tree, dualvm.NonDeterministic, recipes{})
	require.NoError(t, err)
	assert.Equal(t, []EnvVar{{Name: "NONDET", Value: "1"}}, nondet.Env)
}

func TestEntryPointCount(t *testing.T) {
	_, err := Resolve("r", Seq{AddEnv{Name: "A", Value: "1"}}, dualvm.Deterministic, recipes{})
	assert.True(t, errors.HasKind(err, errors.KindNoEntryPoint), "got %v", err)

	tree := Seq{StartModule("a.wasm"), StartModule("b.wasm")}
	_, err = Resolve("r", tree, dualvm.Deterministic, recipes{})
	assert.True(t, errors.HasKind(err, errors.KindMultipleEntryPoints), "got %v", err)

	// Mode filtering can leave exactly one entry point per mode.
	tree = Seq{
		When{Mode: dualvm.Deterministic, Action: StartModule("det.wasm")},
		When{Mode: dualvm.NonDeterministic, Action: StartModule("nondet.wasm")},
	}
	want := map[dualvm.Mode]string{
		dualvm.Deterministic:    "det.wasm",
		dualvm.NonDeterministic: "nondet.wasm",
	}
	for _, m := range dualvm.Modes {
		lr, err := Resolve("r", tree, m, recipes{})
		require.NoError(t, err)
		assert.Equal(t, want[m], lr.Entry.Path)
	}
}

func TestDependencyCycle(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("length %d", n), func(t *testing.T) {
			rs := recipes{}
			for i := 0; i < n; i++ {
				rs[fmt.Sprintf("r%d", i)] = Seq{Depends(fmt.Sprintf("r%d", (i+1)%n)), StartModule("m")}
			}
			_, err := Resolve("r0", rs["r0"], dualvm.Deterministic, rs)
			require.Error(t, err)
			require.True(t, errors.HasKind(err, errors.KindDependencyCycle), "got %v", err)

			var e *errors.Error
			require.ErrorAs(t, err, &e)
			assert.Len(t, e.Path, n+1)
			assert.Equal(t, "r0", e.Path[0])
			assert.Equal(t, "r0", e.Path[n])
		})
	}
}

func TestDependencyDeduplicated(t *testing.T) {
	rs := recipes{
		"base": Seq{LinkModule("base.wasm"), AddEnv{Name: "COUNT", Value: "${COUNT}x"}},
		"a":    Depends("base"),
		"b":    Depends("base"),
	}
	tree := Seq{
		AddEnv{Name: "COUNT", Value: ""},
		Depends("a"),
		Depends("b"),
		StartModule("main.wasm"),
	}
	lr, err := Resolve("app", tree, dualvm.Deterministic, rs)
	require.NoError(t, err)
	assert.Equal(t, []ModuleRef{{Runner: "base", Path: "base.wasm"}}, lr.Links)
	assert.Equal(t, []EnvVar{{Name: "COUNT", Value: "x"}}, lr.Env)
}

func TestLastWriteWins(t *testing.T) {
	tree := Seq{
		MapFile{To: "/lib/a.py", From: "v1/a.py"},
		MapFile{To: "/lib/b.py", From: "b.py"},
		AddEnv{Name: "X", Value: "first"},
		MapFile{To: "lib/a.py", From: "v2/a.py"},
		AddEnv{Name: "X", Value: "second"},
		SetArgs{"one"},
		SetArgs{"two", "three"},
		StartModule("main.wasm"),
	}
	lr, err := Resolve("r", tree, dualvm.NonDeterministic, recipes{})
	require.NoError(t, err)

	assert.Equal(t, []FileMapping{
		{Runner: "r", From: "b.py", To: "/lib/b.py"},
		{Runner: "r", From: "v2/a.py", To: "/lib/a.py"},
	}, lr.Files)
	assert.Equal(t, []EnvVar{{Name: "X", Value: "second"}}, lr.Env)
	assert.Equal(t, []string{"two", "three"}, lr.Args)
}

func TestEnvTemplating(t *testing.T) {
	tree := Seq{
		AddEnv{Name: "ROOT", Value: "/py"},
		AddEnv{Name: "PYTHONPATH", Value: "${ROOT}/std:${ROOT}/lib"},
		StartModule("m"),
	}
	lr, err := Resolve("r", tree, dualvm.Deterministic, recipes{})
	require.NoError(t, err)
	assert.Equal(t, []string{"PYTHONPATH=/py/std:/py/lib", "ROOT=/py"}, lr.Environ())

	_, err = Resolve("r", Seq{AddEnv{Name: "A", Value: "${NOPE}"}, StartModule("m")}, dualvm.Deterministic, recipes{})
	assert.True(t, errors.HasKind(err, errors.KindConfig), "got %v", err)
}

func TestWithScopesFiles(t *testing.T) {
	tree := Seq{
		With{Runner: "py:abc", Action: Seq{MapFile{To: "/py/std", From: "std/"}, LinkModule("libpy.wasm")}},
		MapFile{To: "/contract", From: "/"},
		StartModule("main.wasm"),
	}
	lr, err := Resolve("app", tree, dualvm.Deterministic, recipes{"py:abc": nil})
	require.NoError(t, err)

	require.Len(t, lr.Files, 2)
	assert.Equal(t, "py:abc", lr.Files[0].Runner)
	assert.True(t, lr.Files[0].IsDir())
	assert.Equal(t, "/", lr.Files[1].From)
	assert.Equal(t, []ModuleRef{{Runner: "py:abc", Path: "libpy.wasm"}, {Runner: "app", Path: "main.wasm"}}, lr.Modules())
	assert.Equal(t, []string{"app", "py:abc"}, lr.Runners())
}

// aliases resolves short names to versioned runner ids.
type aliases struct {
	ids  map[string]string
	defs recipes
}

func (a aliases) Lookup(name string) (string, Action, error) {
	if id, ok := a.ids[name]; ok {
		name = id
	}
	return a.defs.Lookup(name)
}

func TestWithUsesCanonicalRunner(t *testing.T) {
	rs := aliases{
		ids:  map[string]string{"std": "std:abc"},
		defs: recipes{"std:abc": LinkModule("lib.wasm")},
	}
	tree := Seq{
		With{Runner: "std", Action: LinkModule("lib.wasm")},
		Depends("std"),
		StartModule("main.wasm"),
	}
	lr, err := Resolve("app:1", tree, dualvm.Deterministic, rs)
	require.NoError(t, err)

	assert.Equal(t, []ModuleRef{{Runner: "std:abc", Path: "lib.wasm"}}, lr.Links)
	assert.Equal(t, []string{"app:1", "std:abc"}, lr.Runners())

	_, err = Resolve("app:1", Seq{With{Runner: "ghost", Action: LinkModule("x.wasm")}, StartModule("m")}, dualvm.Deterministic, rs)
	assert.True(t, errors.HasKind(err, errors.KindNotFound), "got %v", err)
}

func TestMissingDependency(t *testing.T) {
	_, err := Resolve("app", Seq{Depends("ghost"), StartModule("m")}, dualvm.Deterministic, recipes{})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindNotFound), "got %v", err)
}

func randomTree(rng *rand.Rand, depth int, deps []string) Action {
	if depth == 0 {
		switch rng.Intn(4) {
		case 0:
			return AddEnv{Name: fmt.Sprintf("V%d", rng.Intn(3)), Value: fmt.Sprint(rng.Intn(10))}
		case 1:
			return MapFile{To: fmt.Sprintf("/f%d", rng.Intn(3)), From: fmt.Sprintf("src%d", rng.Intn(5))}
		case 2:
			return LinkModule(fmt.Sprintf("l%d.wasm", rng.Intn(3)))
		default:
			if len(deps) == 0 {
				return SetArgs{fmt.Sprint(rng.Intn(5))}
			}
			return Depends(deps[rng.Intn(len(deps))])
		}
	}
	switch rng.Intn(3) {
	case 0:
		return When{Mode: dualvm.Modes[rng.Intn(2)], Action: randomTree(rng, depth-1, deps)}
	case 1:
		return With{Runner: fmt.Sprintf("w%d", rng.Intn(2)), Action: randomTree(rng, depth-1, deps)}
	default:
		n := 1 + rng.Intn(4)
		s := make(Seq, n)
		for i := range s {
			s[i] = randomTree(rng, rng.Intn(depth), deps)
		}
		return s
	}
}

func TestResolutionIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		// d0 has no dependencies, d1 may depend on d0, etc: acyclic by construction.
		rs := recipes{"w0": nil, "w1": nil}
		var deps []string
		for d := 0; d < 3; d++ {
			name := fmt.Sprintf("d%d", d)
			rs[name] = randomTree(rng, 3, deps)
			deps = append(deps, name)
		}
		tree := Seq{randomTree(rng, 4, deps), StartModule("main.wasm")}

		for _, mode := range dualvm.Modes {
			first, err1 := Resolve("root", tree, mode, rs)
			second, err2 := Resolve("root", tree, mode, rs)
			require.NoError(t, err1, String(tree))
			require.NoError(t, err2)
			assert.Equal(t, first, second)
		}
	}
}
