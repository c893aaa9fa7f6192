package action

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/errors"
)

// Resolver loads the recipe of a named runner. It returns the canonical
// runner id so that aliases of the same runner are recognized.
type Resolver interface {
	Lookup(runner string) (id string, tree Action, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(runner string) (string, Action, error)

func (f ResolverFunc) Lookup(runner string) (string, Action, error) {
	return f(runner)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type resolution struct {
	mode     dualvm.Mode
	resolver Resolver

	stack   []string
	pending map[string]bool
	done    map[string]bool

	files   []FileMapping
	env     map[string]string
	args    []string
	links   []ModuleRef
	linked  map[ModuleRef]bool
	entries []ModuleRef
}

// Resolve applies tree, the recipe of runner root, for mode. Files and
// environment variables follow a last-write-wins policy: a later write
// replaces the earlier one and moves to the end of the file order.
func Resolve(root string, tree Action, mode dualvm.Mode, r Resolver) (*LinkedRunner, error) {
	res := &resolution{
		mode:     mode,
		resolver: r,
		stack:    []string{root},
		pending:  map[string]bool{root: true},
		done:     map[string]bool{},
		env:      map[string]string{},
		linked:   map[ModuleRef]bool{},
	}
	if err := res.apply(tree, root); err != nil {
		return nil, err
	}

	switch len(res.entries) {
	case 0:
		return nil, errors.NoEntryPoint(root)
	case 1:
	default:
		names := make([]string, len(res.entries))
		for i, e := range res.entries {
			names[i] = e.String()
		}
		return nil, errors.MultipleEntryPoints(root, names)
	}

	out := &LinkedRunner{
		Root:  root,
		Mode:  mode,
		Files: res.files,
		Args:  res.args,
		Links: res.links,
		Entry: res.entries[0],
	}
	for name, value := range res.env {
		out.Env = append(out.Env, EnvVar{Name: name, Value: value})
	}
	sort.Slice(out.Env, func(i, j int) bool { return out.Env[i].Name < out.Env[j].Name })
	return out, nil
}

func (r *resolution) apply(a Action, scope string) error {
	switch a := a.(type) {
	case nil:
		return nil
	case MapFile:
		return r.mapFile(a, scope)
	case AddEnv:
		value, err := r.expand(a.Value)
		if err != nil {
			return err
		}
		r.env[a.Name] = value
	case SetArgs:
		r.args = append([]string(nil), a...)
	case LinkModule:
		ref := ModuleRef{Runner: scope, Path: string(a)}
		if !r.linked[ref] {
			r.linked[ref] = true
			r.links = append(r.links, ref)
		}
	case StartModule:
		r.entries = append(r.entries, ModuleRef{Runner: scope, Path: string(a)})
	case When:
		if a.Mode == r.mode {
			return r.apply(a.Action, scope)
		}
	case Seq:
		for _, item := range a {
			if err := r.apply(item, scope); err != nil {
				return err
			}
		}
	case With:
		id, _, err := r.lookup(a.Runner)
		if err != nil {
			return err
		}
		return r.apply(a.Action, id)
	case Depends:
		return r.depend(string(a))
	default:
		return errors.New(errors.PhaseResolve, errors.KindConfig).
			Path(r.stack...).
			Detail("unknown action %T", a).
			Build()
	}
	return nil
}

// lookup maps name to its canonical runner id. Scopes and dependencies use
// the same id so a runner reached by two names is linked once.
func (r *resolution) lookup(name string) (string, Action, error) {
	id, tree, err := r.resolver.Lookup(name)
	if err != nil {
		kind := errors.KindOf(err)
		if kind == "" {
			kind = errors.KindConfig
		}
		return "", nil, errors.New(errors.PhaseResolve, kind).
			Path(r.stack...).
			Detail("load dependency %q", name).
			Cause(err).
			Build()
	}
	return id, tree, nil
}

func (r *resolution) depend(name string) error {
	id, tree, err := r.lookup(name)
	if err != nil {
		return err
	}

	if r.pending[id] {
		start := 0
		for i, s := range r.stack {
			if s == id {
				start = i
				break
			}
		}
		cycle := append(append([]string{}, r.stack[start:]...), id)
		return errors.DependencyCycle(cycle)
	}
	if r.done[id] {
		return nil
	}

	r.stack = append(r.stack, id)
	r.pending[id] = true
	err = r.apply(tree, id)
	r.stack = r.stack[:len(r.stack)-1]
	delete(r.pending, id)
	if err != nil {
		return err
	}
	r.done[id] = true
	return nil
}

func (r *resolution) mapFile(a MapFile, scope string) error {
	if a.To == "" || a.From == "" {
		return errors.New(errors.PhaseResolve, errors.KindConfig).
			Path(r.stack...).
			Detail("MapFile needs both a source and a destination").
			Build()
	}
	to := path.Clean("/" + a.To)
	from := a.From
	if from != "/" {
		from = strings.TrimPrefix(from, "/")
	}

	kept := r.files[:0]
	for _, f := range r.files {
		if f.To != to {
			kept = append(kept, f)
		}
	}
	r.files = append(kept, FileMapping{Runner: scope, From: from, To: to})
	return nil
}

func (r *resolution) expand(value string) (string, error) {
	var missing string
	out := envRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := r.env[name]
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", errors.New(errors.PhaseResolve, errors.KindConfig).
			Path(r.stack...).
			Detail("environment variable %q is not set", missing).
			Build()
	}
	return out, nil
}

// String renders an action tree compactly for logs.
func String(a Action) string {
	var b strings.Builder
	write(&b, a)
	return b.String()
}

func write(b *strings.Builder, a Action) {
	switch a := a.(type) {
	case MapFile:
		fmt.Fprintf(b, "MapFile(%s <- %s)", a.To, a.From)
	case AddEnv:
		fmt.Fprintf(b, "AddEnv(%s=%s)", a.Name, a.Value)
	case SetArgs:
		fmt.Fprintf(b, "SetArgs%q", []string(a))
	case Depends:
		fmt.Fprintf(b, "Depends(%s)", string(a))
	case LinkModule:
		fmt.Fprintf(b, "LinkModule(%s)", string(a))
	case StartModule:
		fmt.Fprintf(b, "StartModule(%s)", string(a))
	case When:
		fmt.Fprintf(b, "When(%s, ", a.Mode)
		write(b, a.Action)
		b.WriteByte(')')
	case Seq:
		b.WriteString("Seq[")
		for i, item := range a {
			if i > 0 {
				b.WriteString(", ")
			}
			write(b, item)
		}
		b.WriteByte(']')
	case With:
		fmt.Fprintf(b, "With(%s, ", a.Runner)
		write(b, a.Action)
		b.WriteByte(')')
	default:
		fmt.Fprintf(b, "%v", a)
	}
}
