package action

import (
	"strings"

	"github.com/wippyai/dualvm"
)

// ModuleRef names a module file inside a runner's archive.
type ModuleRef struct {
	Runner string
	Path   string
}

func (m ModuleRef) String() string {
	return m.Runner + "/" + m.Path
}

// FileMapping exposes archive content in the guest filesystem.
type FileMapping struct {
	Runner string
	From   string
	To     string
}

// IsDir reports whether the mapping covers a whole directory prefix.
func (f FileMapping) IsDir() bool {
	return strings.HasSuffix(f.From, "/")
}

// EnvVar is one environment variable.
type EnvVar struct {
	Name  string
	Value string
}

// LinkedRunner is the concrete execution unit of one runner for one mode.
type LinkedRunner struct {
	Root  string
	Mode  dualvm.Mode
	Files []FileMapping
	Env   []EnvVar
	Args  []string
	Links []ModuleRef
	Entry ModuleRef
}

// Modules returns every module to load: the link order followed by the
// entry module when it is not linked already.
func (l *LinkedRunner) Modules() []ModuleRef {
	out := make([]ModuleRef, 0, len(l.Links)+1)
	out = append(out, l.Links...)
	for _, m := range l.Links {
		if m == l.Entry {
			return out
		}
	}
	return append(out, l.Entry)
}

// Runners returns the distinct runner namespaces the unit references, in
// first-use order.
func (l *LinkedRunner) Runners() []string {
	seen := map[string]bool{}
	var out []string
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	add(l.Root)
	for _, f := range l.Files {
		add(f.Runner)
	}
	for _, m := range l.Modules() {
		add(m.Runner)
	}
	return out
}

// Environ formats Env as NAME=value pairs.
func (l *LinkedRunner) Environ() []string {
	out := make([]string, len(l.Env))
	for i, e := range l.Env {
		out[i] = e.Name + "=" + e.Value
	}
	return out
}
