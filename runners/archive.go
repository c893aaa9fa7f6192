package runners

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/dualvm/action"
	"github.com/wippyai/dualvm/buildid"
	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/errors"
)

// Well-known archive members.
const (
	ManifestJSON = "runner.json"
	ManifestYAML = "runner.yaml"
	VersionFile  = "version"
	SingleFile   = "file"
)

// Archive is a read-only set of named files. Contents are views into the
// archive's backing buffer where the format allows it.
type Archive struct {
	ID string

	files   map[string]bytebuf.View
	names   []string
	size    int
	backing []*bytebuf.Buffer

	actionsOnce sync.Once
	actions     action.Action
	actionsErr  error
}

func newArchive(id string, size int) *Archive {
	return &Archive{ID: id, files: map[string]bytebuf.View{}, size: size}
}

func (a *Archive) add(name string, v bytebuf.View) error {
	if _, dup := a.files[name]; dup {
		return errors.InvalidData(errors.PhaseLoad, []string{a.ID, name}, "duplicate archive entry")
	}
	a.files[name] = v
	a.names = append(a.names, name)
	return nil
}

func (a *Archive) seal() {
	sort.Strings(a.names)
}

// Size returns the size of the archive as loaded, in bytes.
func (a *Archive) Size() int {
	return a.size
}

// Names returns every file name in sorted order.
func (a *Archive) Names() []string {
	return a.names
}

// File returns the contents of name.
func (a *Archive) File(name string) (bytebuf.View, error) {
	v, ok := a.files[name]
	if !ok {
		return bytebuf.View{}, errors.NotFound(errors.PhaseLoad, "file", a.ID+"/"+name)
	}
	return v, nil
}

// Prefixed returns the sorted names starting with prefix. The prefix "/"
// (or "") selects every file.
func (a *Archive) Prefixed(prefix string) []string {
	prefix = strings.TrimPrefix(prefix, "/")
	i := sort.SearchStrings(a.names, prefix)
	j := i
	for j < len(a.names) && strings.HasPrefix(a.names[j], prefix) {
		j++
	}
	return a.names[i:j]
}

// Version returns the runner version, falling back to the absent version
// when the archive does not declare one.
func (a *Archive) Version() (buildid.Version, error) {
	v, err := a.File(VersionFile)
	if err != nil {
		Logger().Debug("runner has no version file, using default",
			zap.String("runner", a.ID), zap.Stringer("default", buildid.AbsentVersion))
		return buildid.AbsentVersion, nil
	}
	text, err := v.Text()
	if err != nil {
		return buildid.Version{}, err
	}
	ver, ok := buildid.FindVersion(text)
	if !ok {
		return buildid.Version{}, errors.InvalidData(errors.PhaseLoad, []string{a.ID, VersionFile},
			"no vX.Y.Z version in "+strconv.Quote(strings.TrimSpace(text)))
	}
	return ver, nil
}

// Actions decodes the archive's recipe once.
func (a *Archive) Actions() (action.Action, error) {
	a.actionsOnce.Do(func() {
		v, err := a.File(ManifestJSON)
		if err != nil {
			v, err = a.File(ManifestYAML)
		}
		if err != nil {
			a.actionsErr = errors.New(errors.PhaseConfig, errors.KindConfig).
				Path(a.ID).Detail("runner has no manifest").Build()
			return
		}
		a.actions, a.actionsErr = action.Decode(v.Bytes())
		if a.actionsErr != nil {
			a.actionsErr = errors.New(errors.PhaseConfig, errors.KindConfig).
				Path(a.ID).Detail("decode manifest").Cause(a.actionsErr).Build()
		}
	})
	return a.actions, a.actionsErr
}

// Release drops the archive's references to its backing buffers.
func (a *Archive) Release() error {
	var first error
	for _, b := range a.backing {
		if err := b.Release(); err != nil && first == nil {
			first = err
		}
	}
	a.backing = nil
	return first
}
