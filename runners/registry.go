package runners

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/wippyai/dualvm/errors"
)

// Registry lists the known builds of every runner (all.json) and, in debug
// mode, the newest one (latest.json).
type Registry struct {
	all    map[string][]string
	latest map[string]string
}

// LoadRegistry reads the registry under dir. An empty dir yields an empty
// registry that accepts every hash.
func LoadRegistry(dir string, debug bool) (*Registry, error) {
	r := &Registry{}
	if dir == "" {
		return r, nil
	}
	if err := readJSON(filepath.Join(dir, "all.json"), &r.all); err != nil {
		return nil, err
	}
	for _, hashes := range r.all {
		sort.Strings(hashes)
	}
	if debug {
		if err := readJSON(filepath.Join(dir, "latest.json"), &r.latest); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(path).Detail("read runner registry").Cause(err).Build()
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(path).Detail("decode runner registry").Cause(err).Build()
	}
	return nil
}

// Latest returns the newest hash registered for name.
func (r *Registry) Latest(name string) (string, bool) {
	h, ok := r.latest[name]
	return h, ok
}

// Known reports whether id is registered. Without an all.json every id is
// accepted.
func (r *Registry) Known(id ID) bool {
	if r.all == nil {
		return true
	}
	hashes := r.all[id.Name]
	i := sort.SearchStrings(hashes, id.Hash)
	return i < len(hashes) && hashes[i] == id.Hash
}
