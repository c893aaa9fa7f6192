package runners

import (
	"strings"

	"github.com/wippyai/dualvm/errors"
)

// Hashes that name the newest registered build of a runner. They are only
// honoured in debug mode.
const (
	HashLatest = "latest"
	HashTest   = "test"
)

// ID is a "name:hash" runner identifier.
type ID struct {
	Name string
	Hash string
}

// ParseID validates s. Names allow ASCII letters, digits, '-' and '_';
// hashes additionally allow '='.
func ParseID(s string) (ID, error) {
	name, hash, ok := strings.Cut(s, ":")
	if !ok || name == "" || hash == "" || strings.Contains(hash, ":") {
		return ID{}, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Detail("runner id %q is not of the form name:hash", s).Build()
	}
	for _, c := range name {
		if !isIDChar(c) {
			return ID{}, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Detail("character %q is not allowed in runner name %q", c, name).Build()
		}
	}
	for _, c := range hash {
		if !isIDChar(c) && c != '=' {
			return ID{}, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Detail("character %q is not allowed in runner hash %q", c, hash).Build()
		}
	}
	return ID{Name: name, Hash: hash}, nil
}

func isIDChar(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

func (id ID) String() string {
	return id.Name + ":" + id.Hash
}

// IsAlias reports whether the hash is one of the debug-only aliases.
func (id ID) IsAlias() bool {
	return id.Hash == HashLatest || id.Hash == HashTest
}

// subpath returns name/ha/sh... relative to a store root. Hashes shorter
// than three characters have no on-disk location.
func (id ID) subpath() (string, bool) {
	if len(id.Hash) < 3 {
		return "", false
	}
	return id.Name + "/" + id.Hash[:2] + "/" + id.Hash[2:], true
}
