package buildid

import (
	"fmt"
	"regexp"
	"strconv"
)

// Version is a vX.Y.Z runner or host version.
type Version struct {
	Major, Minor, Patch uint32
}

// AbsentVersion is assumed for runners that do not declare one.
var AbsentVersion = Version{Major: 0, Minor: 1, Patch: 0}

// Pattern matches a version anywhere in a line.
var Pattern = regexp.MustCompile(`v(\d+)\.(\d+)\.(\d+)`)

var exact = regexp.MustCompile(`^` + Pattern.String() + `$`)

// ParseVersion parses an exact "vX.Y.Z" string.
func ParseVersion(s string) (Version, error) {
	m := exact.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	return fromMatch(m)
}

// FindVersion extracts the first version embedded in s.
func FindVersion(s string) (Version, bool) {
	m := Pattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, false
	}
	v, err := fromMatch(m)
	return v, err == nil
}

func fromMatch(m []string) (Version, error) {
	var out [3]uint32
	for i := range out {
		n, err := strconv.ParseUint(m[i+1], 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", m[0], err)
		}
		out[i] = uint32(n)
	}
	return Version{Major: out[0], Minor: out[1], Patch: out[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	for _, d := range [3][2]uint32{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		switch {
		case d[0] < d[1]:
			return -1
		case d[0] > d[1]:
			return 1
		}
	}
	return 0
}
