package dualvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModePair(t *testing.T) {
	p := PairOf(func(m Mode) string { return m.String() })
	assert.Equal(t, "det", p.Get(Deterministic))
	assert.Equal(t, "non-det", p.Get(NonDeterministic))

	p.Set(NonDeterministic, "x")
	assert.Equal(t, "x", p.NonDet)
	assert.Equal(t, "det", p.Det)

	*p.Ptr(Deterministic) = "y"
	assert.Equal(t, "y", p.Get(Deterministic))
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("sometimes")
	assert.Error(t, err)
}
