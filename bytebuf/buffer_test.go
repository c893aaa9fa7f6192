package bytebuf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/dualvm/errors"
)

func TestSliceRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox")
	buf := Copy(data)
	defer buf.Release()

	for b := 0; b <= len(data); b++ {
		for e := b; e <= len(data); e++ {
			v, err := buf.Slice(b, e)
			require.NoError(t, err)
			assert.Equal(t, data[b:e], v.Bytes(), "[%d, %d)", b, e)
			assert.Equal(t, e-b, v.Len())
		}
	}
}

func TestSliceOutOfRange(t *testing.T) {
	buf := Copy([]byte("abcdef"))
	defer buf.Release()

	tests := []struct {
		name       string
		begin, end int
	}{
		{"negative begin", -1, 2},
		{"inverted", 4, 2},
		{"past end", 2, 7},
		{"both past end", 7, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buf.Slice(tt.begin, tt.end)
			assert.ErrorIs(t, err, ErrRange)
		})
	}

	v, err := buf.Slice(1, 5)
	require.NoError(t, err)
	_, err = v.Slice(0, 5)
	assert.ErrorIs(t, err, ErrRange, "sub-view must be bounded by its parent")

	sub, err := v.Slice(1, 3)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(sub.Bytes()))
}

func TestViewBytesCapacityClipped(t *testing.T) {
	buf := Copy([]byte("abcdef"))
	defer buf.Release()

	v, err := buf.Slice(0, 2)
	require.NoError(t, err)
	b := v.Bytes()
	assert.Equal(t, 2, cap(b))
	b = append(b, 'X')
	assert.Equal(t, "abcdef", string(buf.View().Bytes()))
}

func TestEqualityByContent(t *testing.T) {
	a := Copy([]byte("xxhelloyy"))
	b := Copy([]byte("hello"))
	defer a.Release()
	defer b.Release()

	va, _ := a.Slice(2, 7)
	vb := b.View()
	assert.True(t, va.Equal(vb))
	assert.Equal(t, va.Hash(), vb.Hash())

	vc, _ := a.Slice(0, 5)
	assert.False(t, vc.Equal(vb))
}

func TestRefCounting(t *testing.T) {
	released := 0
	buf := newBuffer([]byte("data"), func([]byte) error {
		released++
		return nil
	})

	v := buf.View().Retain()
	assert.Equal(t, int64(2), buf.Refs())

	require.NoError(t, buf.Release())
	assert.Equal(t, 0, released)
	assert.Equal(t, "data", string(v.Bytes()))

	require.NoError(t, v.Release())
	assert.Equal(t, 1, released)
	assert.Panics(t, func() { buf.Release() })
}

func TestMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "module.wasm")
	require.NoError(t, os.WriteFile(path, []byte("\x00asm\x01\x00\x00\x00"), 0o644))

	buf, err := Map(path)
	require.NoError(t, err)
	assert.Equal(t, 8, buf.Len())
	assert.Equal(t, []byte("\x00asm\x01\x00\x00\x00"), buf.View().Bytes())
	require.NoError(t, buf.Release())

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	buf, err = Map(empty)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Len())
	require.NoError(t, buf.Release())

	_, err = Map(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestDecodeUTF8(t *testing.T) {
	s, err := DecodeUTF8([]byte("héllo, 世界"))
	require.NoError(t, err)
	assert.Equal(t, "héllo, 世界", s)

	tests := []struct {
		name string
		data []byte
		span errors.Span
	}{
		{"lone continuation", []byte("ab\x80cd"), errors.Span{Begin: 2, End: 3}},
		{"invalid lead", []byte{'a', 0xff}, errors.Span{Begin: 1, End: 2}},
		{"truncated three byte", []byte{'x', 0xe2, 0x82, 'A'}, errors.Span{Begin: 1, End: 3}},
		{"truncated at end", []byte{0xf0, 0x9f}, errors.Span{Begin: 0, End: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Copy(tt.data).View().Text()
			require.Error(t, err)
			assert.True(t, errors.HasKind(err, errors.KindInvalidByteSequence))
			var e *errors.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.span, e.Value)
		})
	}
}
