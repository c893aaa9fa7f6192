package bytebuf

import (
	"unicode/utf8"

	"github.com/wippyai/dualvm/errors"
)

// Text decodes the view as UTF-8. Malformed input yields an
// InvalidByteSequence error carrying the span of the first bad sequence.
func (v View) Text() (string, error) {
	return DecodeUTF8(v.Bytes())
}

// DecodeUTF8 validates data as UTF-8 and returns it as a string.
func DecodeUTF8(data []byte) (string, error) {
	for i := 0; i < len(data); {
		if data[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			return "", errors.InvalidByteSequence(data, errors.Span{Begin: i, End: i + invalidLen(data[i:])})
		}
		i += size
	}
	return string(data), nil
}

// invalidLen returns the length of the maximal invalid prefix, bounded by
// the sequence length announced in the leading byte.
func invalidLen(p []byte) int {
	want := 1
	switch c := p[0]; {
	case c&0xe0 == 0xc0:
		want = 2
	case c&0xf0 == 0xe0:
		want = 3
	case c&0xf8 == 0xf0:
		want = 4
	}
	n := 1
	for n < want && n < len(p) && p[n]&0xc0 == 0x80 {
		n++
	}
	return n
}
