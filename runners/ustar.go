package runners

import (
	"bytes"
	"fmt"

	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/errors"
)

const blockSize = 512

var ustarMagic = []byte("ustar\x0000")

func cstr(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// parseOctal reads an octal size field. Values above limit are rejected
// before conversion, so the result always fits an int.
func parseOctal(field []byte, limit int) (int, error) {
	field = bytes.Trim(cstr(field), " ")
	var n int64
	for _, c := range field {
		if c < '0' || c > '7' {
			return 0, fmt.Errorf("invalid octal digit %q", c)
		}
		n = n*8 + int64(c-'0')
		if n > int64(limit) {
			return 0, fmt.Errorf("size %s exceeds %d bytes", field, limit)
		}
	}
	return int(n), nil
}

// FromUstar indexes a ustar tarball without copying. Links are rejected,
// directories skipped, duplicate names are an error. On success the archive
// takes over the caller's reference to buf.
func FromUstar(id string, buf *bytebuf.Buffer) (*Archive, error) {
	data := buf.View()
	fail := func(off int, format string, args ...any) error {
		return errors.InvalidData(errors.PhaseLoad, []string{id}, fmt.Sprintf("ustar at %d: ", off)+fmt.Sprintf(format, args...))
	}

	if data.Len() < 2*blockSize {
		return nil, fail(0, "archive is too short")
	}
	if data.Len()%blockSize != 0 {
		return nil, fail(0, "length %d is not a multiple of %d", data.Len(), blockSize)
	}

	a := newArchive(id, data.Len())
	raw := data.Bytes()
	zero := make([]byte, 2*blockSize)
	for off := 0; off+2*blockSize <= len(raw); {
		if bytes.Equal(raw[off:off+2*blockSize], zero) {
			break
		}
		header := raw[off : off+blockSize]
		if !bytes.Equal(header[257:265], ustarMagic) {
			return nil, fail(off, "invalid header signature %q", header[257:265])
		}
		switch header[156] {
		case '0', 0, '5':
		default:
			return nil, fail(off, "entry type %q is not allowed", header[156])
		}
		size, err := parseOctal(header[124:136], len(raw))
		if err != nil {
			return nil, fail(off, "%v", err)
		}

		name := string(cstr(header[0:100]))
		if prefix := cstr(header[345:500]); len(prefix) > 0 {
			name = string(prefix) + "/" + name
		}
		if _, err := bytebuf.DecodeUTF8([]byte(name)); err != nil {
			return nil, fail(off, "entry name: %v", err)
		}

		start := off + blockSize
		end := start + size
		if end > len(raw) {
			return nil, fail(off, "entry %q of %d bytes exceeds archive", name, size)
		}
		off = end + (blockSize-end%blockSize)%blockSize

		if header[156] == '5' || name == "" || name[len(name)-1] == '/' {
			continue
		}
		v, err := data.Slice(start, end)
		if err != nil {
			return nil, fail(start, "%v", err)
		}
		if err := a.add(name, v); err != nil {
			return nil, err
		}
	}
	a.seal()
	a.backing = []*bytebuf.Buffer{buf}
	return a, nil
}
