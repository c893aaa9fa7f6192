package wasmbin

import (
	"errors"
	"io"
)

// ErrOverflow is returned when a LEB128 value exceeds the maximum bit width.
var ErrOverflow = errors.New("leb128: overflow")

// ReadULEB32 decodes an unsigned LEB128 value from the front of b and
// returns it with the number of bytes consumed.
func ReadULEB32(b []byte) (uint32, int, error) {
	var result uint32
	var shift uint
	for i, c := range b {
		if shift == 28 && c&0x70 != 0 {
			return 0, 0, ErrOverflow
		}
		result |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, 0, ErrOverflow
		}
	}
	return 0, 0, io.ErrUnexpectedEOF
}

// AppendULEB32 appends v as unsigned LEB128.
func AppendULEB32(dst []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, c|0x80)
			continue
		}
		return append(dst, c)
	}
}

// AppendSLEB32 appends v as signed LEB128.
func AppendSLEB32(dst []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

// AppendName appends a length-prefixed UTF-8 name.
func AppendName(dst []byte, s string) []byte {
	dst = AppendULEB32(dst, uint32(len(s)))
	return append(dst, s...)
}

// AppendSection appends a section with the given id and payload.
func AppendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = AppendULEB32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// AppendCustomSection appends a custom section.
func AppendCustomSection(dst []byte, name string, payload []byte) []byte {
	body := AppendName(nil, name)
	return AppendSection(dst, SectionCustom, append(body, payload...))
}
