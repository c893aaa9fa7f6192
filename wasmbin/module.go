// Package wasmbin walks the section structure of WebAssembly binaries
// without decoding their contents.
package wasmbin

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// Header is the magic number and version 1 prefix of every module.
var Header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const (
	SectionCustom   byte = 0
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionTable    byte = 4
	SectionMemory   byte = 5
	SectionGlobal   byte = 6
	SectionExport   byte = 7
	SectionStart    byte = 8
	SectionElement  byte = 9
	SectionCode     byte = 10
	SectionData     byte = 11
	SectionDataCnt  byte = 12
)

// Section is one top-level section. Raw spans the whole encoded section,
// Payload the bytes after the custom-section name (or the whole body for
// standard sections).
type Section struct {
	ID      byte
	Name    string
	Payload []byte
	Raw     []byte
}

// IsModule reports whether b starts with the module header.
func IsModule(b []byte) bool {
	return bytes.HasPrefix(b, Header)
}

// Sections splits a module into its sections. Slices alias b.
func Sections(b []byte) ([]Section, error) {
	if !IsModule(b) {
		return nil, fmt.Errorf("wasmbin: not a wasm module")
	}
	var out []Section
	off := len(Header)
	for off < len(b) {
		start := off
		id := b[off]
		off++
		size, n, err := ReadULEB32(b[off:])
		if err != nil {
			return nil, fmt.Errorf("wasmbin: section at %d: %w", start, err)
		}
		off += n
		if uint64(off)+uint64(size) > uint64(len(b)) {
			return nil, fmt.Errorf("wasmbin: section at %d: size %d exceeds module", start, size)
		}
		body := b[off : off+int(size)]
		off += int(size)

		sec := Section{ID: id, Payload: body, Raw: b[start:off]}
		if id == SectionCustom {
			nlen, n, err := ReadULEB32(body)
			if err != nil || uint64(n)+uint64(nlen) > uint64(len(body)) {
				return nil, fmt.Errorf("wasmbin: custom section at %d: bad name", start)
			}
			name := body[n : n+int(nlen)]
			if !utf8.Valid(name) {
				return nil, fmt.Errorf("wasmbin: custom section at %d: name is not UTF-8", start)
			}
			sec.Name = string(name)
			sec.Payload = body[n+int(nlen):]
		}
		out = append(out, sec)
	}
	return out, nil
}

// CustomSection returns the payload of the first custom section called name.
func CustomSection(b []byte, name string) ([]byte, bool, error) {
	secs, err := Sections(b)
	if err != nil {
		return nil, false, err
	}
	for _, s := range secs {
		if s.ID == SectionCustom && s.Name == name {
			return s.Payload, true, nil
		}
	}
	return nil, false, nil
}

// StripCustom returns a copy of b without the custom sections for which
// keep returns false.
func StripCustom(b []byte, keep func(name string) bool) ([]byte, error) {
	secs, err := Sections(b)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b))
	out = append(out, Header...)
	for _, s := range secs {
		if s.ID == SectionCustom && !keep(s.Name) {
			continue
		}
		out = append(out, s.Raw...)
	}
	return out, nil
}

// ModuleName returns the module name recorded in the "name" custom section.
func ModuleName(b []byte) (string, bool) {
	payload, ok, err := CustomSection(b, "name")
	if err != nil || !ok {
		return "", false
	}
	for len(payload) > 0 {
		id := payload[0]
		size, n, err := ReadULEB32(payload[1:])
		if err != nil || uint64(1+n)+uint64(size) > uint64(len(payload)) {
			return "", false
		}
		sub := payload[1+n : 1+n+int(size)]
		payload = payload[1+n+int(size):]
		if id != 0 {
			continue
		}
		nlen, n, err := ReadULEB32(sub)
		if err != nil || uint64(n)+uint64(nlen) > uint64(len(sub)) {
			return "", false
		}
		return string(sub[n : n+int(nlen)]), true
	}
	return "", false
}
