package runners

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"

	"github.com/klauspost/compress/zip"

	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/errors"
)

// maxInflated bounds the decompressed size of a single zip entry.
const maxInflated = 256 << 20

// FromZip indexes a zip archive. Stored entries are viewed in place;
// compressed entries are inflated into their own buffers. On success the
// archive takes over the caller's reference to buf.
func FromZip(id string, buf *bytebuf.Buffer) (*Archive, error) {
	data := buf.View()
	zr, err := zip.NewReader(bytes.NewReader(data.Bytes()), int64(data.Len()))
	if err != nil {
		return nil, errors.Load("open zip runner "+id, err)
	}

	a := newArchive(id, data.Len())
	a.backing = []*bytebuf.Buffer{buf}
	ok := false
	defer func() {
		if !ok {
			a.releaseExtra()
		}
	}()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil, errors.InvalidData(errors.PhaseLoad, []string{id, f.Name}, "links are not allowed")
		}
		v, err := zipEntry(data, f, a)
		if err != nil {
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Path(id, f.Name).Detail("read zip entry").Cause(err).Build()
		}
		if err := a.add(f.Name, v); err != nil {
			return nil, err
		}
	}
	a.seal()
	ok = true
	return a, nil
}

func zipEntry(data bytebuf.View, f *zip.File, a *Archive) (bytebuf.View, error) {
	if f.Method == zip.Store {
		off, err := f.DataOffset()
		if err != nil {
			return bytebuf.View{}, err
		}
		if f.CompressedSize64 > uint64(data.Len()) {
			return bytebuf.View{}, fmt.Errorf("entry size %d exceeds archive", f.CompressedSize64)
		}
		return data.Slice(int(off), int(off)+int(f.CompressedSize64))
	}

	if f.UncompressedSize64 > maxInflated {
		return bytebuf.View{}, fmt.Errorf("entry inflates to %d bytes", f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return bytebuf.View{}, err
	}
	defer rc.Close()
	content, err := io.ReadAll(io.LimitReader(rc, maxInflated+1))
	if err != nil {
		return bytebuf.View{}, err
	}
	if len(content) > maxInflated {
		return bytebuf.View{}, fmt.Errorf("entry inflates past %d bytes", maxInflated)
	}
	b := bytebuf.FromBytes(content)
	a.backing = append(a.backing, b)
	return b.View(), nil
}

// releaseExtra drops buffers the archive allocated itself, leaving the
// caller's buffer untouched.
func (a *Archive) releaseExtra() {
	for _, b := range a.backing[1:] {
		b.Release()
	}
	a.backing = nil
}
