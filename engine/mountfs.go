package engine

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/errors"
)

// mountFS is the read-only guest filesystem assembled from file mappings.
// File contents are views into runner archives and are never copied.
type mountFS struct {
	files map[string]bytebuf.View
	dirs  map[string]map[string]bool
}

func newMountFS() *mountFS {
	return &mountFS{
		files: map[string]bytebuf.View{},
		dirs:  map[string]map[string]bool{".": {}},
	}
}

// add places v at the absolute guest path dest. A later mapping of the same
// path replaces the earlier one.
func (m *mountFS) add(dest string, v bytebuf.View) error {
	name := strings.TrimPrefix(path.Clean("/"+dest), "/")
	if name == "" {
		return errors.InvalidData(errors.PhaseExecute, []string{dest}, "cannot map a file onto the root directory")
	}
	if _, isDir := m.dirs[name]; isDir {
		return errors.InvalidData(errors.PhaseExecute, []string{dest}, "path is already mapped as a directory")
	}
	for dir, child := path.Dir(name), path.Base(name); ; dir, child = path.Dir(dir), path.Base(dir) {
		if _, isFile := m.files[dir]; isFile {
			return errors.InvalidData(errors.PhaseExecute, []string{dest}, "parent "+dir+" is mapped as a file")
		}
		if m.dirs[dir] == nil {
			m.dirs[dir] = map[string]bool{}
		}
		m.dirs[dir][child] = true
		if dir == "." {
			break
		}
	}
	m.files[name] = v
	return nil
}

func (m *mountFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if v, ok := m.files[name]; ok {
		return &mountFile{
			info:   fileInfo{name: path.Base(name), size: int64(v.Len())},
			Reader: bytes.NewReader(v.Bytes()),
		}, nil
	}
	children, ok := m.dirs[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	names := make([]string, 0, len(children))
	for c := range children {
		names = append(names, c)
	}
	sort.Strings(names)
	entries := make([]fs.DirEntry, len(names))
	for i, c := range names {
		full := path.Join(name, c)
		if v, ok := m.files[full]; ok {
			entries[i] = fileInfo{name: c, size: int64(v.Len())}
		} else {
			entries[i] = fileInfo{name: c, dir: true}
		}
	}
	return &mountDir{info: fileInfo{name: path.Base(name), dir: true}, entries: entries}, nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }
func (fi fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}
func (fi fileInfo) ModTime() time.Time         { return time.Time{} }
func (fi fileInfo) IsDir() bool                { return fi.dir }
func (fi fileInfo) Sys() any                   { return nil }
func (fi fileInfo) Type() fs.FileMode          { return fi.Mode().Type() }
func (fi fileInfo) Info() (fs.FileInfo, error) { return fi, nil }

type mountFile struct {
	info fileInfo
	*bytes.Reader
}

func (f *mountFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *mountFile) Close() error               { return nil }

type mountDir struct {
	info    fileInfo
	entries []fs.DirEntry
	off     int
}

func (d *mountDir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *mountDir) Close() error               { return nil }

func (d *mountDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: fs.ErrInvalid}
}

func (d *mountDir) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.entries[d.off:]
	if n <= 0 {
		d.off = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.off += n
	return rest[:n], nil
}
