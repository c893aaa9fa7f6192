// Package bytebuf provides immutable, reference-counted byte buffers with
// bounds-checked zero-copy views, and a loader that maps files into them.
package bytebuf

import (
	"bytes"
	"errors"
	"fmt"
	"hash/maphash"
	"sync/atomic"
)

// ErrRange is returned when a view is requested outside 0 <= begin <= end <= len.
var ErrRange = errors.New("bytebuf: range out of bounds")

var seed = maphash.MakeSeed()

// Buffer owns a single immutable allocation. It starts with one reference
// held by its creator; the backing memory is released when the count drops
// to zero.
type Buffer struct {
	data    []byte
	refs    atomic.Int64
	release func([]byte) error
}

func newBuffer(data []byte, release func([]byte) error) *Buffer {
	b := &Buffer{data: data, release: release}
	b.refs.Store(1)
	return b
}

// FromBytes takes ownership of data. The caller must not modify it afterwards.
func FromBytes(data []byte) *Buffer {
	return newBuffer(data, nil)
}

// Copy returns a buffer holding a private copy of data.
func Copy(data []byte) *Buffer {
	return newBuffer(bytes.Clone(data), nil)
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int64 {
	return b.refs.Load()
}

// Retain adds a reference.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("bytebuf: retain of released buffer")
	}
	return b
}

// Release drops a reference and frees the backing memory on the last one.
func (b *Buffer) Release() error {
	n := b.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		panic("bytebuf: release of released buffer")
	}
	data := b.data
	b.data = nil
	if b.release != nil {
		return b.release(data)
	}
	return nil
}

// View returns a view over the whole buffer. The view borrows the buffer's
// reference; use Retain on the view to keep it alive independently.
func (b *Buffer) View() View {
	return View{buf: b, begin: 0, end: len(b.data)}
}

// Slice returns a view over [begin, end).
func (b *Buffer) Slice(begin, end int) (View, error) {
	return b.View().Slice(begin, end)
}

// View is a read-only range of a Buffer. The zero View is empty.
type View struct {
	buf   *Buffer
	begin int
	end   int
}

// Len returns the number of bytes in the view.
func (v View) Len() int {
	return v.end - v.begin
}

// Bytes returns the viewed bytes. The slice aliases the buffer and must be
// treated as read-only; its capacity is clipped to the view.
func (v View) Bytes() []byte {
	if v.buf == nil {
		return nil
	}
	return v.buf.data[v.begin:v.end:v.end]
}

// Slice returns a sub-view over [begin, end) relative to v.
func (v View) Slice(begin, end int) (View, error) {
	if begin < 0 || begin > end || end > v.Len() {
		return View{}, fmt.Errorf("%w: [%d, %d) of %d", ErrRange, begin, end, v.Len())
	}
	return View{buf: v.buf, begin: v.begin + begin, end: v.begin + end}, nil
}

// Retain adds a reference to the underlying buffer.
func (v View) Retain() View {
	if v.buf != nil {
		v.buf.Retain()
	}
	return v
}

// Release drops a reference to the underlying buffer.
func (v View) Release() error {
	if v.buf == nil {
		return nil
	}
	return v.buf.Release()
}

// Equal compares views by content.
func (v View) Equal(o View) bool {
	return bytes.Equal(v.Bytes(), o.Bytes())
}

// Hash returns a content hash stable for the lifetime of the process.
func (v View) Hash() uint64 {
	return maphash.Bytes(seed, v.Bytes())
}
