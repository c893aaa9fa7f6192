// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import (
	"github.com/wippyai/dualvm/wasmbin"
)

// Value types and opcodes used by the fixtures.
const (
	I32 byte = 0x7f

	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpIf          byte = 0x04
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpMemoryGrow  byte = 0x40
	OpI32Const    byte = 0x41
	OpI32Eq       byte = 0x46
	BlockVoid     byte = 0x40
)

// Builder accumulates module sections in index order.
type Builder struct {
	types   [][]byte
	imports [][]byte
	nImport uint32
	funcs   []uint32
	codes   [][]byte
	exports [][]byte
	memory  []byte
	data    [][]byte
	custom  [][]byte
	name    string
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// Type adds a function type and returns its index.
func (b *Builder) Type(params, results []byte) uint32 {
	t := []byte{0x60}
	t = wasmbin.AppendULEB32(t, uint32(len(params)))
	t = append(t, params...)
	t = wasmbin.AppendULEB32(t, uint32(len(results)))
	t = append(t, results...)
	b.types = append(b.types, t)
	return uint32(len(b.types) - 1)
}

// ImportFunc imports a function and returns its function index. Imports must
// be added before any defined function.
func (b *Builder) ImportFunc(module, name string, typ uint32) uint32 {
	imp := wasmbin.AppendName(nil, module)
	imp = wasmbin.AppendName(imp, name)
	imp = append(imp, 0x00)
	imp = wasmbin.AppendULEB32(imp, typ)
	b.imports = append(b.imports, imp)
	b.nImport++
	return b.nImport - 1
}

// Func defines a function with no locals. The trailing end opcode is added.
func (b *Builder) Func(typ uint32, instrs ...byte) uint32 {
	body := append([]byte{0x00}, instrs...)
	body = append(body, OpEnd)
	b.funcs = append(b.funcs, typ)
	b.codes = append(b.codes, body)
	return b.nImport + uint32(len(b.funcs)) - 1
}

// Export exports a function.
func (b *Builder) Export(name string, fn uint32) *Builder {
	e := wasmbin.AppendName(nil, name)
	e = append(e, 0x00)
	e = wasmbin.AppendULEB32(e, fn)
	b.exports = append(b.exports, e)
	return b
}

// Memory declares memory 0 with min pages and exports it as "memory".
func (b *Builder) Memory(min uint32) *Builder {
	b.memory = wasmbin.AppendULEB32([]byte{0x01, 0x00}, min)
	e := wasmbin.AppendName(nil, "memory")
	b.exports = append(b.exports, append(e, 0x02, 0x00))
	return b
}

// PrivateMemory declares memory 0 with min pages without exporting it.
func (b *Builder) PrivateMemory(min uint32) *Builder {
	b.memory = wasmbin.AppendULEB32([]byte{0x01, 0x00}, min)
	return b
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset int32, bytes []byte) *Builder {
	d := []byte{0x00, OpI32Const}
	d = wasmbin.AppendSLEB32(d, offset)
	d = append(d, OpEnd)
	d = wasmbin.AppendULEB32(d, uint32(len(bytes)))
	b.data = append(b.data, append(d, bytes...))
	return b
}

// Name records the module name in the name section.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// Custom appends a custom section.
func (b *Builder) Custom(name string, payload []byte) *Builder {
	b.custom = append(b.custom, wasmbin.AppendCustomSection(nil, name, payload))
	return b
}

func vec(items [][]byte) []byte {
	out := wasmbin.AppendULEB32(nil, uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := append([]byte{}, wasmbin.Header...)
	if len(b.types) > 0 {
		out = wasmbin.AppendSection(out, wasmbin.SectionType, vec(b.types))
	}
	if len(b.imports) > 0 {
		out = wasmbin.AppendSection(out, wasmbin.SectionImport, vec(b.imports))
	}
	if len(b.funcs) > 0 {
		fs := wasmbin.AppendULEB32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			fs = wasmbin.AppendULEB32(fs, f)
		}
		out = wasmbin.AppendSection(out, wasmbin.SectionFunction, fs)
	}
	if b.memory != nil {
		out = wasmbin.AppendSection(out, wasmbin.SectionMemory, b.memory)
	}
	if len(b.exports) > 0 {
		out = wasmbin.AppendSection(out, wasmbin.SectionExport, vec(b.exports))
	}
	if len(b.codes) > 0 {
		codes := make([][]byte, len(b.codes))
		for i, c := range b.codes {
			codes[i] = append(wasmbin.AppendULEB32(nil, uint32(len(c))), c...)
		}
		out = wasmbin.AppendSection(out, wasmbin.SectionCode, vec(codes))
	}
	if len(b.data) > 0 {
		out = wasmbin.AppendSection(out, wasmbin.SectionData, vec(b.data))
	}
	if b.name != "" {
		sub := wasmbin.AppendName(nil, b.name)
		out = wasmbin.AppendCustomSection(out, "name", wasmbin.AppendSection(nil, 0, sub))
	}
	for _, c := range b.custom {
		out = append(out, c...)
	}
	return out
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return wasmbin.AppendSLEB32([]byte{OpI32Const}, v)
}

// Call encodes call fn.
func Call(fn uint32) []byte {
	return wasmbin.AppendULEB32([]byte{OpCall}, fn)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Start is a module whose _start returns immediately.
func Start() []byte {
	b := New()
	fn := b.Func(b.Type(nil, nil))
	return b.Export("_start", fn).Bytes()
}

// Exit calls proc_exit(code) from _start.
func Exit(code int32) []byte {
	b := New()
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", b.Type([]byte{I32}, nil))
	fn := b.Func(b.Type(nil, nil), concat(I32Const(code), Call(exit))...)
	return b.Export("_start", fn).Bytes()
}

// Loop spins forever in _start.
func Loop() []byte {
	b := New()
	fn := b.Func(b.Type(nil, nil), OpLoop, BlockVoid, OpBr, 0x00, OpEnd)
	return b.Export("_start", fn).Bytes()
}

// CapabilityCall invokes gl.capability_call(kind, 0, 0) from _start and
// exits with 3 when the call reports an error.
func CapabilityCall(kind int32) []byte {
	b := New()
	typCall := b.Type([]byte{I32, I32, I32}, []byte{I32})
	typExit := b.Type([]byte{I32}, nil)
	call := b.ImportFunc("gl", "capability_call", typCall)
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", typExit)
	body := concat(
		I32Const(kind), I32Const(0), I32Const(0), Call(call),
		I32Const(0), []byte{0x48}, // i32.lt_s
		[]byte{OpIf, BlockVoid}, I32Const(3), Call(exit), []byte{OpEnd},
	)
	fn := b.Func(b.Type(nil, nil), body...)
	b.Memory(1)
	return b.Export("_start", fn).Bytes()
}

// GrowMemory tries memory.grow(pages) and exits with 42 when it fails.
func GrowMemory(pages int32) []byte {
	b := New()
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", b.Type([]byte{I32}, nil))
	body := concat(
		I32Const(pages), []byte{OpMemoryGrow, 0x00},
		I32Const(-1), []byte{OpI32Eq},
		[]byte{OpIf, BlockVoid}, I32Const(42), Call(exit), []byte{OpEnd},
	)
	fn := b.Func(b.Type(nil, nil), body...)
	b.Memory(1)
	return b.Export("_start", fn).Bytes()
}

// StorageReserve calls gl.storage_reserve(pages) and exits with its result.
func StorageReserve(pages int32) []byte {
	b := New()
	reserve := b.ImportFunc("gl", "storage_reserve", b.Type([]byte{I32}, []byte{I32}))
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", b.Type([]byte{I32}, nil))
	fn := b.Func(b.Type(nil, nil), concat(I32Const(pages), Call(reserve), Call(exit))...)
	return b.Export("_start", fn).Bytes()
}

// Print writes text to stdout through fd_write.
func Print(text string) []byte {
	b := New()
	write := b.ImportFunc("wasi_snapshot_preview1", "fd_write", b.Type([]byte{I32, I32, I32, I32}, []byte{I32}))
	body := concat(I32Const(1), I32Const(0), I32Const(1), I32Const(8), Call(write), []byte{OpDrop})
	fn := b.Func(b.Type(nil, nil), body...)
	b.Memory(1)

	iov := []byte{16, 0, 0, 0, byte(len(text)), 0, 0, 0}
	b.Data(0, iov)
	b.Data(16, []byte(text))
	return b.Export("_start", fn).Bytes()
}

// Library is a named module exporting value() -> i32 and an _initialize
// that does nothing.
func Library(name string, value int32) []byte {
	b := New()
	get := b.Func(b.Type(nil, []byte{I32}), I32Const(value)...)
	initFn := b.Func(b.Type(nil, nil))
	b.Export("value", get).Export("_initialize", initFn)
	return b.Name(name).Bytes()
}

// UsesLibrary exits with the value returned by lib.value.
func UsesLibrary(lib string) []byte {
	b := New()
	value := b.ImportFunc(lib, "value", b.Type(nil, []byte{I32}))
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", b.Type([]byte{I32}, nil))
	fn := b.Func(b.Type(nil, nil), concat(Call(value), Call(exit))...)
	return b.Export("_start", fn).Bytes()
}
