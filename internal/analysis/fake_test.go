package analysis

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"efiscan/internal/disasm"
	"efiscan/internal/efi"
	"efiscan/internal/guiddb"
)

// fakeAdapter is a flat in-memory module with an annotation write log.
type fakeAdapter struct {
	base   uint64
	mem    []byte
	width  efi.BitWidth
	writes []write
}

type write struct {
	addr  uint64
	kind  string
	value string
}

func newFake(base uint64, size int, w efi.BitWidth) *fakeAdapter {
	return &fakeAdapter{base: base, mem: make([]byte, size), width: w}
}

func (f *fakeAdapter) end() uint64 { return f.base + uint64(len(f.mem)) }

func (f *fakeAdapter) put(addr uint64, b ...byte) {
	copy(f.mem[addr-f.base:], b)
}

func (f *fakeAdapter) putPtr(addr, v uint64) {
	if f.width == efi.Width32 {
		binary.LittleEndian.PutUint32(f.mem[addr-f.base:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(f.mem[addr-f.base:], v)
}

func (f *fakeAdapter) putU64(addr, v uint64) {
	binary.LittleEndian.PutUint64(f.mem[addr-f.base:], v)
}

func (f *fakeAdapter) putGUID(addr uint64, g efi.GUID) {
	f.put(addr, g[:]...)
}

func (f *fakeAdapter) readUpTo(addr uint64, n int) ([]byte, error) {
	if addr < f.base || addr >= f.end() {
		return nil, fmt.Errorf("unmapped 0x%x", addr)
	}
	off := addr - f.base
	hi := off + uint64(n)
	if hi > uint64(len(f.mem)) {
		hi = uint64(len(f.mem))
	}
	return f.mem[off:hi], nil
}

func (f *fakeAdapter) ReadBytes(addr uint64, n int) ([]byte, error) {
	if addr < f.base || addr+uint64(n) > f.end() {
		return nil, fmt.Errorf("unmapped 0x%x+%d", addr, n)
	}
	return f.mem[addr-f.base : addr-f.base+uint64(n)], nil
}

func (f *fakeAdapter) Decode(addr uint64) (disasm.Inst, error) {
	b, err := f.readUpTo(addr, disasm.MaxInstLen)
	if err != nil {
		return disasm.Inst{}, err
	}
	return disasm.Decode(b, addr, f.width.Mode(), nil)
}

func (f *fakeAdapter) EnumerateCalls(fn uint64) ([]uint64, error) {
	insts, err := disasm.FunctionBody(f.readUpTo, fn, f.width.Mode(), 0)
	if err != nil {
		return nil, err
	}
	return disasm.CallSites(insts), nil
}

func (f *fakeAdapter) Rename(addr uint64, name string) error {
	f.writes = append(f.writes, write{addr, "name", name})
	return nil
}

func (f *fakeAdapter) SetComment(addr uint64, text string) error {
	f.writes = append(f.writes, write{addr, "comment", text})
	return nil
}

func (f *fakeAdapter) ApplyType(addr uint64, typ string) error {
	f.writes = append(f.writes, write{addr, "type", typ})
	return nil
}

func (f *fakeAdapter) count(kind string, addr uint64) int {
	n := 0
	for _, w := range f.writes {
		if w.kind == kind && w.addr == addr {
			n++
		}
	}
	return n
}

// rangedFake adds a section layout.
type rangedFake struct {
	*fakeAdapter
	ranges []Range
}

func (r rangedFake) Ranges() []Range { return r.ranges }

// asm emits x86 code into a fakeAdapter.
type asm struct {
	f  *fakeAdapter
	pc uint64
}

func (a *asm) emit(b ...byte) uint64 {
	at := a.pc
	a.f.put(at, b...)
	a.pc += uint64(len(b))
	return at
}

// rip emits op followed by a rip-relative disp32 reaching target.
func (a *asm) rip(target uint64, op ...byte) uint64 {
	at := a.pc
	next := at + uint64(len(op)) + 4
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, uint32(int32(int64(target)-int64(next))))
	a.emit(append(op, d...)...)
	return at
}

// pad fills up to end with int3, as compilers do between functions.
func (a *asm) pad(end uint64) {
	for a.pc < end {
		a.emit(0xCC)
	}
}

// call emits call rel32.
func (a *asm) call(target uint64) uint64 {
	return a.rip(target, 0xE8)
}

func (a *asm) imm32(v uint64, op ...byte) uint64 {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, uint32(v))
	return a.emit(append(op, d...)...)
}

// X64 encodings used by the tests.
var (
	movStoreRCX = []byte{0x48, 0x89, 0x0D} // mov [rip+d], rcx
	movStoreRDX = []byte{0x48, 0x89, 0x15} // mov [rip+d], rdx
	movStoreRAX = []byte{0x48, 0x89, 0x05} // mov [rip+d], rax
	movLoadRAX  = []byte{0x48, 0x8B, 0x05} // mov rax, [rip+d]
	leaRCX      = []byte{0x48, 0x8D, 0x0D} // lea rcx, [rip+d]
	leaRDX      = []byte{0x48, 0x8D, 0x15} // lea rdx, [rip+d]
	leaR8       = []byte{0x4C, 0x8D, 0x05} // lea r8, [rip+d]
	callRaxD32  = []byte{0xFF, 0x90}       // call [rax+d32]
)

var (
	sampleGUID  = efi.MustParseGUID("11223344-5566-7788-99aa-bbccddeeff00")
	unknownGUID = efi.MustParseGUID("a1b2c3d4-0001-0002-0304-050607080910")
)

func sampleDB() *guiddb.DB {
	return guiddb.New(map[efi.GUID]string{sampleGUID: "SampleProtocol"})
}

func newTestContext(t *testing.T, a Adapter, m Module, opts Options) *Context {
	t.Helper()
	c, err := NewContext(m, a, sampleDB(), opts)
	require.NoError(t, err)
	return c
}

// layoutTable writes a signed table whose function slot i holds fn+i.
func layoutTable(f *fakeAdapter, kind efi.TableKind, base, fn uint64) {
	f.putU64(base, kind.Signature())
	for _, s := range efi.Slots(kind) {
		if !s.Data {
			f.putPtr(base+efi.Offset(f.width, s.Index), fn+uint64(s.Index))
		}
	}
}

// layoutSystemTable writes a system table pointing at boot and runtime
// service tables.
func layoutSystemTable(f *fakeAdapter, st, bs, rt uint64) {
	f.putU64(st, efi.SystemTableSignature)
	off, _ := efi.SlotOffset(efi.SystemTable, f.width, "BootServices")
	f.putPtr(st+off, bs)
	off, _ = efi.SlotOffset(efi.SystemTable, f.width, "RuntimeServices")
	f.putPtr(st+off, rt)
	layoutTable(f, efi.BootServices, bs, 0xB000_0000)
	layoutTable(f, efi.RuntimeServices, rt, 0xC000_0000)
}
