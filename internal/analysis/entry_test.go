package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efiscan/internal/disasm"
	"efiscan/internal/efi"
)

func TestLocateX64RegisterStore(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1000}
	a.rip(0x1800, movStoreRCX...)
	a.rip(0x1808, movStoreRDX...)
	a.emit(0xC3)

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64}, Options{})
	ih, st, err := LocateImageHandleAndSystemTable(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1800), ih)
	assert.Equal(t, uint64(0x1808), st)
	assert.Equal(t, "gST", c.Globals[0x1808].Name)
	assert.Equal(t, "gImageHandle", c.Globals[0x1800].Name)
}

func TestLocateX64RegisterCopy(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1000}
	a.emit(0x48, 0x89, 0xD3)        // mov rbx, rdx
	a.emit(0x48, 0x31, 0xD2)        // xor rdx, rdx
	a.rip(0x1810, 0x48, 0x89, 0x1D) // mov [rip+d], rbx
	a.emit(0xC3)

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64}, Options{})
	ih, st, err := LocateImageHandleAndSystemTable(c)
	require.NoError(t, err)
	assert.Zero(t, ih)
	assert.Equal(t, uint64(0x1810), st)
	assert.Equal(t, 1, c.Diags.Count(DiagNotFound)) // image handle only
}

func TestLocateRejectsClobberedRegister(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1000}
	a.emit(0x48, 0x31, 0xD2) // xor rdx, rdx
	a.rip(0x1808, movStoreRDX...)
	a.emit(0xC3)

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64}, Options{})
	_, _, err := LocateImageHandleAndSystemTable(c)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocateRejectsGlobalOutsideModule(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1000}
	a.rip(0x9000, movStoreRDX...) // outside [Start, End)
	a.rip(0x1804, movStoreRDX...) // misaligned
	a.rip(0x1808, movStoreRDX...)
	a.emit(0xC3)

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64}, Options{})
	_, st, err := LocateImageHandleAndSystemTable(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1808), st)
}

func TestLocateIA32FrameLoad(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width32)
	a := &asm{f: f, pc: 0x1000}
	a.emit(0x55)                // push ebp
	a.emit(0x8B, 0xEC)          // mov ebp, esp
	a.emit(0x8B, 0x45, 0x08)    // mov eax, [ebp+8]
	a.imm32(0x1800, 0x89, 0x05) // mov [0x1800], eax
	a.emit(0x8B, 0x4D, 0x0C)    // mov ecx, [ebp+0xc]
	a.imm32(0x1804, 0x89, 0x0D) // mov [0x1804], ecx
	a.emit(0x5D, 0xC3)          // pop ebp; ret

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width32}, Options{})
	ih, st, err := LocateImageHandleAndSystemTable(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1800), ih)
	assert.Equal(t, uint64(0x1804), st)
}

func TestLocateIA32SavedRegisterPrologue(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width32)
	a := &asm{f: f, pc: 0x1000}
	a.emit(0x56)                   // push esi
	a.emit(0x8B, 0x44, 0x24, 0x08) // mov eax, [esp+8]
	a.imm32(0x1800, 0x89, 0x05)    // mov [0x1800], eax
	a.emit(0x8B, 0x4C, 0x24, 0x0C) // mov ecx, [esp+0xc]
	a.imm32(0x1804, 0x89, 0x0D)    // mov [0x1804], ecx
	a.emit(0x5E, 0xC3)             // pop esi; ret

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width32}, Options{})
	ih, st, err := LocateImageHandleAndSystemTable(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1800), ih)
	assert.Equal(t, uint64(0x1804), st)
	assert.Equal(t, "gImageHandle", c.Globals[0x1800].Name)
	assert.Equal(t, "gST", c.Globals[0x1804].Name)
}

func TestLocateIA32StackAdjustedBeforeLoad(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width32)
	a := &asm{f: f, pc: 0x1000}
	a.emit(0x83, 0xEC, 0x08)       // sub esp, 8
	a.emit(0x53)                   // push ebx
	a.emit(0x8B, 0x44, 0x24, 0x14) // mov eax, [esp+0x14]
	a.imm32(0x1804, 0x89, 0x05)    // mov [0x1804], eax
	a.emit(0x5B)                   // pop ebx
	a.emit(0x83, 0xC4, 0x08)       // add esp, 8
	a.emit(0xC3)

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width32}, Options{})
	ih, st, err := LocateImageHandleAndSystemTable(c)
	require.NoError(t, err)
	assert.Zero(t, ih)
	assert.Equal(t, uint64(0x1804), st)
}

func TestLocateNotFound(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	f.put(0x1000, 0x90, 0x90, 0xC3)

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64}, Options{})
	_, _, err := LocateImageHandleAndSystemTable(c)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, c.Diags.Count(DiagNotFound))
	assert.Empty(t, c.Globals)
}

func TestFirstMatchPicksEarliest(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1000}
	a.emit(0x48, 0x89, 0xD3)        // mov rbx, rdx
	a.rip(0x1810, 0x48, 0x89, 0x1D) // mov [rip+d], rbx  (register-copy)
	a.rip(0x1818, movStoreRDX...)   // mov [rip+d], rdx  (register-store)
	a.emit(0xC3)

	insts := disasm.Disassemble(f.mem[:0x40], disasm.Options{BaseAddr: 0x1000})
	m, ok := FirstMatch(insts, ArgStorePatterns(efi.Width64, 1), nil)
	require.True(t, ok)
	assert.Equal(t, "register-copy", m.Pattern)
	assert.Equal(t, uint64(0x1810), m.Global)
}

func TestMatchAtLostStackSkipsStackSlots(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width32)
	a := &asm{f: f, pc: 0x1000}
	a.emit(0x83, 0xE4, 0xF0)       // and esp, -16
	a.emit(0x8B, 0x44, 0x24, 0x08) // mov eax, [esp+8]
	a.imm32(0x1804, 0x89, 0x05)    // mov [0x1804], eax
	a.emit(0xC3)

	insts := disasm.Disassemble(f.mem[:0x20], disasm.Options{BaseAddr: 0x1000, Mode: 32})
	_, ok := FirstMatch(insts, ArgStorePatterns(efi.Width32, 1), nil)
	assert.False(t, ok)
}
