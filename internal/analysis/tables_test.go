package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efiscan/internal/efi"
)

func TestWalkServiceTables(t *testing.T) {
	for _, w := range []efi.BitWidth{efi.Width32, efi.Width64} {
		t.Run(w.String(), func(t *testing.T) {
			f := newFake(0x1000, 0x1000, w)
			layoutSystemTable(f, 0x1100, 0x1200, 0x1400)
			c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: w},
				Options{SystemTable: 0x1100})

			bs := WalkBootServices(c)
			require.NoError(t, bs.Err)
			assert.Equal(t, uint64(0x1200), bs.Base)
			names := efi.ServiceNames(efi.BootServices)
			require.Len(t, bs.Entries, len(names))
			for _, s := range efi.Slots(efi.BootServices) {
				if s.Data {
					continue
				}
				addr, ok := bs.Lookup(s.Name)
				require.True(t, ok, s.Name)
				assert.Equal(t, uint64(0xB000_0000)+uint64(s.Index), addr, s.Name)
			}
			off, _ := efi.SlotOffset(efi.BootServices, w, "LocateProtocol")
			name, ok := bs.NameOf(0xB000_0000 + uint64((off-efi.HeaderSize)/uint64(w.PtrSize())))
			require.True(t, ok)
			assert.Equal(t, "LocateProtocol", name)

			rt := WalkRuntimeServices(c)
			require.NoError(t, rt.Err)
			addr, ok := rt.Lookup("SetVariable")
			require.True(t, ok)
			assert.Equal(t, uint64(0xC000_0000+8), addr)
			assert.Equal(t, 0, c.Diags.Len())
		})
	}
}

func TestWalkCorruptSignature(t *testing.T) {
	for _, w := range []efi.BitWidth{efi.Width32, efi.Width64} {
		t.Run(w.String(), func(t *testing.T) {
			f := newFake(0x1000, 0x1000, w)
			layoutSystemTable(f, 0x1100, 0x1200, 0x1400)
			f.mem[0x200] ^= 0xff // first byte of "BOOTSERV"

			c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: w},
				Options{SystemTable: 0x1100})

			bs := WalkBootServices(c)
			assert.ErrorIs(t, bs.Err, ErrNotFound)
			assert.Empty(t, bs.Entries)
			assert.False(t, bs.Found())
			assert.Equal(t, 1, c.Diags.Count(DiagNotFound))

			// The runtime table is independent.
			rt := WalkRuntimeServices(c)
			assert.True(t, rt.Found())
		})
	}
}

func TestWalkUnmappedTable(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	layoutSystemTable(f, 0x1100, 0x1200, 0x1400)
	f.putPtr(0x1100+0x60, 0x9000_0000)

	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64},
		Options{SystemTable: 0x1100})
	bs := WalkBootServices(c)
	assert.ErrorIs(t, bs.Err, ErrAdapter)
	assert.Equal(t, 1, c.Diags.Count(DiagAdapter))
}

func TestWalkWithoutSystemTable(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64}, Options{})
	bs := WalkBootServices(c)
	assert.ErrorIs(t, bs.Err, ErrNotFound)

	smm := WalkSmmServices(c)
	assert.ErrorIs(t, smm.Err, ErrNotFound)
}

func TestWalkSmmServices(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	layoutTable(f, efi.SmmServices, 0x1800, 0xD000_0000)
	c := newTestContext(t, f, Module{Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64},
		Options{Smst: 0x1800})

	smm := WalkSmmServices(c)
	require.NoError(t, smm.Err)
	addr, ok := smm.Lookup("SmiHandlerRegister")
	require.True(t, ok)
	assert.Equal(t, uint64(0xD000_0000+25), addr)
}
