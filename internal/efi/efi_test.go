package efi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotOffsets(t *testing.T) {
	tests := []struct {
		kind TableKind
		name string
		w    BitWidth
		want uint64
	}{
		{SystemTable, "RuntimeServices", Width64, 0x58},
		{SystemTable, "BootServices", Width64, 0x60},
		{SystemTable, "RuntimeServices", Width32, 0x38},
		{SystemTable, "BootServices", Width32, 0x3c},
		{BootServices, "InstallProtocolInterface", Width64, 0x80},
		{BootServices, "HandleProtocol", Width64, 0x98},
		{BootServices, "LocateProtocol", Width64, 0x140},
		{BootServices, "LocateProtocol", Width32, 0xac},
		{BootServices, "CreateEventEx", Width64, 0x170},
		{RuntimeServices, "GetVariable", Width64, 0x48},
		{RuntimeServices, "SetVariable", Width32, 0x38},
		{SmmServices, "SmmInstallProtocolInterface", Width64, 0xa8},
		{SmmServices, "SmmLocateProtocol", Width64, 0xd0},
		{SmmServices, "SmiHandlerRegister", Width64, 0xe0},
	}
	for _, tt := range tests {
		t.Run(tt.w.String()+"/"+tt.name, func(t *testing.T) {
			got, ok := SlotOffset(tt.kind, tt.w, tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)

			slot, ok := SlotAt(tt.kind, tt.w, int64(got))
			require.True(t, ok)
			assert.Equal(t, tt.name, slot.Name)
		})
	}
}

func TestSlotNamesUnique(t *testing.T) {
	seen := make(map[string]TableKind)
	for _, kind := range []TableKind{BootServices, RuntimeServices, SmmServices} {
		for _, name := range ServiceNames(kind) {
			if prev, dup := seen[name]; dup {
				t.Errorf("%s appears in %s and %s", name, prev, kind)
			}
			seen[name] = kind
		}
	}
}

func TestSlotAtRejectsMisaligned(t *testing.T) {
	_, ok := SlotAt(BootServices, Width64, 0x84)
	assert.False(t, ok)
	_, ok = SlotAt(BootServices, Width64, 0x10)
	assert.False(t, ok)
	_, ok = SlotAt(RuntimeServices, Width64, 0x1000)
	assert.False(t, ok)
}

func TestGUIDRoundTrip(t *testing.T) {
	g, err := ParseGUID("11223344-5566-7788-99aa-bbccddeeff00")
	require.NoError(t, err)

	// Native layout: first three fields little-endian.
	want := []byte{0x44, 0x33, 0x22, 0x11, 0x66, 0x55, 0x88, 0x77, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00}
	assert.Equal(t, want, g[:])

	fromFields := GUIDFromFields(0x11223344, 0x5566, 0x7788, [8]byte{0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00})
	assert.Equal(t, g, fromFields)

	fromBytes, ok := GUIDFromBytes(want)
	require.True(t, ok)
	assert.Equal(t, g, fromBytes)
}

func TestPlausible(t *testing.T) {
	assert.False(t, Plausible(GUID{}))
	var ones GUID
	for i := range ones {
		ones[i] = 0xff
	}
	assert.False(t, Plausible(ones))
	assert.True(t, Plausible(SmmBase2ProtocolGUID))
}

func TestWidthFromMachine(t *testing.T) {
	w, err := WidthFromMachine(MachineAMD64)
	require.NoError(t, err)
	assert.Equal(t, Width64, w)

	w, err = WidthFromMachine(MachineI386)
	require.NoError(t, err)
	assert.Equal(t, Width32, w)

	_, err = WidthFromMachine(0xaa64)
	assert.ErrorIs(t, err, ErrUnsupportedMachine)
}
