package analysis

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efiscan/internal/efi"
)

func TestNewContextValidates(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	tests := []struct {
		name    string
		adapter Adapter
		m       Module
	}{
		{"nil adapter", nil, x64Module()},
		{"bad width", f, Module{Start: 0x1000, End: 0x2000, Width: 16}},
		{"empty range", f, Module{Start: 0x2000, End: 0x2000, Width: efi.Width64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewContext(tt.m, tt.adapter, nil, Options{})
			assert.Error(t, err)
		})
	}

	c, err := NewContext(x64Module(), f, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxCallDepth, c.Opts.MaxCallDepth)
	assert.Contains(t, c.Opts.AllowedServices, "SmiHandlerRegister")
	assert.NotContains(t, c.Opts.AllowedServices, "LocateProtocol")
}

func TestMarkedSet(t *testing.T) {
	var s MarkedSet
	assert.False(t, s.Has(0x10))
	assert.True(t, s.Add(0x20))
	assert.True(t, s.Add(0x10))
	assert.False(t, s.Add(0x20))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []uint64{0x10, 0x20}, s.Sorted())
}

func TestDiagsClassify(t *testing.T) {
	var d Diags
	d.AddErr("walk", 0x10, fmt.Errorf("boot services: %w", ErrNotFound))
	d.AddErr("walk", 0x20, adapterErr("read", 0x20, errors.New("unmapped")))
	d.AddErr("mark", 0x30, errors.New("odd"))
	d.Addf("resolve", 0x40, DiagSkipped, "%d steps", 2)

	require.Equal(t, 4, d.Len())
	assert.Equal(t, 1, d.Count(DiagNotFound))
	assert.Equal(t, 1, d.Count(DiagAdapter))
	assert.Equal(t, 1, d.Count(DiagUnresolved))
	assert.Equal(t, "[skipped] resolve 0x40: 2 steps", d.Items()[3].String())
}

func TestNilDatabaseLeavesNamesEmpty(t *testing.T) {
	r, _ := installProgram(sampleGUID, false)
	c, err := NewContext(x64Module(), r, nil, Options{})
	require.NoError(t, err)

	got := ResolveProtocols(c)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Name)
}
