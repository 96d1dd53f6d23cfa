package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efiscan/internal/efi"
)

func smmModule() Module {
	return Module{Name: "SmmSample", Start: 0x1000, End: 0x2000, Entry: 0x1000, Width: efi.Width64}
}

func TestFindSmmCalloutTargets(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1100}
	out := a.call(0x5000) // outside SMRAM
	a.call(0x1800)        // inside, followed
	a.call(0x6000)        // allowlisted
	a.emit(0xC3)
	a.pc = 0x1800
	a.call(0x1100) // cycle back into the handler
	a.emit(0xC3)

	c := newTestContext(t, f, smmModule(), Options{
		SmiHandlers:    []uint64{0x1100},
		AllowedTargets: []uint64{0x6000},
	})
	got := FindSmmCallout(c)
	require.Len(t, got, 1)
	assert.Equal(t, Callout{
		Site:     out,
		Handler:  0x1100,
		Function: 0x1100,
		Target:   0x5000,
		Reason:   ReasonTarget,
	}, got[0])
	assert.Equal(t, []CallEdge{
		{0x1100, 0x5000},
		{0x1100, 0x1800},
		{0x1100, 0x6000},
		{0x1800, 0x1100},
	}, c.SmmEdges)

	// Results are replaced, not accumulated.
	again := FindSmmCallout(c)
	assert.Len(t, again, 1)
	assert.Len(t, c.SmmEdges, 4)
}

func TestFindSmmCalloutServices(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1100}
	boot := a.imm32(0x140, callRaxD32...)
	smm := a.imm32(0xD0, callRaxD32...)
	rt := a.imm32(0x48, callRaxD32...)
	inSmram := a.imm32(0x50, callRaxD32...)
	a.emit(0xC3)

	c := newTestContext(t, f, smmModule(), Options{SmiHandlers: []uint64{0x1100}})
	c.Calls[boot] = ServiceCall{Site: boot, Table: efi.BootServices, Service: "LocateProtocol"}
	c.Calls[smm] = ServiceCall{Site: smm, Table: efi.SmmServices, Service: "SmmLocateProtocol"}
	c.Calls[rt] = ServiceCall{Site: rt, Table: efi.RuntimeServices, Service: "GetVariable", Target: 0xC000_0006}
	c.Calls[inSmram] = ServiceCall{Site: inSmram, Table: efi.RuntimeServices, Service: "SetVariable", Target: 0x1F00}

	got := FindSmmCallout(c)
	require.Len(t, got, 2)
	assert.Equal(t, []uint64{boot, rt}, CalloutSites(got))
	assert.Equal(t, "gBS->LocateProtocol", got[0].Service)
	assert.Equal(t, ReasonService, got[0].Reason)
	assert.Equal(t, "gRT->GetVariable", got[1].Service)
	assert.Equal(t, uint64(0xC000_0006), got[1].Target)
}

func TestFindSmmCalloutDepthLimit(t *testing.T) {
	build := func() *fakeAdapter {
		f := newFake(0x1000, 0x1000, efi.Width64)
		a := &asm{f: f}
		for fn := uint64(0x1100); fn < 0x1400; fn += 0x100 {
			a.pc = fn
			a.call(fn + 0x100)
			a.emit(0xC3)
		}
		a.pc = 0x1400
		a.call(0x5000)
		a.emit(0xC3)
		return f
	}

	c := newTestContext(t, build(), smmModule(), Options{SmiHandlers: []uint64{0x1100}, MaxCallDepth: 2})
	assert.Empty(t, FindSmmCallout(c))

	c = newTestContext(t, build(), smmModule(), Options{SmiHandlers: []uint64{0x1100}, MaxCallDepth: 3})
	got := FindSmmCallout(c)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Depth)
	assert.Equal(t, uint64(0x1400), got[0].Function)
}

func TestFindSmmCalloutThroughPointer(t *testing.T) {
	f := newFake(0x1000, 0x1000, efi.Width64)
	a := &asm{f: f, pc: 0x1100}
	site := a.rip(0x1800, 0xFF, 0x15) // call [rip+d]
	a.rip(0x1808, 0xFF, 0x15)         // null pointer, unresolved
	a.emit(0xC3)
	f.putPtr(0x1800, 0x7000_0000)

	c := newTestContext(t, f, smmModule(), Options{
		SmiHandlers: []uint64{0x1100},
		SMRAM:       Range{Start: 0x1000, End: 0x3000},
	})
	got := FindSmmCallout(c)
	require.Len(t, got, 1)
	assert.Equal(t, site, got[0].Site)
	assert.Equal(t, uint64(0x7000_0000), got[0].Target)
}

func TestHandlerAddrsDedup(t *testing.T) {
	c := newTestContext(t, newFake(0x1000, 0x1000, efi.Width64), smmModule(), Options{SmiHandlers: []uint64{0x1200, 0x1100}})
	c.addHandler(SmiHandler{Addr: 0x1100, Source: "SmiHandlerRegister"})
	c.addHandler(SmiHandler{Addr: 0x1100, Source: "SmiHandlerRegister"})
	assert.Equal(t, []uint64{0x1100, 0x1200}, c.HandlerAddrs())
}
