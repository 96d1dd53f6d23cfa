package analysis

import (
	"fmt"

	"efiscan/internal/efi"
)

const stepWalk = "walk"

// ServiceEntry is one function pointer read from a service table.
type ServiceEntry struct {
	Name    string `json:"name"`
	Offset  uint64 `json:"offset"`
	Address uint64 `json:"address"`
}

// ServiceTable maps service names to the addresses stored at their slots.
// Entries are ordered by offset. A table that could not be walked is empty
// and carries Err.
type ServiceTable struct {
	Kind    efi.TableKind
	Base    uint64
	Entries []ServiceEntry
	Err     error
}

// Found reports whether the table was walked successfully.
func (t ServiceTable) Found() bool { return t.Err == nil && len(t.Entries) > 0 }

// Lookup returns the address stored for service name.
func (t ServiceTable) Lookup(name string) (uint64, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e.Address, true
		}
	}
	return 0, false
}

// NameOf returns the service whose slot holds addr.
func (t ServiceTable) NameOf(addr uint64) (string, bool) {
	if addr == 0 {
		return "", false
	}
	for _, e := range t.Entries {
		if e.Address == addr {
			return e.Name, true
		}
	}
	return "", false
}

// WalkTable reads the service table of kind at base: it validates the header
// signature, then reads every function slot.
func WalkTable(c *Context, kind efi.TableKind, base uint64) ServiceTable {
	t := ServiceTable{Kind: kind, Base: base}
	sig, err := c.readU64(base)
	if err != nil {
		t.Err = fmt.Errorf("%s header at 0x%x: %w", kind, base, err)
		return t
	}
	if sig != kind.Signature() {
		t.Err = fmt.Errorf("%s at 0x%x: signature 0x%x: %w", kind, base, sig, ErrNotFound)
		return t
	}
	for _, s := range efi.Slots(kind) {
		if s.Data {
			continue
		}
		off := efi.Offset(c.Width, s.Index)
		addr, err := c.readPtr(base + off)
		if err != nil {
			t.Entries = nil
			t.Err = fmt.Errorf("%s.%s: %w", kind, s.Name, err)
			return t
		}
		t.Entries = append(t.Entries, ServiceEntry{Name: s.Name, Offset: off, Address: addr})
	}
	return t
}

// systemTable returns the concrete system table address: the configured
// one, or the pointer stored in gST.
func (c *Context) systemTable() (uint64, error) {
	if c.Opts.SystemTable != 0 {
		return c.Opts.SystemTable, nil
	}
	if c.SystemTableVar == 0 {
		return 0, fmt.Errorf("system table global: %w", ErrNotFound)
	}
	st, err := c.readPtr(c.SystemTableVar)
	if err != nil {
		return 0, err
	}
	if st == 0 {
		return 0, fmt.Errorf("gST at 0x%x is not initialized: %w", c.SystemTableVar, ErrNotFound)
	}
	return st, nil
}

func (c *Context) walkFromSystemTable(kind efi.TableKind) ServiceTable {
	st, err := c.systemTable()
	if err != nil {
		return ServiceTable{Kind: kind, Err: err}
	}
	sig, err := c.readU64(st)
	if err != nil {
		return ServiceTable{Kind: kind, Err: err}
	}
	if sig != efi.SystemTableSignature {
		return ServiceTable{Kind: kind, Err: fmt.Errorf("system table at 0x%x: signature 0x%x: %w", st, sig, ErrNotFound)}
	}
	c.SystemTableAddr = st
	off, _ := efi.SlotOffset(efi.SystemTable, c.Width, kind.String())
	base, err := c.readPtr(st + off)
	if err != nil {
		return ServiceTable{Kind: kind, Err: err}
	}
	return WalkTable(c, kind, base)
}

func (c *Context) recordWalk(t ServiceTable) {
	if t.Err != nil {
		c.Diags.AddErr(stepWalk, t.Base, t.Err)
		c.Log.Info("service table unavailable", "table", t.Kind.String(), "error", t.Err.Error())
		return
	}
	c.Log.V(1).Info("service table", "table", t.Kind.String(), "base", hex(t.Base), "entries", len(t.Entries))
}

// WalkBootServices resolves EFI_BOOT_SERVICES through the system table.
func WalkBootServices(c *Context) ServiceTable {
	c.Boot = c.walkFromSystemTable(efi.BootServices)
	c.recordWalk(c.Boot)
	return c.Boot
}

// WalkRuntimeServices resolves EFI_RUNTIME_SERVICES through the system table.
func WalkRuntimeServices(c *Context) ServiceTable {
	c.Runtime = c.walkFromSystemTable(efi.RuntimeServices)
	c.recordWalk(c.Runtime)
	return c.Runtime
}

// WalkSmmServices resolves the SMM System Table from Options.Smst or the
// pointer stored in gSmst.
func WalkSmmServices(c *Context) ServiceTable {
	base := c.Opts.Smst
	if base == 0 {
		g, ok := c.globalBySym(efi.SmmServices.String())
		if !ok {
			c.Smm = ServiceTable{Kind: efi.SmmServices, Err: fmt.Errorf("gSmst: %w", ErrNotFound)}
			c.recordWalk(c.Smm)
			return c.Smm
		}
		p, err := c.readPtr(g.Addr)
		if err == nil && p == 0 {
			err = fmt.Errorf("gSmst at 0x%x is not initialized: %w", g.Addr, ErrNotFound)
		}
		if err != nil {
			c.Smm = ServiceTable{Kind: efi.SmmServices, Err: err}
			c.recordWalk(c.Smm)
			return c.Smm
		}
		base = p
	}
	c.Smm = WalkTable(c, efi.SmmServices, base)
	c.recordWalk(c.Smm)
	return c.Smm
}

// serviceAt resolves a concrete call target against the walked tables.
func (c *Context) serviceAt(target uint64) (efi.TableKind, string, bool) {
	for _, t := range []*ServiceTable{&c.Boot, &c.Runtime, &c.Smm} {
		if name, ok := t.NameOf(target); ok {
			return t.Kind, name, true
		}
	}
	return 0, "", false
}
