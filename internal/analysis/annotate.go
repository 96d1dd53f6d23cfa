package analysis

import (
	"fmt"

	"efiscan/internal/efi"
)

const stepMark = "mark"

// GUIDType is the type applied to GUID constants.
const GUIDType = "EFI_GUID"

// DataGUID is a known GUID found in a data section.
type DataGUID struct {
	Addr uint64   `json:"addr"`
	GUID efi.GUID `json:"-"`
	Text string   `json:"guid"`
	Name string   `json:"name"`
}

// MarkProtocols annotates every protocol entry not yet marked: a comment at
// the referencing instruction, and a name and EFI_GUID type on the constant.
// Each address is written at most once per Context.
func MarkProtocols(c *Context) {
	for _, e := range c.Protocols {
		if c.Marked.Has(e.Address) {
			continue
		}
		label := e.Name
		if label == "" {
			label = e.GUIDString
		}
		if err := c.Adapter.SetComment(e.Address, fmt.Sprintf("%s: %s", e.Service, label)); err != nil {
			c.Diags.AddErr(stepMark, e.Address, adapterErr("comment", e.Address, err))
			continue
		}
		c.Marked.Add(e.Address)
		c.labelGUID(e.GUIDAddr, e.GUID, e.Name)
	}
}

// labelGUID renames and types a GUID constant once.
func (c *Context) labelGUID(addr uint64, g efi.GUID, name string) {
	if addr == 0 || c.MarkedData.Has(addr) {
		return
	}
	label := sanitize(name)
	if label == "" {
		label = fmt.Sprintf("UnknownGuid_%x", addr)
	}
	if err := c.Adapter.Rename(addr, label); err != nil {
		c.Diags.AddErr(stepMark, addr, adapterErr("rename", addr, err))
		return
	}
	if err := c.Adapter.ApplyType(addr, GUIDType); err != nil {
		c.Diags.AddErr(stepMark, addr, adapterErr("type", addr, err))
	}
	c.MarkedData.Add(addr)
}

// MarkDataGuids scans data ranges at 4-byte alignment for GUIDs the
// knowledge base knows and labels each once.
func MarkDataGuids(c *Context) []DataGUID {
	seen := make(map[uint64]bool, len(c.DataGUIDs))
	for _, d := range c.DataGUIDs {
		seen[d.Addr] = true
	}
	for _, r := range c.dataRanges() {
		buf, err := c.read(r.Start, int(r.End-r.Start))
		if err != nil {
			c.Diags.AddErr(stepMark, r.Start, err)
			continue
		}
		for off := 0; off+efi.GUIDSize <= len(buf); off += 4 {
			g, _ := efi.GUIDFromBytes(buf[off:])
			if !efi.Plausible(g) {
				continue
			}
			name, ok := c.DB.Lookup(g)
			if !ok {
				continue
			}
			addr := r.Start + uint64(off)
			if !seen[addr] {
				seen[addr] = true
				c.DataGUIDs = append(c.DataGUIDs, DataGUID{Addr: addr, GUID: g, Text: g.String(), Name: name})
			}
			c.labelGUID(addr, g, name)
		}
	}
	return c.DataGUIDs
}

// MarkGlobals names and types discovered globals.
func MarkGlobals(c *Context) {
	for _, g := range c.SortedGlobals() {
		if c.MarkedData.Has(g.Addr) {
			continue
		}
		if err := c.Adapter.Rename(g.Addr, g.Name); err != nil {
			c.Diags.AddErr(stepMark, g.Addr, adapterErr("rename", g.Addr, err))
			continue
		}
		if err := c.Adapter.ApplyType(g.Addr, g.Type); err != nil {
			c.Diags.AddErr(stepMark, g.Addr, adapterErr("type", g.Addr, err))
		}
		c.MarkedData.Add(g.Addr)
	}
}

// MarkServiceCalls comments resolved service call sites, e.g. "gBS->LocateProtocol".
func MarkServiceCalls(c *Context) {
	for _, sc := range c.SortedCalls() {
		if c.MarkedCalls.Has(sc.Site) {
			continue
		}
		text := fmt.Sprintf("%s->%s", sc.Table.VarName(), sc.Service)
		if err := c.Adapter.SetComment(sc.Site, text); err != nil {
			c.Diags.AddErr(stepMark, sc.Site, adapterErr("comment", sc.Site, err))
			continue
		}
		c.MarkedCalls.Add(sc.Site)
	}
}
