package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

// Hex is an address rendered as a 0x-prefixed string in JSON.
type Hex uint64

func (h Hex) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(h))), nil
}

func (h *Hex) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(string(b), "0x"), 16, 64)
	if err != nil {
		return err
	}
	*h = Hex(v)
	return nil
}

// Report summarizes one analysis run.
type Report struct {
	Module      string `json:"module"`
	Arch        string `json:"arch"`
	Base        Hex    `json:"base"`
	Start       Hex    `json:"start"`
	End         Hex    `json:"end"`
	Entry       Hex    `json:"entry"`
	ImageHandle Hex    `json:"image_handle,omitempty"` // gImageHandle address
	SystemTable Hex    `json:"system_table,omitempty"` // gST address

	Tables    []TableReport    `json:"tables"`
	Globals   []GlobalReport   `json:"globals,omitempty"`
	Calls     []CallReport     `json:"service_calls,omitempty"`
	Protocols []ProtocolReport `json:"protocols"`
	DataGUIDs []DataGUIDReport `json:"data_guids,omitempty"`
	Handlers  []HandlerReport  `json:"smi_handlers,omitempty"`
	Callouts  []CalloutReport  `json:"smm_callouts"`
	SmmEdges  []EdgeReport     `json:"smm_edges,omitempty"`
	Marked    []Hex            `json:"marked"`
	Diags     []Diag           `json:"diagnostics,omitempty"`
}

type TableReport struct {
	Kind    string        `json:"kind"`
	Base    Hex           `json:"base,omitempty"`
	Error   string        `json:"error,omitempty"`
	Entries []EntryReport `json:"entries,omitempty"`
}

type EntryReport struct {
	Name    string `json:"name"`
	Offset  Hex    `json:"offset"`
	Address Hex    `json:"address"`
}

type GlobalReport struct {
	Addr Hex    `json:"addr"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type CallReport struct {
	Site    Hex    `json:"site"`
	Service string `json:"service"` // e.g. gBS->LocateProtocol
	Target  Hex    `json:"target,omitempty"`
}

type ProtocolReport struct {
	GUID     string `json:"guid"`
	Name     string `json:"name,omitempty"`
	Address  Hex    `json:"address"`
	GUIDAddr Hex    `json:"guid_addr"`
	CallSite Hex    `json:"call_site"`
	Service  string `json:"service"`
	Kind     string `json:"kind"`
}

type DataGUIDReport struct {
	Addr Hex    `json:"addr"`
	GUID string `json:"guid"`
	Name string `json:"name"`
}

type HandlerReport struct {
	Addr   Hex    `json:"addr"`
	Site   Hex    `json:"site,omitempty"`
	Source string `json:"source"`
}

type CalloutReport struct {
	Site     Hex    `json:"site"`
	Handler  Hex    `json:"handler"`
	Function Hex    `json:"function"`
	Target   Hex    `json:"target,omitempty"`
	Service  string `json:"service,omitempty"`
	Depth    int    `json:"depth"`
	Reason   string `json:"reason"`
}

// EdgeReport is a call edge inside SMRAM walked by the callout detector.
type EdgeReport struct {
	Caller Hex `json:"caller"`
	Callee Hex `json:"callee"`
}

// NewReport snapshots c.
func NewReport(c *Context) *Report {
	r := &Report{
		Module:      c.Name,
		Arch:        c.Width.String(),
		Base:        Hex(c.Base),
		Start:       Hex(c.Start),
		End:         Hex(c.End),
		Entry:       Hex(c.Entry),
		ImageHandle: Hex(c.ImageHandleVar),
		SystemTable: Hex(c.SystemTableVar),
		Protocols:   []ProtocolReport{},
		Callouts:    []CalloutReport{},
		Marked:      []Hex{},
		Diags:       c.Diags.Items(),
	}
	for _, t := range []ServiceTable{c.Boot, c.Runtime, c.Smm} {
		if t.Base == 0 && t.Err == nil {
			continue
		}
		tr := TableReport{Kind: t.Kind.String(), Base: Hex(t.Base)}
		if t.Err != nil {
			tr.Error = t.Err.Error()
		}
		for _, e := range t.Entries {
			tr.Entries = append(tr.Entries, EntryReport{Name: e.Name, Offset: Hex(e.Offset), Address: Hex(e.Address)})
		}
		r.Tables = append(r.Tables, tr)
	}
	for _, g := range c.SortedGlobals() {
		r.Globals = append(r.Globals, GlobalReport{Addr: Hex(g.Addr), Name: g.Name, Type: g.Type})
	}
	for _, sc := range c.SortedCalls() {
		r.Calls = append(r.Calls, CallReport{Site: Hex(sc.Site), Service: sc.Table.VarName() + "->" + sc.Service, Target: Hex(sc.Target)})
	}
	for _, p := range c.Protocols {
		r.Protocols = append(r.Protocols, ProtocolReport{
			GUID:     p.GUIDString,
			Name:     p.Name,
			Address:  Hex(p.Address),
			GUIDAddr: Hex(p.GUIDAddr),
			CallSite: Hex(p.CallSite),
			Service:  p.Service,
			Kind:     string(p.Kind),
		})
	}
	for _, d := range c.DataGUIDs {
		r.DataGUIDs = append(r.DataGUIDs, DataGUIDReport{Addr: Hex(d.Addr), GUID: d.Text, Name: d.Name})
	}
	for _, h := range c.Handlers {
		r.Handlers = append(r.Handlers, HandlerReport{Addr: Hex(h.Addr), Site: Hex(h.Site), Source: h.Source})
	}
	for _, co := range c.Callouts {
		r.Callouts = append(r.Callouts, CalloutReport{
			Site:     Hex(co.Site),
			Handler:  Hex(co.Handler),
			Function: Hex(co.Function),
			Target:   Hex(co.Target),
			Service:  co.Service,
			Depth:    co.Depth,
			Reason:   co.Reason,
		})
	}
	for _, e := range c.SmmEdges {
		r.SmmEdges = append(r.SmmEdges, EdgeReport{Caller: Hex(e.Caller), Callee: Hex(e.Callee)})
	}
	for _, a := range c.Marked.Sorted() {
		r.Marked = append(r.Marked, Hex(a))
	}
	return r
}

// Summary is a one-line description of r for progress output.
func (r *Report) Summary() string {
	installed, consumed := 0, 0
	for _, p := range r.Protocols {
		if p.Kind == string(Installed) {
			installed++
		} else {
			consumed++
		}
	}
	return fmt.Sprintf("%s (%s): %d globals, %d service calls, %d installed / %d consumed protocols, %d SMI handlers, %d callouts",
		r.Module, r.Arch, len(r.Globals), len(r.Calls), installed, consumed, len(r.Handlers), len(r.Callouts))
}
