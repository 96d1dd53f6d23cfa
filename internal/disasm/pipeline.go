package disasm

import "fmt"

// FuncRecord is one line in functions.jsonl.
type FuncRecord struct {
	PC    string `json:"pc"`
	Size  int    `json:"size"`
	Name  string `json:"name"`
	Insts int    `json:"insts"`
	Calls int    `json:"calls,omitempty"`
}

// CallEdgeRecord is one line in call_edges.jsonl.
type CallEdgeRecord struct {
	FromFunc string `json:"from_func"`
	FromPC   string `json:"from_pc"`
	Kind     string `json:"kind"`             // CallDirect, CallMem, CallRegMem, CallReg
	Target   string `json:"target,omitempty"` // resolved name or "0x..." for direct calls
	Mem      string `json:"mem,omitempty"`    // pointer slot for call_mem
	Reg      string `json:"reg,omitempty"`
	Disp     int64  `json:"disp,omitempty"`
	Via      string `json:"via,omitempty"` // provenance of the base register
}

// NewFuncRecord summarizes a decoded function body.
func NewFuncRecord(name string, insts []Inst, edges []CallEdge) FuncRecord {
	r := FuncRecord{Name: name, Insts: len(insts), Calls: len(edges)}
	if len(insts) > 0 {
		r.PC = fmt.Sprintf("0x%x", insts[0].Addr)
		r.Size = int(insts[len(insts)-1].Next() - insts[0].Addr)
	}
	return r
}

// NewCallEdgeRecord converts an extracted call edge into its JSONL form.
func NewCallEdgeRecord(fromFunc string, e CallEdge) CallEdgeRecord {
	r := CallEdgeRecord{
		FromFunc: fromFunc,
		FromPC:   fmt.Sprintf("0x%x", e.FromPC),
		Kind:     e.Kind,
		Reg:      e.Reg,
		Disp:     e.Disp,
		Via:      e.Via,
	}
	switch e.Kind {
	case CallDirect:
		r.Target = e.TargetName
		if r.Target == "" {
			r.Target = fmt.Sprintf("0x%x", e.TargetPC)
		}
	case CallMem:
		r.Mem = fmt.Sprintf("0x%x", e.MemAddr)
	}
	return r
}
