package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Call kinds.
const (
	CallDirect = "call"     // call rel32
	CallMem    = "call_mem" // call [rip+x] / call [abs]
	CallRegMem = "call_reg_mem"
	CallReg    = "call_reg"
)

// CallEdge represents a call site extracted from disassembly.
type CallEdge struct {
	FromPC     uint64 `json:"from_pc"`
	Kind       string `json:"kind"`
	TargetPC   uint64 `json:"target_pc,omitempty"` // resolved VA for direct calls
	MemAddr    uint64 `json:"mem_addr,omitempty"`  // pointer slot for call_mem
	Reg        string `json:"reg,omitempty"`       // base register for call_reg(_mem)
	Disp       int64  `json:"disp,omitempty"`
	TargetName string `json:"target_name,omitempty"`
	Via        string `json:"via,omitempty"` // provenance of the base register
}

// RegDef records the last definition of a register within the window.
type RegDef struct {
	Annotation string // symbolic provenance, e.g. "BootServices"
	Value      uint64 // concrete value when HasValue
	HasValue   bool
	Site       uint64 // address of the defining instruction
	Age        int    // instructions since definition
}

// Known reports whether the definition carries any information.
func (d RegDef) Known() bool { return d.Annotation != "" || d.HasValue }

// RegTracker tracks last-def provenance for the 16 general purpose registers.
// Definitions older than the window are expired.
type RegTracker struct {
	defs [16]RegDef // RAX..R15
	w    int
}

// NewRegTracker creates a tracker with the given window size.
func NewRegTracker(w int) *RegTracker {
	return &RegTracker{w: w}
}

// Reset clears all tracked definitions. Call between functions.
func (rt *RegTracker) Reset() {
	for i := range rt.defs {
		rt.defs[i] = RegDef{}
	}
}

// Tick ages all definitions by 1 and expires those beyond the window.
func (rt *RegTracker) Tick() {
	for i := range rt.defs {
		if rt.defs[i].Known() {
			rt.defs[i].Age++
			if rt.defs[i].Age > rt.w {
				rt.defs[i] = RegDef{}
			}
		}
	}
}

func regIndex(r x86asm.Reg) int {
	c, ok := Canon(r)
	if !ok {
		return -1
	}
	return int(c - x86asm.RAX)
}

// Define records that register r was defined with d.
func (rt *RegTracker) Define(r x86asm.Reg, d RegDef) {
	i := regIndex(r)
	if i < 0 {
		return
	}
	d.Age = 0
	rt.defs[i] = d
}

// Lookup returns the definition of r, or false if expired/unknown.
func (rt *RegTracker) Lookup(r x86asm.Reg) (RegDef, bool) {
	i := regIndex(r)
	if i < 0 || !rt.defs[i].Known() {
		return RegDef{}, false
	}
	return rt.defs[i], true
}

// Kill clears the definition for a register (e.g. when overwritten by an
// untracked instruction).
func (rt *RegTracker) Kill(r x86asm.Reg) {
	if i := regIndex(r); i >= 0 {
		rt.defs[i] = RegDef{}
	}
}

// DecodeCall classifies a CALL instruction.
func DecodeCall(inst Inst) (CallEdge, bool) {
	if inst.Op.Op != x86asm.CALL {
		return CallEdge{}, false
	}
	e := CallEdge{FromPC: inst.Addr}
	switch a := inst.Op.Args[0].(type) {
	case x86asm.Rel:
		t, _ := RelTarget(inst)
		e.Kind, e.TargetPC = CallDirect, t
	case x86asm.Mem:
		if addr, ok := MemAddr(inst, a); ok {
			e.Kind, e.MemAddr = CallMem, addr
			break
		}
		if a.Index != 0 {
			return CallEdge{}, false
		}
		e.Kind, e.Reg, e.Disp = CallRegMem, a.Base.String(), a.Disp
	case x86asm.Reg:
		e.Kind, e.Reg = CallReg, a.String()
	default:
		return CallEdge{}, false
	}
	return e, true
}

// CallBase returns the base register of a call_reg or call_reg_mem call.
func CallBase(inst Inst) (x86asm.Reg, bool) {
	switch a := inst.Op.Args[0].(type) {
	case x86asm.Mem:
		if a.Base == 0 || a.Base == x86asm.RIP || a.Index != 0 {
			return 0, false
		}
		return a.Base, true
	case x86asm.Reg:
		return a, true
	}
	return 0, false
}

// ExtractCallEdges scans instructions for call sites.
// Uses register tracking with window w to attach provenance to indirect calls.
// annotators are run per-instruction to populate the register tracker.
// symbols resolves direct call targets to names.
func ExtractCallEdges(insts []Inst, symbols SymbolLookup, annotators []Annotator, w int) []CallEdge {
	rt := NewRegTracker(w)
	var edges []CallEdge

	for _, inst := range insts {
		if e, ok := DecodeCall(inst); ok {
			if e.Kind == CallDirect && symbols != nil {
				if name, found := symbols(e.TargetPC); found {
					e.TargetName = name
				}
			}
			if base, ok := CallBase(inst); ok {
				if d, ok := rt.Lookup(base); ok {
					e.Via = d.Annotation
				}
			}
			edges = append(edges, e)
			rt.Tick()
			continue
		}
		if DecodeBranch(inst) != nil {
			rt.Reset()
			continue
		}

		// Annotated register definitions (global loads) carry provenance.
		var annotation string
		for _, ann := range annotators {
			if s := ann(inst); s != "" {
				annotation = s
				break
			}
		}

		rd, writes := DstReg(inst)
		rt.Tick()
		if !writes {
			continue
		}
		if annotation != "" && inst.Op.Op == x86asm.MOV {
			rt.Define(rd, RegDef{Annotation: annotation, Site: inst.Addr})
			continue
		}
		rt.Kill(rd)
	}

	return edges
}

// readOnlyFirstArg lists ops whose first operand is a source.
var readOnlyFirstArg = map[x86asm.Op]bool{
	x86asm.CMP: true, x86asm.TEST: true, x86asm.PUSH: true, x86asm.BT: true,
	x86asm.CALL: true, x86asm.JMP: true, x86asm.NOP: true,
}

// DstReg returns the register written by inst when its first operand is a
// general purpose register.
func DstReg(inst Inst) (x86asm.Reg, bool) {
	if readOnlyFirstArg[inst.Op.Op] {
		return 0, false
	}
	r, ok := inst.Op.Args[0].(x86asm.Reg)
	if !ok {
		return 0, false
	}
	if _, ok := Canon(r); !ok {
		return 0, false
	}
	return r, true
}

// FormatCallEdge renders a call edge for listings and logs.
func FormatCallEdge(e CallEdge) string {
	switch e.Kind {
	case CallDirect:
		if e.TargetName != "" {
			return fmt.Sprintf("call %s", e.TargetName)
		}
		return fmt.Sprintf("call 0x%x", e.TargetPC)
	case CallMem:
		return fmt.Sprintf("call [0x%x]", e.MemAddr)
	case CallRegMem:
		if e.Via != "" {
			return fmt.Sprintf("call [%s+0x%x] (%s)", e.Reg, e.Disp, e.Via)
		}
		return fmt.Sprintf("call [%s+0x%x]", e.Reg, e.Disp)
	}
	return fmt.Sprintf("call %s", e.Reg)
}
