package analysis

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"efiscan/internal/disasm"
	"efiscan/internal/efi"
)

// Bindings carries values captured by earlier shapes of a pattern.
type Bindings struct {
	Reg    x86asm.Reg // register holding the tracked argument
	Global uint64     // global the argument was stored to

	// StackDelta is how far the stack pointer has moved down since the
	// first instruction of the scanned body. StackLost is set once that
	// distance can no longer be followed.
	StackDelta int64
	StackLost  bool
}

// Shape is a single-instruction predicate. It may read and extend b.
type Shape func(inst disasm.Inst, b *Bindings) bool

// Pattern is an ordered list of shapes matched in program order. Other
// instructions may appear between shapes as long as they do not overwrite
// the bound register.
type Pattern struct {
	Name   string
	Source x86asm.Reg // incoming argument register; 0 for stack arguments
	Seed   Bindings
	Shapes []Shape
}

// Match is a successful pattern match.
type Match struct {
	Pattern string
	Global  uint64
	Site    uint64 // address of the final instruction
}

// ArgStorePatterns generates the patterns recognizing "argument idx is
// stored to a global" for width w:
//
//	register-store  mov [g], <argreg>
//	register-copy   mov r, <argreg> ... mov [g], r
//	frame-load      mov r, [ebp+8+4*idx] ... mov [g], r
func ArgStorePatterns(w efi.BitWidth, idx int) []Pattern {
	loc := efi.ArgLocation(w, idx)
	var out []Pattern
	if loc.Reg != 0 {
		out = append(out,
			Pattern{
				Name:   "register-store",
				Source: loc.Reg,
				Seed:   Bindings{Reg: loc.Reg},
				Shapes: []Shape{storeBound},
			},
			Pattern{
				Name:   "register-copy",
				Source: loc.Reg,
				Shapes: []Shape{copyFrom(loc.Reg), storeBound},
			},
		)
	}
	for _, slot := range loc.Frame {
		out = append(out, Pattern{
			Name:   fmt.Sprintf("frame-load[%s+%d]", slot.Base, slot.Disp),
			Shapes: []Shape{loadFrame(slot), storeBound},
		})
	}
	return out
}

// storeBound matches mov [abs], r where r is the bound register.
func storeBound(inst disasm.Inst, b *Bindings) bool {
	if inst.Op.Op != x86asm.MOV {
		return false
	}
	m, ok := inst.Op.Args[0].(x86asm.Mem)
	if !ok {
		return false
	}
	src, ok := inst.Op.Args[1].(x86asm.Reg)
	if !ok || !disasm.SameReg(src, b.Reg) {
		return false
	}
	addr, ok := disasm.MemAddr(inst, m)
	if !ok {
		return false
	}
	b.Global = addr
	return true
}

// copyFrom matches mov r, src and binds r.
func copyFrom(src x86asm.Reg) Shape {
	return func(inst disasm.Inst, b *Bindings) bool {
		if inst.Op.Op != x86asm.MOV {
			return false
		}
		dst, ok := inst.Op.Args[0].(x86asm.Reg)
		if !ok {
			return false
		}
		r, ok := inst.Op.Args[1].(x86asm.Reg)
		if !ok || !disasm.SameReg(r, src) || disasm.SameReg(dst, src) {
			return false
		}
		if _, ok := disasm.Canon(dst); !ok {
			return false
		}
		b.Reg = dst
		return true
	}
}

// loadFrame matches mov r, [base+disp] and binds r.
func loadFrame(slot efi.FrameSlot) Shape {
	return func(inst disasm.Inst, b *Bindings) bool {
		if inst.Op.Op != x86asm.MOV {
			return false
		}
		dst, ok := inst.Op.Args[0].(x86asm.Reg)
		if !ok {
			return false
		}
		m, ok := inst.Op.Args[1].(x86asm.Mem)
		if !ok || m.Index != 0 || !disasm.SameReg(m.Base, slot.Base) {
			return false
		}
		want := slot.Disp
		if isSP(slot.Base) {
			if b.StackLost {
				return false
			}
			want += b.StackDelta
		}
		if m.Disp != want {
			return false
		}
		if _, ok := disasm.Canon(dst); !ok {
			return false
		}
		b.Reg = dst
		return true
	}
}

func isSP(r x86asm.Reg) bool {
	c, ok := disasm.Canon(r)
	return ok && c == x86asm.RSP
}

// stackEffect returns how many bytes inst moves the stack pointer down.
// ok is false when the new stack pointer cannot be derived from the old.
func stackEffect(inst disasm.Inst) (delta int64, ok bool) {
	ptr := int64(inst.Op.Mode / 8)
	args := inst.Op.Args
	switch inst.Op.Op {
	case x86asm.PUSH:
		return ptr, true
	case x86asm.POP:
		if r, isReg := args[0].(x86asm.Reg); isReg && isSP(r) {
			return 0, false
		}
		return -ptr, true
	case x86asm.LEAVE:
		return 0, false
	case x86asm.SUB, x86asm.ADD:
		r, isReg := args[0].(x86asm.Reg)
		if !isReg || !isSP(r) {
			return 0, true
		}
		imm, isImm := args[1].(x86asm.Imm)
		if !isImm {
			return 0, false
		}
		if inst.Op.Op == x86asm.SUB {
			return int64(imm), true
		}
		return -int64(imm), true
	}
	if r, w := disasm.DstReg(inst); w && isSP(r) {
		return 0, false
	}
	return 0, true
}

// writes reports whether inst overwrites (the family of) r.
func writes(inst disasm.Inst, r x86asm.Reg) bool {
	if r == 0 {
		return false
	}
	if inst.Op.Op == x86asm.CALL {
		return true
	}
	if inst.Op.Op == x86asm.XCHG {
		for _, a := range inst.Op.Args {
			if reg, ok := a.(x86asm.Reg); ok && disasm.SameReg(reg, r) {
				return true
			}
		}
	}
	if inst.Op.Op == x86asm.POP {
		if reg, ok := inst.Op.Args[0].(x86asm.Reg); ok {
			return disasm.SameReg(reg, r)
		}
		return false
	}
	dst, ok := disasm.DstReg(inst)
	return ok && disasm.SameReg(dst, r)
}

// MatchAt tries p starting at insts[start]. valid filters candidate globals.
// Stack-relative shapes see displacements adjusted by the stack movement
// of insts[:start].
func (p Pattern) MatchAt(insts []disasm.Inst, start int, valid func(uint64) bool) (Match, bool) {
	b := p.Seed
	for _, inst := range insts[:start] {
		d, ok := stackEffect(inst)
		b.StackDelta += d
		b.StackLost = b.StackLost || !ok
	}
	k := 0
	for i := start; i < len(insts); i++ {
		inst := insts[i]
		if p.Shapes[k](inst, &b) {
			if k == len(p.Shapes)-1 {
				if valid != nil && !valid(b.Global) {
					return Match{}, false
				}
				return Match{Pattern: p.Name, Global: b.Global, Site: inst.Addr}, true
			}
			k++
			continue
		}
		if k == 0 {
			// The first shape must match at start.
			return Match{}, false
		}
		if writes(inst, b.Reg) {
			return Match{}, false
		}
	}
	return Match{}, false
}

// FirstMatch returns the match whose final instruction comes first in
// program order across all patterns. Pattern order breaks ties.
func FirstMatch(insts []disasm.Inst, patterns []Pattern, valid func(uint64) bool) (Match, bool) {
	var best Match
	found := false
	for _, p := range patterns {
		for start := range insts {
			if m, ok := p.MatchAt(insts, start, valid); ok {
				if !found || m.Site < best.Site {
					best, found = m, true
				}
				break
			}
			// An overwritten incoming register holds a different value.
			if writes(insts[start], p.Source) {
				break
			}
		}
	}
	return best, found
}
