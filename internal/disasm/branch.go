package disasm

import "golang.org/x/arch/x86/x86asm"

// x86 branch detection from decoded instructions.
// These functions identify basic-block terminators and extract branch targets.

// BranchInfo describes a decoded branch instruction.
type BranchInfo struct {
	Target   uint64 // absolute target address (0 if RET or indirect)
	Cond     bool   // true if conditional (has fallthrough)
	IsRet    bool   // true if RET or a trapping instruction
	Indirect bool   // jump through register or memory
}

var condJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JNO: true, x86asm.JO: true,
	x86asm.JNP: true, x86asm.JP: true, x86asm.JNS: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// DecodeBranch returns branch information for inst, or nil if the
// instruction does not transfer control within the function. CALL is not a
// branch: calls return to the next instruction.
func DecodeBranch(inst Inst) *BranchInfo {
	switch op := inst.Op.Op; {
	case op == x86asm.RET || op == x86asm.LRET || op == x86asm.UD2 || op == x86asm.HLT:
		return &BranchInfo{IsRet: true}
	case op == x86asm.INT && isImm(inst.Op.Args[0], 3):
		// int3 padding between functions
		return &BranchInfo{IsRet: true}
	case op == x86asm.JMP:
		if t, ok := RelTarget(inst); ok {
			return &BranchInfo{Target: t}
		}
		return &BranchInfo{Indirect: true}
	case condJumps[op]:
		if t, ok := RelTarget(inst); ok {
			return &BranchInfo{Target: t, Cond: true}
		}
		return &BranchInfo{Cond: true, Indirect: true}
	}
	return nil
}

// RelTarget returns the absolute target of a relative branch or call.
func RelTarget(inst Inst) (uint64, bool) {
	rel, ok := inst.Op.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	t := uint64(int64(inst.Next()) + int64(rel))
	if inst.Op.Mode == 32 {
		t = uint64(uint32(t))
	}
	return t, true
}

// IsBranchTerminator returns true if the instruction terminates a basic block.
func IsBranchTerminator(inst Inst) bool {
	return DecodeBranch(inst) != nil
}

func isImm(a x86asm.Arg, v int64) bool {
	imm, ok := a.(x86asm.Imm)
	return ok && int64(imm) == v
}
