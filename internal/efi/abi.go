package efi

import "golang.org/x/arch/x86/x86asm"

// FrameSlot is a stack location holding an incoming argument at function
// entry, addressed relative to Base.
type FrameSlot struct {
	Base x86asm.Reg
	Disp int64
}

// ArgLoc describes where EFIAPI passes argument i.
type ArgLoc struct {
	Reg   x86asm.Reg  // X64 register, 0 when passed on the stack
	Frame []FrameSlot // IA32 stack slots after the usual prologues
}

var x64ArgRegs = []x86asm.Reg{x86asm.RCX, x86asm.RDX, x86asm.R8, x86asm.R9}

// X64 shadow space precedes the fifth argument.
const x64StackArgBase = 0x20

// ArgLocation returns the incoming location of argument idx. IA32 lists the
// ebp-framed slot first, then the frameless esp slot.
func ArgLocation(w BitWidth, idx int) ArgLoc {
	if w == Width64 {
		if idx < len(x64ArgRegs) {
			return ArgLoc{Reg: x64ArgRegs[idx]}
		}
		return ArgLoc{Frame: []FrameSlot{{Base: x86asm.RSP, Disp: int64(8 + x64StackArgBase + 8*(idx-len(x64ArgRegs)))}}}
	}
	return ArgLoc{Frame: []FrameSlot{
		{Base: x86asm.EBP, Disp: int64(8 + 4*idx)},
		{Base: x86asm.ESP, Disp: int64(4 + 4*idx)},
	}}
}

// OutgoingStackDisp returns the [sp+disp] slot a caller fills for argument
// idx when it is not passed in a register.
func OutgoingStackDisp(w BitWidth, idx int) (int64, bool) {
	if w == Width64 {
		if idx < len(x64ArgRegs) {
			return 0, false
		}
		return int64(x64StackArgBase + 8*(idx-len(x64ArgRegs))), true
	}
	return int64(4 * idx), true
}

// Volatile lists the registers a call clobbers.
func Volatile(w BitWidth) []x86asm.Reg {
	if w == Width64 {
		return []x86asm.Reg{x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11}
	}
	return []x86asm.Reg{x86asm.RAX, x86asm.RCX, x86asm.RDX}
}
