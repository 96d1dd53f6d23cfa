package disasm

import "golang.org/x/arch/x86/x86asm"

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation. Receives the full Inst for access
// to both raw encoding and address.
type Annotator func(inst Inst) string

// MemRef returns the first absolute memory operand of inst (RIP-relative on
// X64, absolute displacement on IA32) and its operand index.
func MemRef(inst Inst) (addr uint64, arg int, ok bool) {
	for i, a := range inst.Op.Args {
		if a == nil {
			break
		}
		m, isMem := a.(x86asm.Mem)
		if !isMem {
			continue
		}
		if addr, ok := MemAddr(inst, m); ok {
			return addr, i, true
		}
	}
	return 0, 0, false
}

// GlobalAnnotator annotates loads and stores of known global variables.
// globals maps variable address → name (e.g. "gBS").
func GlobalAnnotator(globals map[uint64]string) Annotator {
	return func(inst Inst) string {
		addr, _, ok := MemRef(inst)
		if !ok {
			return ""
		}
		if name, found := globals[addr]; found {
			return name
		}
		return ""
	}
}

// CommentAnnotator returns fixed per-address comments.
func CommentAnnotator(comments map[uint64]string) Annotator {
	return func(inst Inst) string {
		return comments[inst.Addr]
	}
}
