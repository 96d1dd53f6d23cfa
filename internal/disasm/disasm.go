// Package disasm provides IA32 and X64 disassembly for UEFI module code.
package disasm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// ErrDecode is returned when no instruction can be decoded at an address.
var ErrDecode = errors.New("disasm: undecodable instruction")

// Inst is a decoded x86 instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      []byte
	Size     int
	Op       x86asm.Inst
	Mnemonic string
	Operands string
	Text     string // full disassembly line, Intel syntax
}

// Next returns the address of the following instruction.
func (i Inst) Next() uint64 { return i.Addr + uint64(i.Size) }

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64       // VA of the first byte in Data
	Mode     int          // 32 or 64; 0 = 64
	MaxSteps int          // maximum instructions to decode; 0 = 10M
	Symbols  SymbolLookup // optional symbol resolver
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

func (o Options) mode() int {
	if o.Mode == 32 {
		return 32
	}
	return 64
}

// Decode decodes the instruction at the start of data, located at addr.
func Decode(data []byte, addr uint64, mode int, symbols SymbolLookup) (Inst, error) {
	op, err := x86asm.Decode(data, mode)
	if err != nil {
		return Inst{}, fmt.Errorf("%w at 0x%x: %v", ErrDecode, addr, err)
	}
	if op.Op == 0 {
		// Prefixes with no opcode before the end of data.
		return Inst{}, fmt.Errorf("%w at 0x%x: truncated", ErrDecode, addr)
	}
	raw := make([]byte, op.Len)
	copy(raw, data[:op.Len])

	text := x86asm.IntelSyntax(op, addr, symLookup(symbols))
	mnemonic, operands := text, ""
	if i := strings.IndexByte(text, ' '); i >= 0 {
		mnemonic, operands = text[:i], strings.TrimSpace(text[i+1:])
	}
	return Inst{
		Addr:     addr,
		Raw:      raw,
		Size:     op.Len,
		Op:       op,
		Mnemonic: mnemonic,
		Operands: operands,
		Text:     text,
	}, nil
}

// Disassemble linearly decodes instructions from a byte region.
// Undecodable bytes become one-byte ".byte" pseudo instructions.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	mode := opts.mode()

	var result []Inst
	for off := 0; off < len(data) && len(result) < maxSteps; {
		addr := opts.BaseAddr + uint64(off)
		inst, err := Decode(data[off:], addr, mode, opts.Symbols)
		if err != nil {
			b := data[off]
			inst = Inst{
				Addr:     addr,
				Raw:      []byte{b},
				Size:     1,
				Mnemonic: ".byte",
				Operands: fmt.Sprintf("0x%02x", b),
				Text:     fmt.Sprintf(".byte 0x%02x", b),
			}
		}
		result = append(result, inst)
		off += inst.Size
	}
	return result
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		fmt.Fprintf(&b, "%-24s  ", hex.EncodeToString(inst.Raw))
		b.WriteString(inst.Text)
		commented := false
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlaceholderLookup returns a SymbolLookup over a fixed address → name map.
func PlaceholderLookup(entryPoints map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := entryPoints[addr]; ok {
			return name, true
		}
		return "", false
	}
}

func symLookup(symbols SymbolLookup) x86asm.SymLookup {
	if symbols == nil {
		return nil
	}
	return func(addr uint64) (string, uint64) {
		if name, ok := symbols(addr); ok {
			return name, addr
		}
		return "", 0
	}
}

// MemAddr returns the absolute address referenced by m when it does not
// depend on a general purpose register: RIP-relative on X64, absolute
// displacement on IA32.
func MemAddr(inst Inst, m x86asm.Mem) (uint64, bool) {
	if m.Index != 0 {
		return 0, false
	}
	switch m.Base {
	case x86asm.RIP:
		return inst.Next() + uint64(m.Disp), true
	case 0:
		if inst.Op.Mode == 32 {
			return uint64(uint32(m.Disp)), true
		}
		return uint64(m.Disp), true
	}
	return 0, false
}

// Canon maps a 16, 32 or 64-bit general purpose register to its 64-bit
// family register. Byte registers and non-GPRs are not tracked.
func Canon(r x86asm.Reg) (x86asm.Reg, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return r, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX), true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX), true
	}
	return 0, false
}

// SameReg reports whether a and b belong to the same register family.
func SameReg(a, b x86asm.Reg) bool {
	ca, ok1 := Canon(a)
	cb, ok2 := Canon(b)
	return ok1 && ok2 && ca == cb
}
