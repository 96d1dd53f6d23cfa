package image

import (
	"fmt"

	"efiscan/internal/analysis"
	"efiscan/internal/disasm"
)

// Module describes the image for analysis.Context.
func (img *Image) Module() analysis.Module {
	return analysis.Module{
		Name:  img.Name,
		Base:  img.Base,
		Start: img.Base,
		End:   img.End(),
		Entry: img.Entry,
		Width: img.Width,
	}
}

// ReadBytes returns a copy of the n bytes at addr.
func (img *Image) ReadBytes(addr uint64, n int) ([]byte, error) {
	if n < 0 || !img.Contains(addr) || addr+uint64(n) > img.End() {
		return nil, fmt.Errorf("%w: [0x%x, +%d)", ErrUnmapped, addr, n)
	}
	off := addr - img.Base
	out := make([]byte, n)
	copy(out, img.mem[off:])
	return out, nil
}

// readUpTo returns at most n bytes at addr without copying; short at the end
// of the mapping.
func (img *Image) readUpTo(addr uint64, n int) ([]byte, error) {
	if !img.Contains(addr) {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	off := addr - img.Base
	end := min(off+uint64(n), img.Size())
	return img.mem[off:end], nil
}

// Decode decodes the instruction at addr.
func (img *Image) Decode(addr uint64) (disasm.Inst, error) {
	b, err := img.readUpTo(addr, disasm.MaxInstLen)
	if err != nil {
		return disasm.Inst{}, err
	}
	return disasm.Decode(b, addr, img.Width.Mode(), img.Symbol)
}

// Function decodes the body of the function at addr.
func (img *Image) Function(addr uint64) ([]disasm.Inst, error) {
	insts, err := disasm.FunctionBody(img.readUpTo, addr, img.Width.Mode(), 0)
	if err != nil {
		return nil, err
	}
	for i := range insts {
		// FunctionBody decodes without symbols
		if inst, err := disasm.Decode(insts[i].Raw, insts[i].Addr, img.Width.Mode(), img.Symbol); err == nil {
			insts[i] = inst
		}
	}
	return insts, nil
}

// EnumerateCalls returns the call sites in the function at fn.
func (img *Image) EnumerateCalls(fn uint64) ([]uint64, error) {
	insts, err := disasm.FunctionBody(img.readUpTo, fn, img.Width.Mode(), 0)
	if err != nil {
		return nil, err
	}
	return disasm.CallSites(insts), nil
}

// Ranges lists the mapped sections.
func (img *Image) Ranges() []analysis.Range {
	out := make([]analysis.Range, len(img.Segments))
	for i, s := range img.Segments {
		out[i] = analysis.Range{Start: s.Start, End: s.End, Exec: s.Exec}
	}
	return out
}

func (img *Image) checkAddr(addr uint64) error {
	if !img.Contains(addr) {
		return fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	return nil
}

// Rename names addr.
func (img *Image) Rename(addr uint64, name string) error {
	if err := img.checkAddr(addr); err != nil {
		return err
	}
	return img.notes.Set(addr, KindName, name)
}

// SetComment attaches a comment to addr.
func (img *Image) SetComment(addr uint64, text string) error {
	if err := img.checkAddr(addr); err != nil {
		return err
	}
	return img.notes.Set(addr, KindComment, text)
}

// ApplyType records the C type of the data at addr.
func (img *Image) ApplyType(addr uint64, typ string) error {
	if err := img.checkAddr(addr); err != nil {
		return err
	}
	return img.notes.Set(addr, KindType, typ)
}

// Symbol resolves names assigned through Rename. It satisfies
// disasm.SymbolLookup.
func (img *Image) Symbol(addr uint64) (string, bool) {
	return img.notes.Get(addr, KindName)
}

// Comment returns the comment at addr for listings.
func (img *Image) Comment(inst disasm.Inst) string {
	s, _ := img.notes.Get(inst.Addr, KindComment)
	return s
}

var (
	_ analysis.Adapter     = (*Image)(nil)
	_ analysis.RangeLister = (*Image)(nil)
)
