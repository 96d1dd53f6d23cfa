package analysis

import (
	"fmt"

	"efiscan/internal/disasm"
	"efiscan/internal/efi"
)

const stepLocate = "locate"

// Incoming argument indexes of the image entry point.
const (
	argImageHandle = 0
	argSystemTable = 1
)

// entryBody linearly decodes the entry function up to the scan limit,
// stopping after the first return.
func (c *Context) entryBody() ([]disasm.Inst, error) {
	var insts []disasm.Inst
	pc := c.Entry
	for len(insts) < c.Opts.EntryScanLimit {
		inst, err := c.decode(pc)
		if err != nil {
			if len(insts) == 0 {
				return nil, err
			}
			break
		}
		insts = append(insts, inst)
		if bi := disasm.DecodeBranch(inst); bi != nil && bi.IsRet {
			break
		}
		pc = inst.Next()
	}
	return insts, nil
}

// validGlobal accepts pointer-aligned addresses inside the module.
func (c *Context) validGlobal(addr uint64) bool {
	return c.Contains(addr) && addr%uint64(c.Width.PtrSize()) == 0
}

// LocateImageHandleAndSystemTable finds the globals the entry point stores
// its ImageHandle and SystemTable arguments into. The image handle is
// optional; a missing system table store returns ErrNotFound. Found globals
// are registered as gImageHandle and gST.
func LocateImageHandleAndSystemTable(c *Context) (imageHandle, systemTable uint64, err error) {
	insts, err := c.entryBody()
	if err != nil {
		c.Diags.AddErr(stepLocate, c.Entry, err)
		return 0, 0, err
	}

	if m, ok := FirstMatch(insts, ArgStorePatterns(c.Width, argImageHandle), c.validGlobal); ok {
		imageHandle = m.Global
		c.ImageHandleVar = m.Global
		c.addGlobal(GlobalVar{Addr: m.Global, Name: "gImageHandle", Type: "EFI_HANDLE", Sym: symImageHandle, Site: m.Site})
		c.Log.V(1).Info("image handle", "global", hex(m.Global), "pattern", m.Pattern)
	} else {
		c.Diags.Add(stepLocate, c.Entry, DiagNotFound, "image handle store not found")
	}

	m, ok := FirstMatch(insts, ArgStorePatterns(c.Width, argSystemTable), c.validGlobal)
	if !ok {
		err = fmt.Errorf("system table store in entry 0x%x: %w", c.Entry, ErrNotFound)
		c.Diags.AddErr(stepLocate, c.Entry, err)
		return imageHandle, 0, err
	}
	c.SystemTableVar = m.Global
	c.addGlobal(GlobalVar{
		Addr: m.Global,
		Name: efi.SystemTable.VarName(),
		Type: efi.SystemTable.TypeName(),
		Sym:  efi.SystemTable.String(),
		Site: m.Site,
	})
	c.Log.V(1).Info("system table", "global", hex(m.Global), "pattern", m.Pattern)
	return imageHandle, m.Global, nil
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }
