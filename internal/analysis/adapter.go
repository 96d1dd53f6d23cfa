package analysis

import (
	"encoding/binary"
	"errors"
	"fmt"

	"efiscan/internal/disasm"
	"efiscan/internal/efi"
)

// Adapter is the binary-view boundary the analysis runs against: byte
// access, instruction decoding, call enumeration and annotation. All methods
// are synchronous and fail for unmapped addresses.
type Adapter interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
	Decode(addr uint64) (disasm.Inst, error)
	// EnumerateCalls returns the call instruction addresses of the function
	// starting at fn.
	EnumerateCalls(fn uint64) ([]uint64, error)
	Rename(addr uint64, name string) error
	SetComment(addr uint64, text string) error
	ApplyType(addr uint64, typ string) error
}

// Range is a mapped address range [Start, End).
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Exec  bool   `json:"exec,omitempty"`
}

// Contains reports whether addr lies in r.
func (r Range) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// Empty reports whether r covers no addresses.
func (r Range) Empty() bool { return r.End <= r.Start }

// RangeLister is implemented by adapters that know their section layout.
type RangeLister interface {
	Ranges() []Range
}

// adapterErr wraps err with ErrAdapter unless it already is one.
func adapterErr(op string, addr uint64, err error) error {
	if errors.Is(err, ErrAdapter) {
		return err
	}
	return fmt.Errorf("%w: %s 0x%x: %v", ErrAdapter, op, addr, err)
}

func (c *Context) read(addr uint64, n int) ([]byte, error) {
	b, err := c.Adapter.ReadBytes(addr, n)
	if err != nil {
		return nil, adapterErr("read", addr, err)
	}
	if len(b) < n {
		return nil, fmt.Errorf("%w: short read at 0x%x", ErrAdapter, addr)
	}
	return b, nil
}

// readPtr reads a pointer-sized little-endian value.
func (c *Context) readPtr(addr uint64) (uint64, error) {
	b, err := c.read(addr, c.Width.PtrSize())
	if err != nil {
		return 0, err
	}
	if c.Width == efi.Width32 {
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *Context) readU64(addr uint64) (uint64, error) {
	b, err := c.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *Context) readGUID(addr uint64) (efi.GUID, error) {
	b, err := c.read(addr, efi.GUIDSize)
	if err != nil {
		return efi.GUID{}, err
	}
	g, _ := efi.GUIDFromBytes(b)
	return g, nil
}

func (c *Context) decode(addr uint64) (disasm.Inst, error) {
	inst, err := c.Adapter.Decode(addr)
	if err != nil {
		return disasm.Inst{}, adapterErr("decode", addr, err)
	}
	return inst, nil
}

// codeRanges returns the executable ranges to sweep.
func (c *Context) codeRanges() []Range {
	return c.ranges(true)
}

// dataRanges returns the non-executable ranges to scan for GUIDs.
func (c *Context) dataRanges() []Range {
	return c.ranges(false)
}

func (c *Context) ranges(exec bool) []Range {
	rl, ok := c.Adapter.(RangeLister)
	if !ok {
		return []Range{{Start: c.Start, End: c.End, Exec: exec}}
	}
	var out []Range
	for _, r := range rl.Ranges() {
		if r.Exec == exec && !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}
