// Package efi holds the UEFI definitions the analyzer reasons about: pointer
// width, service table layouts, calling-convention argument locations and
// the GUIDs of protocols with special meaning to SMM analysis.
//
// Layouts follow the UEFI 2.10 and PI 1.8 specifications:
//
//	https://uefi.org/specs/UEFI/2.10/04_EFI_System_Table.html
package efi

import (
	"errors"
	"fmt"
)

// ErrUnsupportedMachine is returned for PE/TE machine types other than
// IA32 and X64.
var ErrUnsupportedMachine = errors.New("efi: unsupported machine type")

// BitWidth is the pointer width of the analyzed module.
type BitWidth int

const (
	Width32 BitWidth = 32
	Width64 BitWidth = 64
)

// PE/TE machine types.
const (
	MachineI386  = 0x014c
	MachineAMD64 = 0x8664
)

// Valid reports whether w is one of the supported widths.
func (w BitWidth) Valid() bool {
	return w == Width32 || w == Width64
}

// PtrSize returns the size of a pointer (and of UINTN) in bytes.
func (w BitWidth) PtrSize() int {
	if w == Width32 {
		return 4
	}
	return 8
}

// Mode returns the x86asm decoding mode.
func (w BitWidth) Mode() int {
	return int(w)
}

func (w BitWidth) String() string {
	switch w {
	case Width32:
		return "x86"
	case Width64:
		return "x64"
	}
	return fmt.Sprintf("BitWidth(%d)", int(w))
}

// WidthFromMachine maps a PE/TE machine field to a BitWidth.
func WidthFromMachine(machine uint16) (BitWidth, error) {
	switch machine {
	case MachineI386:
		return Width32, nil
	case MachineAMD64:
		return Width64, nil
	}
	return 0, fmt.Errorf("%w: 0x%04x", ErrUnsupportedMachine, machine)
}
