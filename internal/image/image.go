// Package image loads PE32/PE32+ and TE UEFI executables into a flat mapped
// address space and serves them to the analyzer.
package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ccoveille/go-safecast"

	"efiscan/internal/efi"
)

var (
	ErrFormat   = errors.New("image: not a PE or TE image")
	ErrTooLarge = errors.New("image: mapped size exceeds limit")
	ErrUnmapped = errors.New("image: address not mapped")
)

// MaxMappedSize bounds SizeOfImage; UEFI drivers are a few MiB at most.
const MaxMappedSize = 256 << 20

// Format identifies the on-disk executable format.
type Format string

const (
	FormatPE Format = "pe"
	FormatTE Format = "te"
)

// Segment is one mapped section.
type Segment struct {
	Name  string `json:"name"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Exec  bool   `json:"exec"`
}

// Image is a loaded executable. Its memory covers [Base, Base+Size).
type Image struct {
	Name     string
	Format   Format
	Width    efi.BitWidth
	Base     uint64
	Entry    uint64
	Segments []Segment

	mem   []byte
	notes *Store
}

// Open reads and loads the executable at path.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read: %w", err)
	}
	return Load(filepath.Base(path), data)
}

// Load parses data as a PE or TE image.
func Load(name string, data []byte) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch {
	case bytes.HasPrefix(data, []byte("MZ")):
		img, err = loadPE(data)
	case bytes.HasPrefix(data, []byte("VZ")):
		img, err = loadTE(data)
	default:
		return nil, ErrFormat
	}
	if err != nil {
		return nil, err
	}
	img.Name = name
	img.notes = NewStore()
	return img, nil
}

// Size returns the mapped size.
func (img *Image) Size() uint64 { return uint64(len(img.mem)) }

// End returns the first address past the mapping.
func (img *Image) End() uint64 { return img.Base + img.Size() }

// Contains reports whether addr is mapped.
func (img *Image) Contains(addr uint64) bool { return addr >= img.Base && addr < img.End() }

// Notes returns the annotation store.
func (img *Image) Notes() *Store { return img.notes }

func newMapping(size uint64) ([]byte, error) {
	if size == 0 || size > MaxMappedSize {
		return nil, fmt.Errorf("%w: 0x%x", ErrTooLarge, size)
	}
	n, err := safecast.ToInt(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	return make([]byte, n), nil
}

// mapSection copies raw into the mapping at rva and records the segment.
func (img *Image) mapSection(name string, rva, vsize uint64, raw []byte, exec bool) error {
	if vsize == 0 {
		vsize = uint64(len(raw))
	}
	if rva+vsize > uint64(len(img.mem)) {
		return fmt.Errorf("%w: section %s [0x%x, 0x%x) beyond image size 0x%x", ErrFormat, name, rva, rva+vsize, len(img.mem))
	}
	if uint64(len(raw)) > vsize {
		raw = raw[:vsize]
	}
	copy(img.mem[rva:], raw)
	img.Segments = append(img.Segments, Segment{
		Name:  name,
		Start: img.Base + rva,
		End:   img.Base + rva + vsize,
		Exec:  exec,
	})
	return nil
}

func sectionName(raw [8]uint8) string {
	return string(bytes.TrimRight(raw[:], "\x00"))
}

func isExec(characteristics uint32) bool {
	return characteristics&(pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE) != 0
}

// peMachine reads FileHeader.Machine behind the DOS stub. debug/pe refuses
// machines it does not know before the header is returned.
func peMachine(data []byte) (uint16, error) {
	if len(data) < 0x40 {
		return 0, fmt.Errorf("%w: short DOS header", ErrFormat)
	}
	off := int64(binary.LittleEndian.Uint32(data[0x3c:]))
	if off+6 > int64(len(data)) || !bytes.Equal(data[off:off+4], []byte("PE\x00\x00")) {
		return 0, fmt.Errorf("%w: missing PE signature", ErrFormat)
	}
	return binary.LittleEndian.Uint16(data[off+4:]), nil
}

func loadPE(data []byte) (*Image, error) {
	machine, err := peMachine(data)
	if err != nil {
		return nil, err
	}
	w, err := efi.WidthFromMachine(machine)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}

	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer f.Close()

	img := &Image{Format: FormatPE, Width: w}
	var sizeOfImage, sizeOfHeaders uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.Base = uint64(oh.ImageBase)
		img.Entry = img.Base + uint64(oh.AddressOfEntryPoint)
		sizeOfImage, sizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		img.Base = oh.ImageBase
		img.Entry = img.Base + uint64(oh.AddressOfEntryPoint)
		sizeOfImage, sizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
	default:
		return nil, fmt.Errorf("%w: no optional header", ErrFormat)
	}

	if img.mem, err = newMapping(uint64(sizeOfImage)); err != nil {
		return nil, err
	}
	hdr := min(int(sizeOfHeaders), len(data), len(img.mem))
	copy(img.mem, data[:hdr])

	for _, s := range f.Sections {
		raw, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("%w: section %s: %v", ErrFormat, s.Name, err)
		}
		if err := img.mapSection(s.Name, uint64(s.VirtualAddress), uint64(s.VirtualSize), raw, isExec(s.Characteristics)); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// teHeader is EFI_TE_IMAGE_HEADER.
type teHeader struct {
	Signature           uint16
	Machine             uint16
	NumberOfSections    uint8
	Subsystem           uint8
	StrippedSize        uint16
	AddressOfEntryPoint uint32
	BaseOfCode          uint32
	ImageBase           uint64
	DataDirectory       [2]pe.DataDirectory
}

const (
	teHeaderSize      = 40
	sectionHeaderSize = 40
)

// loadTE loads a Terse Executable. TE keeps the PE section RVAs and raw data
// pointers; the StrippedSize bytes of PE headers were replaced by the
// 40-byte TE header, so file offsets shift by StrippedSize - 40.
func loadTE(data []byte) (*Image, error) {
	var h teHeader
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: TE header: %v", ErrFormat, err)
	}
	w, err := efi.WidthFromMachine(h.Machine)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}

	shdrs := make([]pe.SectionHeader32, h.NumberOfSections)
	if err := binary.Read(r, binary.LittleEndian, shdrs); err != nil {
		return nil, fmt.Errorf("%w: TE section headers: %v", ErrFormat, err)
	}

	adjust := int64(h.StrippedSize) - teHeaderSize
	var size uint64
	for _, sh := range shdrs {
		size = max(size, uint64(sh.VirtualAddress)+uint64(max(sh.VirtualSize, sh.SizeOfRawData)))
	}
	img := &Image{
		Format: FormatTE,
		Width:  w,
		Base:   h.ImageBase,
		Entry:  h.ImageBase + uint64(h.AddressOfEntryPoint),
	}
	if img.mem, err = newMapping(size); err != nil {
		return nil, err
	}

	// The TE header and section table occupy the tail of the stripped area.
	if adjust >= 0 && adjust < int64(len(img.mem)) {
		hdrLen := teHeaderSize + sectionHeaderSize*len(shdrs)
		copy(img.mem[adjust:], data[:min(hdrLen, len(data))])
	}

	for _, sh := range shdrs {
		name := sectionName(sh.Name)
		off, err := safecast.ToInt(int64(sh.PointerToRawData) - adjust)
		if err != nil || off < 0 {
			return nil, fmt.Errorf("%w: section %s raw data before TE header", ErrFormat, name)
		}
		n, err := safecast.ToInt(sh.SizeOfRawData)
		if err != nil || off+n > len(data) {
			return nil, fmt.Errorf("%w: section %s raw data [0x%x, +0x%x) beyond file size 0x%x", ErrFormat, name, off, sh.SizeOfRawData, len(data))
		}
		if err := img.mapSection(name, uint64(sh.VirtualAddress), uint64(sh.VirtualSize), data[off:off+n], isExec(sh.Characteristics)); err != nil {
			return nil, err
		}
	}
	return img, nil
}
