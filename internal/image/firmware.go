package image

import (
	"fmt"
	"strings"

	"github.com/linuxboot/fiano/pkg/uefi"

	"efiscan/internal/efi"
)

// Executable is a PE32 or TE section of a firmware file.
type Executable struct {
	FileGUID efi.GUID
	FileType string // e.g. EFI_FV_FILETYPE_DRIVER
	Name     string // user interface section, if any
	Format   Format
	Data     []byte
}

// Label names e for output files and logs.
func (e Executable) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.FileGUID.String()
}

// SMM reports whether the file type loads into SMRAM.
func (e Executable) SMM() bool {
	return strings.Contains(e.FileType, "SMM")
}

// Load maps e.
func (e Executable) Load() (*Image, error) {
	return Load(e.Label(), e.Data)
}

// Extract parses a flash image or firmware volume and returns every
// executable section in file order. Compressed sections are expanded by the
// parser.
func Extract(buf []byte) ([]Executable, error) {
	fw, err := uefi.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("image: firmware: %w", err)
	}
	v := &extractor{}
	if err := v.Run(fw); err != nil {
		return nil, fmt.Errorf("image: firmware: %w", err)
	}
	return v.out, nil
}

// extractor is a uefi.Visitor collecting executable sections.
type extractor struct {
	file *uefi.File
	name string
	out  []Executable
}

func (v *extractor) Run(f uefi.Firmware) error {
	return f.Apply(v)
}

func (v *extractor) Visit(f uefi.Firmware) error {
	switch f := f.(type) {
	case *uefi.File:
		prevFile, prevName := v.file, v.name
		v.file, v.name = f, ""
		start := len(v.out)
		if err := f.ApplyChildren(v); err != nil {
			return err
		}
		for i := start; i < len(v.out); i++ {
			if v.out[i].FileGUID == f.Header.GUID {
				v.out[i].Name = v.name
			}
		}
		v.file, v.name = prevFile, prevName
		return nil

	case *uefi.Section:
		if v.file == nil {
			break
		}
		switch f.Header.Type {
		case uefi.SectionTypePE32:
			v.add(f, FormatPE)
		case uefi.SectionTypeTE:
			v.add(f, FormatTE)
		case uefi.SectionTypeUserInterface:
			v.name = f.Name
		}
	}
	return f.ApplyChildren(v)
}

func (v *extractor) add(s *uefi.Section, format Format) {
	buf := s.Buf()
	hdr := 4
	if s.Header.Size == [3]uint8{0xff, 0xff, 0xff} {
		hdr = 8
	}
	if len(buf) <= hdr {
		return
	}
	v.out = append(v.out, Executable{
		FileGUID: v.file.Header.GUID,
		FileType: v.file.Header.Type.String(),
		Format:   format,
		Data:     append([]byte(nil), buf[hdr:]...),
	})
}
