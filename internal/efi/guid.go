package efi

import (
	"encoding/binary"

	"github.com/linuxboot/fiano/pkg/guid"
)

// GUID is an EFI GUID in its native (mixed-endian) in-memory byte order.
type GUID = guid.GUID

// GUIDSize is the size of an EFI_GUID in bytes.
const GUIDSize = guid.Size

// ParseGUID parses the registry format xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx.
func ParseGUID(s string) (GUID, error) {
	g, err := guid.Parse(s)
	if err != nil {
		return GUID{}, err
	}
	return *g, nil
}

// MustParseGUID is like ParseGUID but panics on error. It is intended for
// package level GUID declarations.
func MustParseGUID(s string) GUID {
	return *guid.MustParse(s)
}

// GUIDFromBytes reads a GUID as laid out in memory.
func GUIDFromBytes(b []byte) (GUID, bool) {
	var g GUID
	if len(b) < GUIDSize {
		return g, false
	}
	copy(g[:], b[:GUIDSize])
	return g, true
}

// GUIDFromFields builds a GUID from the EFI_GUID struct fields
// {Data1, Data2, Data3, Data4[8]}.
func GUIDFromFields(d1 uint32, d2, d3 uint16, d4 [8]byte) GUID {
	var g GUID
	binary.LittleEndian.PutUint32(g[0:4], d1)
	binary.LittleEndian.PutUint16(g[4:6], d2)
	binary.LittleEndian.PutUint16(g[6:8], d3)
	copy(g[8:], d4[:])
	return g
}

// Plausible rejects the all-zero and all-ones patterns that fill padding
// and uninitialized data.
func Plausible(g GUID) bool {
	zero, ones := true, true
	for _, b := range g {
		if b != 0 {
			zero = false
		}
		if b != 0xff {
			ones = false
		}
	}
	return !zero && !ones
}
