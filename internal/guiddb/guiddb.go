// Package guiddb is the protocol knowledge base: an immutable mapping from
// EFI GUIDs to names, loaded once per run.
//
// Accepted documents (YAML or JSON) are maps whose entries take any of these
// forms:
//
//	"f4ccbfb7-f6e0-47fd-9dd4-10a8f150c191": EFI_SMM_BASE2_PROTOCOL_GUID
//	EFI_SMM_BASE2_PROTOCOL_GUID: f4ccbfb7-f6e0-47fd-9dd4-10a8f150c191
//	EFI_SMM_BASE2_PROTOCOL_GUID: [0xf4ccbfb7, 0xf6e0, 0x47fd, 0x9d, 0xd4, 0x10, 0xa8, 0xf1, 0x50, 0xc1, 0x91]
//
// The last is the {Data1, Data2, Data3, Data4[8]} array form used by
// efiXplorer's guids.json.
package guiddb

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"

	"efiscan/internal/efi"
)

// DB maps GUIDs to names. The zero value and nil are empty databases.
type DB struct {
	names   map[efi.GUID]string
	byName  map[string]efi.GUID
	skipped int
}

// New builds a DB from an existing map.
func New(m map[efi.GUID]string) *DB {
	db := &DB{names: make(map[efi.GUID]string, len(m)), byName: make(map[string]efi.GUID, len(m))}
	for g, name := range m {
		db.add(g, name)
	}
	return db
}

func (db *DB) add(g efi.GUID, name string) {
	if name == "" {
		return
	}
	if _, dup := db.names[g]; dup {
		return
	}
	db.names[g] = name
	if _, dup := db.byName[name]; !dup {
		db.byName[name] = g
	}
}

// Parse decodes a knowledge-base document. Entries that match none of the
// accepted forms are skipped and counted; only a malformed document is an
// error.
func Parse(data []byte) (*DB, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("guiddb: %w", err)
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	db := New(nil)
	for _, k := range keys {
		g, name, ok := entry(k, doc[k])
		if !ok {
			db.skipped++
			continue
		}
		db.add(g, name)
	}
	return db, nil
}

func entry(key string, v any) (efi.GUID, string, bool) {
	if g, err := efi.ParseGUID(key); err == nil {
		name, ok := v.(string)
		return g, name, ok && name != ""
	}
	switch val := v.(type) {
	case string:
		g, err := efi.ParseGUID(val)
		return g, key, err == nil
	case []any:
		g, ok := fromFields(val)
		return g, key, ok
	}
	return efi.GUID{}, "", false
}

// fromFields decodes the 11-number {Data1, Data2, Data3, Data4[8]} form.
func fromFields(v []any) (efi.GUID, bool) {
	if len(v) != 11 {
		return efi.GUID{}, false
	}
	var n [11]uint64
	limits := [11]uint64{math.MaxUint32, math.MaxUint16, math.MaxUint16,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	for i, x := range v {
		f, ok := x.(float64)
		if !ok || f < 0 || f != math.Trunc(f) || f > float64(limits[i]) {
			return efi.GUID{}, false
		}
		n[i] = uint64(f)
	}
	var d4 [8]byte
	for i := range d4 {
		d4[i] = byte(n[3+i])
	}
	return efi.GUIDFromFields(uint32(n[0]), uint16(n[1]), uint16(n[2]), d4), true
}

// Load reads the knowledge base at path. A missing or malformed file yields
// an empty DB and a logged warning; analysis continues without names.
func Load(path string, log logr.Logger) *DB {
	if path == "" {
		return New(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("guid database unavailable, continuing without names", "path", path, "error", err.Error())
		return New(nil)
	}
	db, err := Parse(data)
	if err != nil {
		log.Info("guid database malformed, continuing without names", "path", path, "error", err.Error())
		return New(nil)
	}
	if db.skipped > 0 {
		log.V(1).Info("skipped unrecognized guid entries", "path", path, "count", db.skipped)
	}
	log.V(1).Info("loaded guid database", "path", path, "entries", db.Len())
	return db
}

// Lookup returns the name of g. Unknown GUIDs return ("", false).
func (db *DB) Lookup(g efi.GUID) (string, bool) {
	if db == nil {
		return "", false
	}
	name, ok := db.names[g]
	return name, ok
}

// Find returns the GUID registered under name.
func (db *DB) Find(name string) (efi.GUID, bool) {
	if db == nil {
		return efi.GUID{}, false
	}
	g, ok := db.byName[name]
	return g, ok
}

// Len returns the number of entries.
func (db *DB) Len() int {
	if db == nil {
		return 0
	}
	return len(db.names)
}

// Skipped returns the number of unrecognized entries seen by Parse.
func (db *DB) Skipped() int {
	if db == nil {
		return 0
	}
	return db.skipped
}

// Entry is one knowledge-base record.
type Entry struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// Entries lists the database sorted by name.
func (db *DB) Entries() []Entry {
	if db == nil {
		return nil
	}
	out := make([]Entry, 0, len(db.names))
	for g, name := range db.names {
		out = append(out, Entry{GUID: g.String(), Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].GUID < out[j].GUID
	})
	return out
}
