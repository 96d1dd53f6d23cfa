package guiddb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efiscan/internal/efi"
)

var sample = efi.MustParseGUID("11223344-5566-7788-99aa-bbccddeeff00")

func TestParseForms(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"guid_to_name_yaml", `"11223344-5566-7788-99aa-bbccddeeff00": SampleProtocol`},
		{"name_to_guid_yaml", `SampleProtocol: 11223344-5566-7788-99aa-bbccddeeff00`},
		{"fields_json", `{"SampleProtocol": [287454020, 21862, 30600, 153, 170, 187, 204, 221, 238, 255, 0]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, 1, db.Len())

			name, ok := db.Lookup(sample)
			require.True(t, ok)
			assert.Equal(t, "SampleProtocol", name)

			g, ok := db.Find("SampleProtocol")
			require.True(t, ok)
			assert.Equal(t, sample, g)
		})
	}
}

func TestParseSkipsBadEntries(t *testing.T) {
	doc := `
SampleProtocol: 11223344-5566-7788-99aa-bbccddeeff00
NotAGuid: hello
ShortArray: [1, 2, 3]
Overflow: [4294967296, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0]
`
	db, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, db.Len())
	assert.Equal(t, 3, db.Skipped())
}

func TestUnknownGUID(t *testing.T) {
	db := New(map[efi.GUID]string{sample: "SampleProtocol"})
	name, ok := db.Lookup(efi.SmmBase2ProtocolGUID)
	assert.False(t, ok)
	assert.Empty(t, name)

	var nilDB *DB
	_, ok = nilDB.Lookup(sample)
	assert.False(t, ok)
	assert.Equal(t, 0, nilDB.Len())
}

func TestLoadMissingAndMalformed(t *testing.T) {
	dir := t.TempDir()

	db := Load(filepath.Join(dir, "missing.json"), logr.Discard())
	require.NotNil(t, db)
	assert.Equal(t, 0, db.Len())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("{not: [valid"), 0o644))
	db = Load(bad, logr.Discard())
	require.NotNil(t, db)
	assert.Equal(t, 0, db.Len())

	good := filepath.Join(dir, "guids.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"SampleProtocol": "11223344-5566-7788-99aa-bbccddeeff00"}`), 0o644))
	db = Load(good, logr.Discard())
	assert.Equal(t, 1, db.Len())
}

func TestEntries(t *testing.T) {
	db := New(map[efi.GUID]string{
		sample:                   "SampleProtocol",
		efi.SmmBase2ProtocolGUID: "EFI_SMM_BASE2_PROTOCOL_GUID",
	})
	want := []Entry{
		{GUID: efi.SmmBase2ProtocolGUID.String(), Name: "EFI_SMM_BASE2_PROTOCOL_GUID"},
		{GUID: sample.String(), Name: "SampleProtocol"},
	}
	if diff := cmp.Diff(want, db.Entries()); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
}
