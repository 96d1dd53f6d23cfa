package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"efiscan/internal/analysis"
)

func TestAddrList(t *testing.T) {
	var l addrList
	require.NoError(t, l.Set("0x1200"))
	require.NoError(t, l.Set("4096"))
	assert.Error(t, l.Set("handler"))
	assert.Equal(t, addrList{0x1200, 0x1000}, l)
	assert.Equal(t, "0x1200,0x1000", l.String())
}

func TestOutName(t *testing.T) {
	seen := make(map[string]int)
	assert.Equal(t, "SmmDriver", outName("SmmDriver.efi", seen))
	assert.Equal(t, "SmmDriver_2", outName("SmmDriver", seen))
	assert.Equal(t, "a_b_c", outName("a/b c", seen))
	assert.Equal(t, "module", outName("", seen))
}

func TestSessionFlagOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--log-level", "error",
		"--smst", "0x7e000000",
		"--smram-start", "0x8000000", "--smram-end", "0x8800000",
		"--max-depth", "3",
		"--handler", "0x1200", "--handler", "0x1240",
	}))

	s, err := cf.session()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7e000000), s.opts.Smst)
	assert.Equal(t, analysis.Range{Start: 0x8000000, End: 0x8800000}, s.opts.SMRAM)
	assert.Equal(t, 3, s.opts.MaxCallDepth)
	assert.Equal(t, []uint64{0x1200, 0x1240}, s.opts.SmiHandlers)
	assert.Equal(t, 0, s.db.Len())
}

func TestDirUnitsSkipsNonModules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.efi"), []byte("MZ\x00\x00"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.te"), []byte("VZ\x00\x00"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	units, err := dirUnits(dir)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "a.efi", units[0].label)
	assert.Equal(t, "b.te", units[1].label)

	// truncated headers fail to load and are reported per module
	t.Chdir(dir)
	s, err := addCommonFlags(flag.NewFlagSet("test", flag.ContinueOnError)).session()
	require.NoError(t, err)
	r := analyzeUnit(s, units[0], filepath.Join(dir, "out"))
	assert.NotEmpty(t, r.Error)
}

func TestWatcherDue(t *testing.T) {
	now := time.Now()
	w := &dirWatcher{pending: map[string]time.Time{
		"old.efi": now.Add(-2 * settle),
		"new.efi": now,
	}}
	assert.Equal(t, []string{"old.efi"}, w.due(now))
	assert.Len(t, w.pending, 1)
	assert.Contains(t, w.pending, "new.efi")
}

// TestAnalyzeSamples runs over real modules in samples/efi when present.
func TestAnalyzeSamples(t *testing.T) {
	root := findProjectRoot()
	if root == "" {
		t.Skip("project root not found")
	}
	units, err := dirUnits(filepath.Join(root, "samples", "efi"))
	if err != nil || len(units) == 0 {
		t.Skip("no samples in samples/efi")
	}
	t.Chdir(t.TempDir())
	s, err := addCommonFlags(flag.NewFlagSet("test", flag.ContinueOnError)).session()
	require.NoError(t, err)

	for _, u := range units {
		t.Run(u.label, func(t *testing.T) {
			r := analyzeUnit(s, u, t.TempDir())
			assert.Empty(t, r.Error)
		})
	}
}

// findProjectRoot walks up from cwd to find go.mod.
func findProjectRoot() string {
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
