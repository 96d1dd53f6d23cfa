package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/zboralski/lattice/render"

	"efiscan/internal/analysis"
	"efiscan/internal/callgraph"
	"efiscan/internal/config"
	"efiscan/internal/guiddb"
	"efiscan/internal/image"
	"efiscan/internal/output"
)

// addrList is a repeatable address flag.
type addrList []uint64

func (l *addrList) String() string {
	parts := make([]string, len(*l))
	for i, a := range *l {
		parts[i] = fmt.Sprintf("0x%x", a)
	}
	return strings.Join(parts, ",")
}

func (l *addrList) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", s)
	}
	*l = append(*l, v)
	return nil
}

// commonFlags are shared by every command that analyzes modules. Zero
// values leave the configured setting alone.
type commonFlags struct {
	config      *string
	guids       *string
	logLevel    *string
	systemTable *uint64
	smst        *uint64
	smramStart  *uint64
	smramEnd    *uint64
	maxDepth    *int
	handlers    addrList
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{
		config:      fs.String("config", "", "config file"),
		guids:       fs.String("guids", "", "GUID database (YAML or JSON)"),
		logLevel:    fs.String("log-level", "", "debug, info, warn or error"),
		systemTable: fs.Uint64("system-table", 0, "concrete EFI_SYSTEM_TABLE address"),
		smst:        fs.Uint64("smst", 0, "concrete EFI_SMM_SYSTEM_TABLE2 address"),
		smramStart:  fs.Uint64("smram-start", 0, "SMRAM start address"),
		smramEnd:    fs.Uint64("smram-end", 0, "SMRAM end address"),
		maxDepth:    fs.Int("max-depth", -1, "SMI handler call depth (0 selects the default)"),
	}
	fs.Var(&cf.handlers, "handler", "extra SMI handler entry point (repeatable)")
	return cf
}

// session holds the settings and GUID database shared by every module of
// one command.
type session struct {
	conf *config.Config
	db   *guiddb.DB
	opts analysis.Options
	log  logr.Logger
}

func (cf *commonFlags) session() (*session, error) {
	conf, err := config.Load(*cf.config, os.Stderr)
	if err != nil {
		return nil, err
	}
	if *cf.logLevel != "" {
		conf.LogLevel = *cf.logLevel
		conf.Log = config.DefaultLogger(conf.LogLevel, os.Stderr)
	}
	if *cf.guids != "" {
		conf.GUIDs = *cf.guids
	}
	if *cf.systemTable != 0 {
		conf.SystemTable = *cf.systemTable
	}
	if *cf.smst != 0 {
		conf.Smst = *cf.smst
	}
	if *cf.smramStart != 0 || *cf.smramEnd != 0 {
		conf.SMM.SmramStart, conf.SMM.SmramEnd = *cf.smramStart, *cf.smramEnd
	}
	if *cf.maxDepth >= 0 {
		conf.SMM.MaxDepth = int64(*cf.maxDepth)
	}
	conf.SMM.Handlers = append(conf.SMM.Handlers, cf.handlers...)

	opts, err := conf.Options()
	if err != nil {
		return nil, err
	}
	return &session{
		conf: conf,
		db:   guiddb.Load(conf.GUIDs, conf.Log),
		opts: opts,
		log:  conf.Log,
	}, nil
}

// analyze runs the analysis over img. With a non-empty outDir it writes the
// report, the annotation log, the symbol table and, for SMM modules, the
// SMI handler call graph.
func (s *session) analyze(img *image.Image, outDir string) (*analysis.Report, error) {
	c, err := analysis.NewContext(img.Module(), img, s.db, s.opts)
	if err != nil {
		return nil, err
	}
	rep := analysis.Analyze(c)
	if outDir == "" {
		return rep, nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", outDir, err)
	}
	if err := output.WriteReport(outDir, rep); err != nil {
		return nil, err
	}
	notes := img.Notes()
	if err := output.WriteAnnotations(outDir, notes.Log()); err != nil {
		return nil, err
	}
	if err := output.WriteSymbolsJSON(outDir, output.Symbols(notes.Current())); err != nil {
		return nil, err
	}
	if len(rep.Handlers) > 0 {
		g := callgraph.BuildSmmGraph(rep, functionNames(img, rep))
		if err := output.WriteDOT(outDir, output.SmmGraphFile, render.DOT(g, img.Name+" SMI handlers")); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// functionNames names addresses for listings and graphs: annotations
// first, then the entry point and SMI handlers.
func functionNames(img *image.Image, rep *analysis.Report) func(uint64) (string, bool) {
	handlers := make(map[uint64]bool, len(rep.Handlers))
	for _, h := range rep.Handlers {
		handlers[uint64(h.Addr)] = true
	}
	return func(addr uint64) (string, bool) {
		if n, ok := img.Symbol(addr); ok {
			return n, true
		}
		switch {
		case addr == img.Entry:
			return "_ModuleEntryPoint", true
		case handlers[addr]:
			return fmt.Sprintf("SmiHandler_%x", addr), true
		}
		return "", false
	}
}

// outName turns a module label into a directory name, unique within seen.
func outName(label string, seen map[string]int) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, label)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" {
		name = "module"
	}
	seen[name]++
	if n := seen[name]; n > 1 {
		name = fmt.Sprintf("%s_%d", name, n)
	}
	return name
}
