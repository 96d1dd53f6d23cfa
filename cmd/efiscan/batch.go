package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"efiscan/internal/image"
	"efiscan/internal/output"
)

var errNoModules = errors.New("no modules found")

// unit is one module queued for analysis.
type unit struct {
	label  string
	source string // file path, or FV file GUID and type
	smm    bool
	load   func() (*image.Image, error)
}

// batchResult is one line of summary.json.
type batchResult struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Dir       string `json:"dir,omitempty"`
	Arch      string `json:"arch,omitempty"`
	SMM       bool   `json:"smm,omitempty"`
	Protocols int    `json:"protocols"`
	Handlers  int    `json:"smi_handlers"`
	Callouts  int    `json:"smm_callouts"`
	Diags     int    `json:"diagnostics"`
	Error     string `json:"error,omitempty"`
}

func cmdBatch(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	cf := addCommonFlags(fs)
	fw := fs.String("fw", "", "firmware image or volume instead of a directory")
	outDir := fs.String("out", "out", "output directory")
	jobs := fs.Int("jobs", 0, "concurrent analyses (default from config)")
	smmOnly := fs.Bool("smm-only", false, "only analyze SMM modules (firmware images)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := cf.session()
	if err != nil {
		return err
	}
	limit := *jobs
	if limit <= 0 {
		if limit, err = s.conf.JobCount(); err != nil {
			return err
		}
	}

	var units []unit
	switch {
	case *fw != "":
		units, err = firmwareUnits(*fw, *smmOnly)
	case fs.NArg() == 1:
		units, err = dirUnits(fs.Arg(0))
	default:
		return fmt.Errorf("usage: efiscan batch [flags] <dir> | --fw <image>")
	}
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return errNoModules
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "analyzing %d modules with %d jobs\n", len(units), limit)
	results := runBatch(ctx, s, units, *outDir, limit)

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	failed, callouts := 0, 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
		callouts += r.Callouts
	}
	if err := writeSummary(*outDir, results); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "done: %d modules, %d failed, %d SMM callout candidates\n", len(results), failed, callouts)
	return ctx.Err()
}

// runBatch analyzes units concurrently, each with its own image and
// context. Module failures are recorded in the result, not returned.
func runBatch(ctx context.Context, s *session, units []unit, outDir string, limit int) []batchResult {
	seen := make(map[string]int)
	dirs := make([]string, len(units))
	for i, u := range units {
		dirs[i] = outName(u.label, seen)
	}

	results := make([]batchResult, len(units))
	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, u := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = batchResult{Name: u.label, Source: u.source, Error: err.Error()}
				return nil
			}
			results[i] = analyzeUnit(s, u, filepath.Join(outDir, dirs[i]))
			results[i].Dir = dirs[i]
			n := done.Add(1)
			status := "ok"
			if results[i].Error != "" {
				status = results[i].Error
			}
			fmt.Fprintf(os.Stderr, "[%d/%d] %s: %s\n", n, len(units), u.label, status)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func analyzeUnit(s *session, u unit, dir string) batchResult {
	r := batchResult{Name: u.label, Source: u.source, SMM: u.smm}
	img, err := u.load()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	rep, err := s.analyze(img, dir)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Arch = rep.Arch
	r.Protocols = len(rep.Protocols)
	r.Handlers = len(rep.Handlers)
	r.Callouts = len(rep.Callouts)
	r.Diags = len(rep.Diags)
	return r
}

func writeSummary(dir string, results []batchResult) error {
	return output.WriteJSON(filepath.Join(dir, "summary.json"), results)
}

// dirUnits lists the PE/TE files directly inside dir. Other files are
// skipped.
func dirUnits(dir string) ([]unit, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}
	var units []unit
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !isModule(path) {
			continue
		}
		units = append(units, unit{
			label:  e.Name(),
			source: path,
			load:   func() (*image.Image, error) { return image.Open(path) },
		})
	}
	return units, nil
}

// isModule sniffs the MZ / VZ signature.
func isModule(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [2]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false
	}
	return string(magic[:]) == "MZ" || string(magic[:]) == "VZ"
}

func firmwareUnits(path string, smmOnly bool) ([]unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	exes, err := image.Extract(data)
	if err != nil {
		return nil, err
	}
	var units []unit
	for _, exe := range exes {
		if smmOnly && !exe.SMM() {
			continue
		}
		units = append(units, unit{
			label:  exe.Label(),
			source: fmt.Sprintf("%s %s", exe.FileGUID, exe.FileType),
			smm:    exe.SMM(),
			load:   exe.Load,
		})
	}
	return units, nil
}
