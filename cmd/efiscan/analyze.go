package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"efiscan/internal/image"
)

func cmdAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	cf := addCommonFlags(fs)
	outDir := fs.String("out", "", "output directory (report.json, annotations.jsonl, symbols.json)")
	jsonOut := fs.Bool("json", false, "print the report as JSON on stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: efiscan analyze [flags] <module>")
	}

	s, err := cf.session()
	if err != nil {
		return err
	}
	img, err := image.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %s %s, base=0x%x entry=0x%x size=0x%x\n",
		img.Name, img.Format, img.Width, img.Base, img.Entry, img.Size())

	rep, err := s.analyze(img, *outDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, rep.Summary())
	for _, d := range rep.Diags {
		fmt.Fprintf(os.Stderr, "  %s\n", d)
	}
	for _, co := range rep.Callouts {
		what := co.Service
		if what == "" {
			what = fmt.Sprintf("0x%x", uint64(co.Target))
		}
		fmt.Fprintf(os.Stderr, "  callout 0x%x -> %s (handler 0x%x, depth %d)\n",
			uint64(co.Site), what, uint64(co.Handler), co.Depth)
	}
	if *outDir != "" {
		fmt.Fprintf(os.Stderr, "wrote %s\n", *outDir)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return nil
}
