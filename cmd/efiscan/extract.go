package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"efiscan/internal/image"
)

func cmdExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	fw := fs.String("fw", "", "firmware image or volume")
	outDir := fs.String("out", "", "output directory (list only when empty)")
	smmOnly := fs.Bool("smm-only", false, "only SMM modules")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fw == "" {
		return fmt.Errorf("--fw is required")
	}

	data, err := os.ReadFile(*fw)
	if err != nil {
		return err
	}
	exes, err := image.Extract(data)
	if err != nil {
		return err
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			return err
		}
	}

	seen := make(map[string]int)
	n := 0
	for _, exe := range exes {
		if *smmOnly && !exe.SMM() {
			continue
		}
		n++
		fmt.Printf("%-36s  %-4s  %-32s  %8d  %s\n", exe.FileGUID, exe.Format, exe.FileType, len(exe.Data), exe.Name)
		if *outDir == "" {
			continue
		}
		ext := ".efi"
		if exe.Format == image.FormatTE {
			ext = ".te"
		}
		path := filepath.Join(*outDir, outName(exe.Label(), seen)+ext)
		if err := os.WriteFile(path, exe.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	fmt.Fprintf(os.Stderr, "%d executables\n", n)
	return nil
}
