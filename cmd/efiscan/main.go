package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = cmdAnalyze(os.Args[2:])
	case "batch":
		err = cmdBatch(os.Args[2:])
	case "extract":
		err = cmdExtract(os.Args[2:])
	case "guids":
		err = cmdGuids(os.Args[2:])
	case "disasm":
		err = cmdDisasm(os.Args[2:])
	case "watch":
		err = cmdWatch(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `efiscan: static UEFI module analyzer

Usage:
  efiscan analyze [flags] <module>          Analyze one PE32/PE32+/TE module
  efiscan batch   [flags] <dir>             Analyze every module in a directory
  efiscan batch   [flags] --fw <image>      Analyze every module in a firmware image
  efiscan extract --fw <image> --out <dir>  Extract PE32/TE sections from a firmware image
  efiscan guids   [guid|name ...]           Look up or list the GUID database
  efiscan disasm  [flags] <module>          Annotated listing, call graph and CFGs
  efiscan watch   [flags] <dir>             Analyze modules as they appear in a directory

Common flags:
  --config <path>        Config file (default ./efiscan.yaml when present)
  --guids <path>         GUID database (YAML or JSON)
  --out <dir>            Output directory
  --log-level <level>    debug, info, warn or error
  --system-table <addr>  Concrete EFI_SYSTEM_TABLE address
  --smst <addr>          Concrete EFI_SMM_SYSTEM_TABLE2 address
  --smram-start <addr>   SMRAM start (default: module range)
  --smram-end <addr>     SMRAM end
  --max-depth <n>        SMI handler call depth
  --handler <addr>       Extra SMI handler entry point (repeatable)

Environment variables EFISCAN_<KEY> override the config file.
`)
}
