package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"efiscan/internal/config"
	"efiscan/internal/efi"
	"efiscan/internal/guiddb"
)

func cmdGuids(args []string) error {
	fs := flag.NewFlagSet("guids", flag.ExitOnError)
	configPath := fs.String("config", "", "config file")
	guidsPath := fs.String("guids", "", "GUID database (YAML or JSON)")
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conf, err := config.Load(*configPath, os.Stderr)
	if err != nil {
		return err
	}
	if *guidsPath != "" {
		conf.GUIDs = *guidsPath
	}
	db := guiddb.Load(conf.GUIDs, conf.Log)

	var entries []guiddb.Entry
	if fs.NArg() == 0 {
		entries = db.Entries()
	} else {
		for _, q := range fs.Args() {
			entries = append(entries, lookupGUID(db, q))
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Printf("%-36s  %s\n", e.GUID, name)
	}
	fmt.Fprintf(os.Stderr, "%d of %d entries (%d skipped)\n", len(entries), db.Len(), db.Skipped())
	return nil
}

// lookupGUID resolves q as a GUID string, falling back to a name search.
func lookupGUID(db *guiddb.DB, q string) guiddb.Entry {
	if g, err := efi.ParseGUID(q); err == nil {
		name, _ := db.Lookup(g)
		return guiddb.Entry{GUID: g.String(), Name: name}
	}
	if g, ok := db.Find(q); ok {
		return guiddb.Entry{GUID: g.String(), Name: q}
	}
	return guiddb.Entry{Name: q}
}
