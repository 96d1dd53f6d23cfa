// Package output writes efiscan analysis results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"efiscan/internal/analysis"
	"efiscan/internal/disasm"
	"efiscan/internal/image"
)

// File names inside a module's output directory.
const (
	ReportFile      = "report.json"
	AnnotationsFile = "annotations.jsonl"
	SymbolsFile     = "symbols.json"
	SmmGraphFile    = "smm_callgraph.dot"
	FunctionsFile   = "functions.jsonl"
	CallEdgesFile   = "call_edges.jsonl"
)

// WriteReport writes the analysis report to report.json.
func WriteReport(dir string, r *analysis.Report) error {
	return WriteJSON(filepath.Join(dir, ReportFile), r)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(dir string) (*analysis.Report, error) {
	path := filepath.Join(dir, ReportFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("output: read %s: %w", path, err)
	}
	r := &analysis.Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("output: decode %s: %w", path, err)
	}
	return r, nil
}

// WriteAnnotations writes one annotation per line to annotations.jsonl.
func WriteAnnotations(dir string, notes []image.Annotation) error {
	return writeJSONL(filepath.Join(dir, AnnotationsFile), notes)
}

// SymbolEntry represents a named address.
type SymbolEntry struct {
	Address analysis.Hex `json:"address"`
	Name    string       `json:"name"`
	Type    string       `json:"type,omitempty"`
}

// Symbols collects the names, and the types applied to them, from the
// current annotations.
func Symbols(notes []image.Annotation) []SymbolEntry {
	types := make(map[uint64]string)
	for _, n := range notes {
		if n.Kind == image.KindType {
			types[n.Addr] = n.Value
		}
	}
	var out []SymbolEntry
	for _, n := range notes {
		if n.Kind == image.KindName {
			out = append(out, SymbolEntry{Address: analysis.Hex(n.Addr), Name: n.Value, Type: types[n.Addr]})
		}
	}
	return out
}

// WriteSymbolsJSON writes symbols to symbols.json.
func WriteSymbolsJSON(dir string, symbols []SymbolEntry) error {
	return WriteJSON(filepath.Join(dir, SymbolsFile), symbols)
}

// WriteDOT writes a Graphviz document to dir/name.
func WriteDOT(dir, name, dot string) error {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir: %w", err)
	}
	return os.WriteFile(path, []byte(dot), 0644)
}

// WriteFunctions writes functions.jsonl and call_edges.jsonl.
func WriteFunctions(dir string, funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord) error {
	if err := writeJSONL(filepath.Join(dir, FunctionsFile), funcs); err != nil {
		return err
	}
	return writeJSONL(filepath.Join(dir, CallEdgesFile), edges)
}

// WriteASM writes disassembled instructions to asm/<name>.txt.
func WriteASM(dir string, name string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}

	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

// WriteJSON writes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}

func writeJSONL[T any](path string, items []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("output: encode %s: %w", path, err)
		}
	}
	return nil
}
