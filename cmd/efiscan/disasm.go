package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"efiscan/internal/analysis"
	"efiscan/internal/callgraph"
	"efiscan/internal/disasm"
	"efiscan/internal/image"
	"efiscan/internal/output"
)

func cmdDisasm(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	cf := addCommonFlags(fs)
	outDir := fs.String("out", "", "output directory")
	maxFuncs := fs.Int("max-funcs", 256, "maximum functions to decode")
	cfg := fs.Bool("cfg", false, "write per-function CFG DOT files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *outDir == "" {
		return fmt.Errorf("usage: efiscan disasm --out <dir> [flags] <module>")
	}

	s, err := cf.session()
	if err != nil {
		return err
	}
	img, err := image.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	rep, err := s.analyze(img, *outDir)
	if err != nil {
		return err
	}

	names := functionNames(img, rep)
	globals := make(map[uint64]string, len(rep.Globals))
	for _, g := range rep.Globals {
		globals[uint64(g.Addr)] = g.Name
	}
	annotators := []disasm.Annotator{img.Comment, disasm.GlobalAnnotator(globals)}

	var (
		funcInfos []callgraph.FuncInfo
		funcs     []disasm.FuncRecord
		edgeRecs  []disasm.CallEdgeRecord
		cfgCount  int
		regCalls  int
		regNamed  int
	)
	for _, fn := range reachable(img, rep, *maxFuncs) {
		insts, err := img.Function(fn)
		if err != nil || len(insts) == 0 {
			fmt.Fprintf(os.Stderr, "skip 0x%x: %v\n", fn, err)
			continue
		}
		name, ok := names(fn)
		if !ok {
			name = fmt.Sprintf("sub_%x", fn)
		}
		edges := disasm.ExtractCallEdges(insts, names, annotators, s.opts.TrackWindow)

		if err := output.WriteASM(*outDir, name, insts, names, annotators...); err != nil {
			return err
		}
		funcs = append(funcs, disasm.NewFuncRecord(name, insts, edges))
		for _, e := range edges {
			edgeRecs = append(edgeRecs, disasm.NewCallEdgeRecord(name, e))
			if e.Kind == disasm.CallRegMem {
				regCalls++
				if e.Via != "" {
					regNamed++
				}
			}
		}
		funcInfos = append(funcInfos, callgraph.FuncInfo{Name: name, Insts: insts, CallEdges: edges})

		if *cfg {
			lcfg, nblocks := callgraph.BuildFuncCFG(name, insts, edges)
			if nblocks > 1 {
				g := &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{lcfg}}
				if err := output.WriteDOT(*outDir, filepath.Join("cfg", name+".dot"), render.DOTCFG(g, name)); err != nil {
					return err
				}
				cfgCount++
			}
		}
	}

	if err := output.WriteFunctions(*outDir, funcs, edgeRecs); err != nil {
		return err
	}
	cg := callgraph.BuildCallGraph(funcInfos)
	if err := output.WriteDOT(*outDir, "callgraph.dot", render.DOT(cg, img.Name)); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "wrote %d function disassemblies to %s\n", len(funcs), filepath.Join(*outDir, "asm"))
	fmt.Fprintf(os.Stderr, "wrote %d call edges (%d through table pointers, %d with provenance)\n", len(edgeRecs), regCalls, regNamed)
	fmt.Fprintf(os.Stderr, "wrote callgraph.dot (%d nodes, %d edges)\n", len(cg.Nodes), len(cg.Edges))
	if *cfg {
		fmt.Fprintf(os.Stderr, "wrote %d per-function CFG DOTs\n", cfgCount)
	}
	return nil
}

// reachable returns the entry point, the SMI handlers and every function
// reached from them through direct calls, breadth first, at most limit.
func reachable(img *image.Image, rep *analysis.Report, limit int) []uint64 {
	roots := []uint64{img.Entry}
	for _, h := range rep.Handlers {
		roots = append(roots, uint64(h.Addr))
	}
	seen := make(map[uint64]bool)
	var out []uint64
	queue := roots
	for len(queue) > 0 && len(out) < limit {
		fn := queue[0]
		queue = queue[1:]
		if seen[fn] || !img.Contains(fn) {
			continue
		}
		seen[fn] = true
		out = append(out, fn)

		insts, err := img.Function(fn)
		if err != nil {
			continue
		}
		for _, inst := range insts {
			if e, ok := disasm.DecodeCall(inst); ok && e.Kind == disasm.CallDirect {
				queue = append(queue, e.TargetPC)
			}
		}
	}
	return out
}
