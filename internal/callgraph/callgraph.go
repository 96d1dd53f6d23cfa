package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"efiscan/internal/analysis"
	"efiscan/internal/disasm"
)

// CalloutPrefix marks graph nodes that stand for a target outside SMRAM.
const CalloutPrefix = "callout:"

// FuncInfo holds the data needed to build call graph and CFG for one function.
type FuncInfo struct {
	Name      string
	Insts     []disasm.Inst
	CallEdges []disasm.CallEdge
}

// calleeName picks the best label for a call edge, or "" when the target is
// unknown (register calls without provenance).
func calleeName(e disasm.CallEdge) string {
	switch {
	case e.TargetName != "":
		return e.TargetName
	case e.Via != "":
		return e.Via
	case e.Kind == disasm.CallDirect:
		return fmt.Sprintf("sub_%x", e.TargetPC)
	}
	return ""
}

// BuildCallGraph constructs a lattice.Graph from disassembled functions.
// Each function becomes a node. Each resolved call edge becomes an edge.
func BuildCallGraph(funcs []FuncInfo) *lattice.Graph {
	g := &lattice.Graph{}
	for _, f := range funcs {
		g.Nodes = append(g.Nodes, f.Name)
		for _, e := range f.CallEdges {
			callee := calleeName(e)
			if callee == "" {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: f.Name,
				Callee: callee,
			})
		}
	}
	g.Dedup()
	return g
}

// BuildSmmGraph constructs the SMI handler call graph of a report: handlers,
// the SMRAM edges walked by the callout detector, and one edge per callout
// into a CalloutPrefix node. names labels addresses; unnamed handlers become
// SmiHandler_<addr> and other functions sub_<addr>.
func BuildSmmGraph(r *analysis.Report, names disasm.SymbolLookup) *lattice.Graph {
	handlers := make(map[analysis.Hex]bool, len(r.Handlers))
	for _, h := range r.Handlers {
		handlers[h.Addr] = true
	}
	label := func(a analysis.Hex) string {
		if names != nil {
			if n, ok := names(uint64(a)); ok {
				return n
			}
		}
		if handlers[a] {
			return fmt.Sprintf("SmiHandler_%x", uint64(a))
		}
		return fmt.Sprintf("sub_%x", uint64(a))
	}

	g := &lattice.Graph{}
	seen := make(map[string]bool)
	node := func(n string) string {
		if !seen[n] {
			seen[n] = true
			g.Nodes = append(g.Nodes, n)
		}
		return n
	}

	for _, h := range r.Handlers {
		node(label(h.Addr))
	}
	for _, e := range r.SmmEdges {
		g.Edges = append(g.Edges, lattice.Edge{
			Caller: node(label(e.Caller)),
			Callee: node(label(e.Callee)),
		})
	}
	for _, co := range r.Callouts {
		target := co.Service
		if target == "" {
			target = fmt.Sprintf("0x%x", uint64(co.Target))
		}
		g.Edges = append(g.Edges, lattice.Edge{
			Caller: node(label(co.Function)),
			Callee: node(CalloutPrefix + target),
		})
	}
	g.Dedup()
	return g
}
