package callgraph

import (
	"sort"

	"github.com/zboralski/lattice"

	"efiscan/internal/disasm"
)

// BuildCFG converts every function into a lattice CFG.
func BuildCFG(funcs []FuncInfo) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, f := range funcs {
		lcfg, _ := BuildFuncCFG(f.Name, f.Insts, f.CallEdges)
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg
}

// BuildFuncCFG builds the lattice CFG of one function and reports its block
// count so callers can skip straight-line functions.
func BuildFuncCFG(name string, insts []disasm.Inst, edges []disasm.CallEdge) (*lattice.FuncCFG, int) {
	dcfg := disasm.BuildCFG(name, insts)
	return toLattice(&dcfg, edges), len(dcfg.Blocks)
}

// toLattice maps blocks one to one and attaches each call edge to the block
// holding its call site.
func toLattice(dcfg *disasm.FuncCFG, edges []disasm.CallEdge) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	blockOf := make([]int, len(dcfg.Insts))
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{ID: db.ID, Start: db.Start, End: db.End, Term: db.IsTerm}
		for _, s := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: s.BlockID, Cond: s.Cond})
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
		for i := db.Start; i < db.End; i++ {
			blockOf[i] = db.ID
		}
	}

	index := make(map[uint64]int, len(dcfg.Insts))
	for i, inst := range dcfg.Insts {
		index[inst.Addr] = i
	}
	for _, e := range edges {
		i, ok := index[e.FromPC]
		if !ok {
			continue
		}
		callee := calleeName(e)
		if callee == "" {
			callee = disasm.FormatCallEdge(e)
		}
		lb := lcfg.Blocks[blockOf[i]]
		lb.Calls = append(lb.Calls, lattice.CallSite{Offset: i, Callee: callee})
	}
	for _, lb := range lcfg.Blocks {
		sort.Slice(lb.Calls, func(a, b int) bool { return lb.Calls[a].Offset < lb.Calls[b].Offset })
	}
	return lcfg
}
