package disasm

// BasicBlock represents a sequence of instructions with a single entry point.
type BasicBlock struct {
	ID      int
	Start   int    // index into FuncCFG.Insts (inclusive)
	End     int    // index into FuncCFG.Insts (exclusive)
	Succs   []Succ // successor edges
	IsEntry bool
	IsTerm  bool // ends with RET, HLT/UD2, or a jump out of the function
}

// Succ describes a control-flow successor edge.
type Succ struct {
	BlockID int
	Cond    string // "" = unconditional, "T" = taken/true, "F" = fallthrough/false
}

// FuncCFG is a per-function control flow graph.
type FuncCFG struct {
	Name   string
	Blocks []BasicBlock
	Insts  []Inst
}

// BuildCFG splits a function's instruction stream into basic blocks.
// Leaders are the first instruction, in-function branch targets and the
// instruction after every branch or return. Successors come from each
// block's last instruction; a jump leaving the function ends it.
func BuildCFG(name string, insts []Inst) FuncCFG {
	cfg := FuncCFG{Name: name, Insts: insts}
	if len(insts) == 0 {
		return cfg
	}

	index := make(map[uint64]int, len(insts))
	for i, inst := range insts {
		index[inst.Addr] = i
	}
	branches := make([]*BranchInfo, len(insts))
	isLeader := make([]bool, len(insts))
	isLeader[0] = true
	for i, inst := range insts {
		bi := DecodeBranch(inst)
		if bi == nil {
			continue
		}
		branches[i] = bi
		if i+1 < len(insts) {
			isLeader[i+1] = true
		}
		if t, ok := index[bi.Target]; ok && !bi.IsRet && !bi.Indirect {
			isLeader[t] = true
		}
	}

	blockAt := make(map[int]int)
	for i, lead := range isLeader {
		if !lead {
			continue
		}
		if n := len(cfg.Blocks); n > 0 {
			cfg.Blocks[n-1].End = i
		}
		blockAt[i] = len(cfg.Blocks)
		cfg.Blocks = append(cfg.Blocks, BasicBlock{ID: len(cfg.Blocks), Start: i, IsEntry: i == 0})
	}
	cfg.Blocks[len(cfg.Blocks)-1].End = len(insts)

	target := func(bi *BranchInfo) (int, bool) {
		if bi.Indirect {
			return 0, false
		}
		t, ok := index[bi.Target]
		if !ok {
			return 0, false
		}
		id, ok := blockAt[t]
		return id, ok
	}

	for i := range cfg.Blocks {
		blk := &cfg.Blocks[i]
		next, hasNext := blockAt[blk.End]
		bi := branches[blk.End-1]
		switch {
		case bi == nil:
			if hasNext {
				blk.Succs = append(blk.Succs, Succ{BlockID: next})
			}
		case bi.IsRet:
			blk.IsTerm = true
		case bi.Cond:
			if id, ok := target(bi); ok {
				blk.Succs = append(blk.Succs, Succ{BlockID: id, Cond: "T"})
			}
			if hasNext {
				blk.Succs = append(blk.Succs, Succ{BlockID: next, Cond: "F"})
			}
		default:
			if id, ok := target(bi); ok {
				blk.Succs = append(blk.Succs, Succ{BlockID: id})
			} else {
				blk.IsTerm = true
			}
		}
	}
	return cfg
}
