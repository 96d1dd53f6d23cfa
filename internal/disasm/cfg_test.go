package disasm

import "testing"

func TestBuildCFG_Linear(t *testing.T) {
	insts := Disassemble([]byte{0x90, 0x90, 0xC3}, Options{BaseAddr: 0x1000})
	cfg := BuildCFG("linear", insts)
	if len(cfg.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(cfg.Blocks))
	}
	blk := cfg.Blocks[0]
	if blk.Start != 0 || blk.End != 3 {
		t.Errorf("block range = [%d,%d), want [0,3)", blk.Start, blk.End)
	}
	if !blk.IsTerm {
		t.Error("block should be terminal (RET)")
	}
	if len(blk.Succs) != 0 {
		t.Errorf("succs = %d, want 0", len(blk.Succs))
	}
}

func TestBuildCFG_ConditionalBranch(t *testing.T) {
	//   0x1000: je 0x1004
	//   0x1002: nop
	//   0x1003: ret
	//   0x1004: ret (branch target)
	insts := Disassemble([]byte{0x74, 0x02, 0x90, 0xC3, 0xC3}, Options{BaseAddr: 0x1000})
	cfg := BuildCFG("cond", insts)

	if len(cfg.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(cfg.Blocks))
	}
	b0 := cfg.Blocks[0]
	if len(b0.Succs) != 2 {
		t.Fatalf("block 0 succs = %d, want 2", len(b0.Succs))
	}
	if b0.Succs[0].BlockID != 2 || b0.Succs[0].Cond != "T" {
		t.Errorf("taken edge = %+v, want block 2 T", b0.Succs[0])
	}
	if b0.Succs[1].BlockID != 1 || b0.Succs[1].Cond != "F" {
		t.Errorf("fallthrough edge = %+v, want block 1 F", b0.Succs[1])
	}
	if !cfg.Blocks[1].IsTerm || !cfg.Blocks[2].IsTerm {
		t.Error("return blocks should be terminal")
	}
}

func TestBuildCFG_IndirectJump(t *testing.T) {
	insts := Disassemble([]byte{0x90, 0xFF, 0xE0}, Options{BaseAddr: 0x1000})
	cfg := BuildCFG("indirect", insts)
	if len(cfg.Blocks) != 1 || !cfg.Blocks[0].IsTerm {
		t.Fatalf("blocks = %+v, want one terminal block", cfg.Blocks)
	}
}

func TestBuildCFG_Empty(t *testing.T) {
	cfg := BuildCFG("empty", nil)
	if len(cfg.Blocks) != 0 {
		t.Errorf("blocks = %d, want 0", len(cfg.Blocks))
	}
}
