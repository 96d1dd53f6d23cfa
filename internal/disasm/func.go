package disasm

import (
	"fmt"
	"sort"
)

// MaxInstLen is the longest legal x86 instruction.
const MaxInstLen = 15

// ByteReader returns up to n bytes starting at addr. Short reads at the end
// of a mapped region are not errors.
type ByteReader func(addr uint64, n int) ([]byte, error)

// FunctionBody decodes the function starting at entry by following
// intra-procedural control flow: fallthrough, conditional and unconditional
// jumps. Indirect jumps end a path. At most maxInsts instructions are
// decoded (0 = 100000). Instructions are returned sorted by address.
func FunctionBody(read ByteReader, entry uint64, mode int, maxInsts int) ([]Inst, error) {
	if maxInsts <= 0 {
		maxInsts = 100_000
	}
	seen := make(map[uint64]Inst)
	work := []uint64{entry}

	for len(work) > 0 && len(seen) < maxInsts {
		pc := work[len(work)-1]
		work = work[:len(work)-1]

		for len(seen) < maxInsts {
			if _, done := seen[pc]; done {
				break
			}
			buf, err := read(pc, MaxInstLen)
			if err == nil && len(buf) == 0 {
				err = ErrDecode
			}
			if err != nil {
				if pc == entry {
					return nil, fmt.Errorf("function 0x%x: %w", entry, err)
				}
				break
			}
			inst, err := Decode(buf, pc, mode, nil)
			if err != nil {
				if pc == entry {
					return nil, err
				}
				break
			}
			seen[pc] = inst

			bi := DecodeBranch(inst)
			if bi == nil {
				pc = inst.Next()
				continue
			}
			if bi.IsRet || bi.Indirect && !bi.Cond {
				break
			}
			if !bi.Indirect {
				work = append(work, bi.Target)
			}
			if !bi.Cond {
				break
			}
			pc = inst.Next()
		}
	}

	insts := make([]Inst, 0, len(seen))
	for _, inst := range seen {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Addr < insts[j].Addr })
	return insts, nil
}

// CallSites returns the call instruction addresses of a decoded function body.
func CallSites(insts []Inst) []uint64 {
	var sites []uint64
	for _, inst := range insts {
		if _, ok := DecodeCall(inst); ok {
			sites = append(sites, inst.Addr)
		}
	}
	return sites
}
