package disasm

import (
	"errors"
	"testing"
)

func sliceReader(base uint64, data []byte) ByteReader {
	return func(addr uint64, n int) ([]byte, error) {
		if addr < base || addr >= base+uint64(len(data)) {
			return nil, errors.New("unmapped")
		}
		off := addr - base
		end := off + uint64(n)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		return data[off:end], nil
	}
}

func TestFunctionBody(t *testing.T) {
	code := []byte{
		0x74, 0x03, // 0x1000 je 0x1005
		0x90,                         // 0x1002 nop
		0xC3,                         // 0x1003 ret
		0xCC,                         // 0x1004 int3 (unreachable)
		0xE8, 0x00, 0x00, 0x00, 0x00, // 0x1005 call 0x100a
		0xC3, // 0x100a ret
	}
	insts, err := FunctionBody(sliceReader(0x1000, code), 0x1000, 64, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{0x1000, 0x1002, 0x1003, 0x1005, 0x100a}
	if len(insts) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(insts), len(want))
	}
	for i, inst := range insts {
		if inst.Addr != want[i] {
			t.Errorf("inst[%d] = 0x%x, want 0x%x", i, inst.Addr, want[i])
		}
	}

	sites := CallSites(insts)
	if len(sites) != 1 || sites[0] != 0x1005 {
		t.Errorf("call sites = %x, want [1005]", sites)
	}
}

func TestFunctionBodyLoop(t *testing.T) {
	// 0x1000: nop; 0x1001: jmp 0x1000
	insts, err := FunctionBody(sliceReader(0x1000, []byte{0x90, 0xEB, 0xFD}), 0x1000, 64, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 2 {
		t.Errorf("got %d instructions, want 2", len(insts))
	}
}

func TestFunctionBodyUnmapped(t *testing.T) {
	_, err := FunctionBody(sliceReader(0x1000, []byte{0xC3}), 0x5000, 64, 0)
	if err == nil {
		t.Fatal("expected error for unmapped entry")
	}
}
