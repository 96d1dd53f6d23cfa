package analysis

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"efiscan/internal/disasm"
	"efiscan/internal/efi"
)

// Global discovery sweeps before the final collecting sweep.
const maxDiscoveryPasses = 4

// Symbolic register values. Table kinds use efi.TableKind.String().
const (
	symImageHandle = "ImageHandle"
	ifacePrefix    = "iface:"
	framePrefix    = "&"
)

func ifaceSym(g efi.GUID) string { return ifacePrefix + g.String() }

func ifaceGUID(sym string) (efi.GUID, bool) {
	s, ok := strings.CutPrefix(sym, ifacePrefix)
	if !ok {
		return efi.GUID{}, false
	}
	g, err := efi.ParseGUID(s)
	return g, err == nil
}

func tableSym(sym string) (efi.TableKind, bool) {
	if sym == "" {
		return 0, false
	}
	return efi.TableKindByName(sym)
}

// frameKey addresses a stack slot relative to the canonical RBP, or to
// the stack pointer at the last reset for RSP.
type frameKey struct {
	base x86asm.Reg
	disp int64
}

func (k frameKey) sym() string { return fmt.Sprintf("%s%s%+d", framePrefix, k.base, k.disp) }

// sweep carries provenance through a linear pass over code: registers via
// disasm.RegTracker, stack slots, and pushed IA32 arguments.
type sweep struct {
	c         *Context
	emit      bool
	changed   bool
	regs      *disasm.RegTracker
	frame     map[frameKey]disasm.RegDef
	frameRefs map[string]frameKey
	pushes    []disasm.RegDef

	// depth is how far the stack pointer has moved down since the last
	// reset. fpDepth records it when the frame pointer was set up.
	depth   int64
	fpDepth int64
	haveFP  bool
}

func (c *Context) newSweep(emit bool) *sweep {
	return &sweep{
		c:         c,
		emit:      emit,
		regs:      disasm.NewRegTracker(c.Opts.TrackWindow),
		frame:     make(map[frameKey]disasm.RegDef),
		frameRefs: make(map[string]frameKey),
	}
}

// sweep runs one pass over every code range and reports whether new
// globals were discovered. Resolved calls, protocols and handlers are only
// recorded when emit is set.
func (c *Context) sweep(emit bool) bool {
	s := c.newSweep(emit)
	for _, r := range c.codeRanges() {
		s.reset()
		for pc := r.Start; pc < r.End; {
			if pc == c.Entry {
				s.reset()
				s.seedEntry()
			}
			inst, err := c.Adapter.Decode(pc)
			if err != nil {
				s.reset()
				pc++
				continue
			}
			s.step(inst)
			pc = inst.Next()
		}
	}
	return s.changed
}

func (s *sweep) reset() {
	s.regs.Reset()
	clear(s.frame)
	clear(s.frameRefs)
	s.pushes = s.pushes[:0]
	s.depth, s.fpDepth, s.haveFP = 0, 0, false
}

// moveSP follows the stack pointer across inst.
func (s *sweep) moveSP(inst disasm.Inst) {
	args := inst.Op.Args
	dst, _ := args[0].(x86asm.Reg)
	src, _ := args[1].(x86asm.Reg)
	switch {
	case inst.Op.Op == x86asm.LEAVE:
		if s.haveFP {
			s.depth = s.fpDepth - int64(inst.Op.Mode/8)
		}
		s.haveFP = false
	case inst.Op.Op == x86asm.MOV && isSP(dst) && s.haveFP && disasm.SameReg(src, x86asm.RBP):
		s.depth = s.fpDepth
	default:
		if d, ok := stackEffect(inst); ok {
			s.depth += d
		}
	}
	if inst.Op.Op == x86asm.MOV && disasm.SameReg(dst, x86asm.RBP) && isSP(src) {
		s.fpDepth, s.haveFP = s.depth, true
	}
}

// seedEntry defines the entry point's incoming ImageHandle and SystemTable.
func (s *sweep) seedEntry() {
	c := s.c
	seeds := []disasm.RegDef{
		{Annotation: symImageHandle, Site: c.Entry},
		{Annotation: efi.SystemTable.String(), Value: c.SystemTableAddr, HasValue: c.SystemTableAddr != 0, Site: c.Entry},
	}
	for i, d := range seeds {
		loc := efi.ArgLocation(c.Width, i)
		if loc.Reg != 0 {
			s.regs.Define(loc.Reg, d)
		}
		for _, slot := range loc.Frame {
			base, _ := disasm.Canon(slot.Base)
			s.frame[frameKey{base, slot.Disp}] = d
		}
	}
}

func (s *sweep) step(inst disasm.Inst) {
	defer s.regs.Tick()
	defer s.moveSP(inst)

	if e, ok := disasm.DecodeCall(inst); ok {
		s.call(inst, e)
		return
	}
	if bi := disasm.DecodeBranch(inst); bi != nil {
		if !bi.Cond {
			s.reset()
		}
		return
	}

	args := inst.Op.Args
	switch inst.Op.Op {
	case x86asm.MOV:
		s.mov(inst)
	case x86asm.LEA:
		s.lea(inst)
	case x86asm.XOR, x86asm.SUB:
		dst, ok := args[0].(x86asm.Reg)
		src, ok2 := args[1].(x86asm.Reg)
		if ok && ok2 && dst == src {
			s.regs.Define(dst, disasm.RegDef{Value: 0, HasValue: true, Site: inst.Addr})
			return
		}
		s.killDst(inst)
	case x86asm.PUSH:
		s.pushes = append(s.pushes, s.operand(inst, args[0]))
	case x86asm.POP:
		var d disasm.RegDef
		if n := len(s.pushes); n > 0 {
			d = s.pushes[n-1]
			s.pushes = s.pushes[:n-1]
		}
		if r, ok := args[0].(x86asm.Reg); ok {
			s.define(r, d)
		}
	default:
		s.killDst(inst)
	}
}

func (s *sweep) killDst(inst disasm.Inst) {
	if r, ok := disasm.DstReg(inst); ok {
		s.regs.Kill(r)
	}
}

func (s *sweep) define(r x86asm.Reg, d disasm.RegDef) {
	if !d.Known() {
		s.regs.Kill(r)
		return
	}
	s.regs.Define(r, d)
}

// operand evaluates a source operand.
func (s *sweep) operand(inst disasm.Inst, a x86asm.Arg) disasm.RegDef {
	switch v := a.(type) {
	case x86asm.Reg:
		d, _ := s.regs.Lookup(v)
		return d
	case x86asm.Imm:
		val := uint64(v)
		if s.c.Width == efi.Width32 {
			val = uint64(uint32(val))
		}
		return disasm.RegDef{Value: val, HasValue: true, Site: inst.Addr}
	case x86asm.Mem:
		return s.load(inst, v)
	}
	return disasm.RegDef{}
}

func (s *sweep) mov(inst disasm.Inst) {
	args := inst.Op.Args
	switch dst := args[0].(type) {
	case x86asm.Reg:
		if _, isMem := args[1].(x86asm.Mem); isMem && s.c.Width == efi.Width64 && !(dst >= x86asm.RAX && dst <= x86asm.R15) {
			// partial-width load, not a pointer
			s.regs.Kill(dst)
			return
		}
		s.define(dst, s.operand(inst, args[1]))
	case x86asm.Mem:
		s.store(inst, dst, s.operand(inst, args[1]))
	}
}

// load evaluates a pointer-sized memory read.
func (s *sweep) load(inst disasm.Inst, m x86asm.Mem) disasm.RegDef {
	c := s.c
	d := disasm.RegDef{Site: inst.Addr}
	if addr, ok := disasm.MemAddr(inst, m); ok {
		if g, ok := c.Globals[addr]; ok {
			d.Annotation = g.Sym
		}
		if v, err := c.readPtr(addr); err == nil && v != 0 {
			d.Value, d.HasValue = v, true
		}
		return d
	}
	if m.Index != 0 {
		return disasm.RegDef{}
	}
	if k, ok := s.frameSlot(m); ok {
		return s.frame[k]
	}
	base, ok := s.regs.Lookup(m.Base)
	if !ok {
		return disasm.RegDef{}
	}
	if kind, ok := tableSym(base.Annotation); ok {
		if slot, ok := efi.SlotAt(kind, c.Width, m.Disp); ok && slot.Data {
			if sub, ok := efi.TableKindByName(slot.Name); ok {
				d.Annotation = sub.String()
			}
		}
	}
	if base.HasValue {
		if v, err := c.readPtr(uint64(int64(base.Value) + m.Disp)); err == nil && v != 0 {
			d.Value, d.HasValue = v, true
		}
	}
	return d
}

func (s *sweep) frameSlot(m x86asm.Mem) (frameKey, bool) {
	if m.Index != 0 {
		return frameKey{}, false
	}
	base, ok := disasm.Canon(m.Base)
	if !ok || (base != x86asm.RSP && base != x86asm.RBP) {
		return frameKey{}, false
	}
	if base == x86asm.RSP {
		return s.spKey(m.Disp), true
	}
	return frameKey{base, m.Disp}, true
}

// spKey addresses [rsp+disp] at the current stack depth.
func (s *sweep) spKey(disp int64) frameKey {
	return frameKey{x86asm.RSP, disp - s.depth}
}

func (s *sweep) store(inst disasm.Inst, m x86asm.Mem, d disasm.RegDef) {
	if addr, ok := disasm.MemAddr(inst, m); ok {
		if d.Annotation != "" && s.c.validGlobal(addr) {
			s.storeGlobal(addr, d.Annotation, inst.Addr)
		}
		return
	}
	if k, ok := s.frameSlot(m); ok {
		if d.Known() {
			s.frame[k] = d
		} else {
			delete(s.frame, k)
		}
	}
}

// storeGlobal registers the global at addr as holding sym.
func (s *sweep) storeGlobal(addr uint64, sym string, site uint64) {
	c := s.c
	g := GlobalVar{Addr: addr, Sym: sym, Site: site}
	switch {
	case sym == symImageHandle:
		g.Name, g.Type = "gImageHandle", "EFI_HANDLE"
	case strings.HasPrefix(sym, ifacePrefix):
		guid, _ := ifaceGUID(sym)
		g.Name, g.Type = interfaceVarName(c.protocolLabel(guid), addr), "VOID *"
	default:
		kind, ok := tableSym(sym)
		if !ok {
			return
		}
		g.Name, g.Type = kind.VarName(), kind.TypeName()
	}
	if c.addGlobal(g) {
		s.changed = true
	}
}

func (s *sweep) lea(inst disasm.Inst) {
	dst, ok := inst.Op.Args[0].(x86asm.Reg)
	if !ok {
		return
	}
	m, ok := inst.Op.Args[1].(x86asm.Mem)
	if !ok {
		s.regs.Kill(dst)
		return
	}
	if addr, ok := disasm.MemAddr(inst, m); ok {
		s.regs.Define(dst, disasm.RegDef{Value: addr, HasValue: true, Site: inst.Addr})
		return
	}
	if k, ok := s.frameSlot(m); ok {
		sym := k.sym()
		s.frameRefs[sym] = k
		s.regs.Define(dst, disasm.RegDef{Annotation: sym, Site: inst.Addr})
		return
	}
	s.regs.Kill(dst)
}

// arg returns the value of outgoing argument i at a call.
func (s *sweep) arg(i int) disasm.RegDef {
	w := s.c.Width
	loc := efi.ArgLocation(w, i)
	if loc.Reg != 0 {
		d, _ := s.regs.Lookup(loc.Reg)
		return d
	}
	if w == efi.Width32 && i < len(s.pushes) {
		return s.pushes[len(s.pushes)-1-i]
	}
	if disp, ok := efi.OutgoingStackDisp(w, i); ok {
		return s.frame[s.spKey(disp)]
	}
	return disasm.RegDef{}
}

// setOut stores sym through an out-parameter pointing at a global or a
// stack slot.
func (s *sweep) setOut(out disasm.RegDef, sym string, site uint64) {
	if out.HasValue && s.c.validGlobal(out.Value) {
		s.storeGlobal(out.Value, sym, site)
		return
	}
	if k, ok := s.frameRefs[out.Annotation]; ok {
		s.frame[k] = disasm.RegDef{Annotation: sym, Site: site}
	}
}

func (s *sweep) call(inst disasm.Inst, e disasm.CallEdge) {
	c := s.c
	defer func() {
		for _, r := range efi.Volatile(c.Width) {
			s.regs.Kill(r)
		}
		s.pushes = s.pushes[:0]
	}()

	var (
		kind     efi.TableKind
		name     string
		target   uint64
		resolved bool
	)
	switch e.Kind {
	case disasm.CallMem:
		if t, err := c.readPtr(e.MemAddr); err == nil {
			target = t
			kind, name, resolved = c.serviceAt(t)
		}
	case disasm.CallRegMem, disasm.CallReg:
		reg, _ := disasm.CallBase(inst)
		base, ok := s.regs.Lookup(reg)
		if !ok {
			return
		}
		if base.HasValue {
			t := base.Value
			if e.Kind == disasm.CallRegMem {
				t, _ = c.readPtr(uint64(int64(base.Value) + e.Disp))
			}
			target = t
			kind, name, resolved = c.serviceAt(t)
		}
		if !resolved && e.Kind == disasm.CallRegMem {
			if k, ok := tableSym(base.Annotation); ok && k != efi.SystemTable {
				if slot, ok := efi.SlotAt(k, c.Width, e.Disp); ok && !slot.Data {
					kind, name, resolved, target = k, slot.Name, true, 0
				}
			} else if g, ok := ifaceGUID(base.Annotation); ok {
				s.interfaceCall(inst, g, e.Disp)
				return
			}
		}
	}
	if !resolved {
		return
	}
	_, seen := c.Calls[inst.Addr]
	if s.emit {
		c.Calls[inst.Addr] = ServiceCall{Site: inst.Addr, Table: kind, Service: name, Target: target}
	}
	s.serviceCall(inst, name, s.emit && !seen)
}

// serviceCall handles the GUID, interface and handler arguments of a
// protocol service call. report enables diagnostics for the call site.
func (s *sweep) serviceCall(inst disasm.Inst, service string, report bool) {
	ps, ok := protocolServices[service]
	if !ok {
		return
	}
	c := s.c
	var first efi.GUID
	haveFirst := false
	for n, i := range ps.guidArgs {
		d := s.arg(i)
		if !d.HasValue || !c.Contains(d.Value) {
			if n == 0 && report && service != "SmiHandlerRegister" {
				c.Diags.Addf(stepResolve, inst.Addr, DiagUnresolved, "%s: GUID argument not a module constant", service)
			}
			continue
		}
		g, err := c.readGUID(d.Value)
		if err != nil || !efi.Plausible(g) {
			continue
		}
		if !haveFirst {
			first, haveFirst = g, true
		}
		if s.emit {
			addr := d.Site
			if addr == 0 {
				addr = inst.Addr
			}
			c.addProtocol(ProtocolEntry{
				GUID:     g,
				Address:  addr,
				GUIDAddr: d.Value,
				CallSite: inst.Addr,
				Service:  service,
				Kind:     ps.kind,
			})
		}
	}
	if ps.outArg >= 0 && haveFirst {
		s.setOut(s.arg(ps.outArg), ifaceSym(first), inst.Addr)
	}
	if ps.handlerArg >= 0 && s.emit {
		if d := s.arg(ps.handlerArg); d.HasValue && c.Contains(d.Value) {
			c.addHandler(SmiHandler{Addr: d.Value, Site: inst.Addr, Source: service})
		}
	}
}

// interfaceCall handles calls through protocol interfaces with known
// layouts: EFI_SMM_BASE2_PROTOCOL.GetSmstLocation and the child dispatch
// protocols' Register.
func (s *sweep) interfaceCall(inst disasm.Inst, g efi.GUID, disp int64) {
	c := s.c
	if g == efi.SmmBase2ProtocolGUID && disp == int64(efi.SmmBase2GetSmstLocationIndex*c.Width.PtrSize()) {
		s.setOut(s.arg(1), efi.SmmServices.String(), inst.Addr)
		return
	}
	name, ok := efi.SmmDispatchProtocol(g)
	if !ok || disp != 0 || !s.emit {
		return
	}
	if d := s.arg(efi.SmmDispatchRegisterHandlerArg); d.HasValue && c.Contains(d.Value) {
		c.addHandler(SmiHandler{Addr: d.Value, Site: inst.Addr, Source: name + ".Register"})
	}
}
