package analysis

import (
	"efiscan/internal/disasm"
	"efiscan/internal/efi"
)

const stepSmm = "smm"

// Callout is a call reachable from an SMI handler whose target lies
// outside SMRAM. It is a candidate for review, not a proven defect.
type Callout struct {
	Site     uint64 `json:"site"`
	Handler  uint64 `json:"handler"`
	Function uint64 `json:"function"` // function containing Site
	Target   uint64 `json:"target,omitempty"`
	Service  string `json:"service,omitempty"`
	Depth    int    `json:"depth"`
	Reason   string `json:"reason"`
}

// Callout reasons.
const (
	ReasonService = "non-SMM service called from SMI handler"
	ReasonTarget  = "call target outside SMRAM"
)

// SMRAM returns the configured SMRAM range, or the module range when unset.
func (c *Context) SMRAM() Range {
	if !c.Opts.SMRAM.Empty() {
		return c.Opts.SMRAM
	}
	return Range{Start: c.Start, End: c.End}
}

// HandlerAddrs returns resolver-discovered handlers followed by configured
// ones, without duplicates.
func (c *Context) HandlerAddrs() []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, h := range c.Handlers {
		if !seen[h.Addr] {
			seen[h.Addr] = true
			out = append(out, h.Addr)
		}
	}
	for _, a := range c.Opts.SmiHandlers {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

type workItem struct {
	fn    uint64
	depth int
}

// FindSmmCallout walks the call graph of every SMI handler breadth first,
// up to Options.MaxCallDepth, and flags calls leaving SMRAM: services of
// non-SMM tables and call targets outside SMRAM, minus the configured
// allowlists. Results replace any previous run's.
func FindSmmCallout(c *Context) []Callout {
	c.Callouts = nil
	c.SmmEdges = nil

	smram := c.SMRAM()
	allowedSvc := make(map[string]bool, len(c.Opts.AllowedServices))
	for _, s := range c.Opts.AllowedServices {
		allowedSvc[s] = true
	}
	allowedTgt := make(map[uint64]bool, len(c.Opts.AllowedTargets))
	for _, t := range c.Opts.AllowedTargets {
		allowedTgt[t] = true
	}
	flagged := make(map[uint64]bool)
	edgeSeen := make(map[CallEdge]bool)

	flag := func(co Callout) {
		if flagged[co.Site] {
			return
		}
		flagged[co.Site] = true
		c.Callouts = append(c.Callouts, co)
		c.Log.Info("smm callout candidate", "site", hex(co.Site), "handler", hex(co.Handler), "reason", co.Reason)
	}

	for _, h := range c.HandlerAddrs() {
		visited := map[uint64]bool{h: true}
		queue := []workItem{{fn: h}}
		for len(queue) > 0 {
			it := queue[0]
			queue = queue[1:]

			sites, err := c.Adapter.EnumerateCalls(it.fn)
			if err != nil {
				c.Diags.AddErr(stepSmm, it.fn, adapterErr("calls", it.fn, err))
				continue
			}
			for _, site := range sites {
				if sc, ok := c.Calls[site]; ok {
					if allowedSvc[sc.Service] || (sc.Target != 0 && smram.Contains(sc.Target)) {
						continue
					}
					if sc.Table == efi.SmmServices && sc.Target == 0 {
						// symbolic gSmst call: the table lives in SMRAM
						continue
					}
					flag(Callout{Site: site, Handler: h, Function: it.fn, Target: sc.Target,
						Service: sc.Table.VarName() + "->" + sc.Service, Depth: it.depth, Reason: ReasonService})
					continue
				}

				target, ok := c.callTarget(site)
				if !ok {
					continue
				}
				e := CallEdge{Caller: it.fn, Callee: target}
				if !edgeSeen[e] {
					edgeSeen[e] = true
					c.SmmEdges = append(c.SmmEdges, e)
				}
				if allowedTgt[target] {
					continue
				}
				if !smram.Contains(target) {
					flag(Callout{Site: site, Handler: h, Function: it.fn, Target: target, Depth: it.depth, Reason: ReasonTarget})
					continue
				}
				if it.depth+1 <= c.Opts.MaxCallDepth && !visited[target] && c.Contains(target) {
					visited[target] = true
					queue = append(queue, workItem{fn: target, depth: it.depth + 1})
				}
			}
		}
	}
	c.Log.V(1).Info("smm callout scan", "handlers", len(c.HandlerAddrs()), "callouts", len(c.Callouts))
	return c.Callouts
}

// callTarget resolves the destination of the call at site: a direct call,
// or a pointer read through [rip+x] / [abs]. Register calls are unknown.
func (c *Context) callTarget(site uint64) (uint64, bool) {
	inst, err := c.decode(site)
	if err != nil {
		return 0, false
	}
	e, ok := disasm.DecodeCall(inst)
	if !ok {
		return 0, false
	}
	switch e.Kind {
	case disasm.CallDirect:
		return e.TargetPC, true
	case disasm.CallMem:
		t, err := c.readPtr(e.MemAddr)
		if err != nil || t == 0 {
			return 0, false
		}
		return t, true
	}
	return 0, false
}

// CalloutSites projects callouts to their call sites.
func CalloutSites(callouts []Callout) []uint64 {
	out := make([]uint64, len(callouts))
	for i, co := range callouts {
		out[i] = co.Site
	}
	return out
}
