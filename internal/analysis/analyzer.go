package analysis

import "efiscan/internal/efi"

// Analyze runs every step in order and returns the report. Failed steps are
// recorded as diagnostics; steps that depend on them are skipped.
func Analyze(c *Context) *Report {
	log := c.Log
	log.V(1).Info("analyze", "arch", c.Width.String(), "entry", hex(c.Entry))

	_, _, err := LocateImageHandleAndSystemTable(c)
	if err != nil && c.Opts.SystemTable == 0 {
		log.Info("system table not located, skipping service table walk", "error", err.Error())
		c.Diags.Add("walk", c.Entry, DiagSkipped, "system table not located")
	} else {
		WalkBootServices(c)
		WalkRuntimeServices(c)
	}

	ResolveProtocols(c)

	if c.Opts.Smst != 0 || hasGlobal(c, efi.SmmServices) {
		if WalkSmmServices(c).Found() {
			// concrete SMST targets can now be matched
			ResolveProtocols(c)
		}
	}

	MarkProtocols(c)
	MarkDataGuids(c)
	MarkGlobals(c)
	MarkServiceCalls(c)

	FindSmmCallout(c)

	r := NewReport(c)
	log.Info("analysis complete", "protocols", len(r.Protocols), "callouts", len(r.Callouts), "diagnostics", len(r.Diags))
	return r
}

func hasGlobal(c *Context, kind efi.TableKind) bool {
	_, ok := c.globalBySym(kind.String())
	return ok
}
