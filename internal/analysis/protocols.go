package analysis

import (
	"fmt"
	"strings"
	"unicode"

	"efiscan/internal/efi"
)

const stepResolve = "resolve"

// ProtocolKind tells whether a module installs or consumes a protocol.
type ProtocolKind string

const (
	Installed ProtocolKind = "installed"
	Consumed  ProtocolKind = "consumed"
)

// ProtocolEntry is one protocol GUID referenced by a protocol service call.
// Entries are unique by (GUID, Address).
type ProtocolEntry struct {
	GUID       efi.GUID     `json:"-"`
	GUIDString string       `json:"guid"`
	Name       string       `json:"name,omitempty"` // set iff the knowledge base knows GUID
	Address    uint64       `json:"address"`        // instruction materializing the GUID pointer
	GUIDAddr   uint64       `json:"guid_addr"`      // location of the GUID constant
	CallSite   uint64       `json:"call_site"`
	Service    string       `json:"service"`
	Kind       ProtocolKind `json:"kind"`
}

type protoKey struct {
	guid efi.GUID
	addr uint64
}

// protoService describes the argument layout of a protocol-related service.
type protoService struct {
	kind       ProtocolKind
	guidArgs   []int
	outArg     int // interface out-parameter, -1 if none
	handlerArg int // SMI handler entry point, -1 if none
}

var protocolServices = map[string]protoService{
	// EFI_BOOT_SERVICES
	"InstallProtocolInterface":          {Installed, []int{1}, -1, -1},
	"ReinstallProtocolInterface":        {Installed, []int{1}, -1, -1},
	"InstallMultipleProtocolInterfaces": {Installed, []int{1, 3, 5, 7}, -1, -1},
	"HandleProtocol":                    {Consumed, []int{1}, 2, -1},
	"RegisterProtocolNotify":            {Consumed, []int{0}, -1, -1},
	"LocateHandle":                      {Consumed, []int{1}, -1, -1},
	"LocateDevicePath":                  {Consumed, []int{0}, -1, -1},
	"OpenProtocol":                      {Consumed, []int{1}, 2, -1},
	"OpenProtocolInformation":           {Consumed, []int{1}, -1, -1},
	"LocateHandleBuffer":                {Consumed, []int{1}, -1, -1},
	"LocateProtocol":                    {Consumed, []int{0}, 2, -1},

	// EFI_SMM_SYSTEM_TABLE2
	"SmmInstallProtocolInterface": {Installed, []int{1}, -1, -1},
	"SmiHandlerRegister":          {Installed, []int{1}, -1, 0},
	"SmmHandleProtocol":           {Consumed, []int{1}, 2, -1},
	"SmmRegisterProtocolNotify":   {Consumed, []int{0}, -1, -1},
	"SmmLocateHandle":             {Consumed, []int{1}, -1, -1},
	"SmmLocateProtocol":           {Consumed, []int{0}, 2, -1},
}

// ProtocolServiceKind reports whether service takes a protocol GUID and
// whether it installs or consumes it.
func ProtocolServiceKind(service string) (ProtocolKind, bool) {
	ps, ok := protocolServices[service]
	return ps.kind, ok
}

// addProtocol appends e unless (GUID, Address) was seen; first writer wins.
func (c *Context) addProtocol(e ProtocolEntry) bool {
	k := protoKey{e.GUID, e.Address}
	if c.protoSeen[k] {
		return false
	}
	c.protoSeen[k] = true
	e.GUIDString = e.GUID.String()
	if name, ok := c.DB.Lookup(e.GUID); ok {
		e.Name = name
	}
	c.Protocols = append(c.Protocols, e)
	c.Log.V(1).Info("protocol", "guid", e.GUIDString, "name", e.Name, "kind", string(e.Kind), "address", hex(e.Address))
	return true
}

// ResolveProtocols sweeps the module's code, discovering globals until a
// fixed point, then collects the protocol GUIDs passed to protocol services.
// Repeated calls return the same catalog.
func ResolveProtocols(c *Context) []ProtocolEntry {
	for pass := 0; pass < maxDiscoveryPasses; pass++ {
		if !c.sweep(false) {
			break
		}
	}
	c.sweep(true)
	c.Log.V(1).Info("protocols resolved", "entries", len(c.Protocols), "calls", len(c.Calls), "handlers", len(c.Handlers))
	return c.Protocols
}

// protocolLabel names g for labels: the knowledge-base name, a well-known
// SMM protocol, or empty.
func (c *Context) protocolLabel(g efi.GUID) string {
	if name, ok := c.DB.Lookup(g); ok {
		return name
	}
	if name, ok := efi.SmmDispatchProtocol(g); ok {
		return name
	}
	if g == efi.SmmBase2ProtocolGUID {
		return "EFI_SMM_BASE2_PROTOCOL"
	}
	return ""
}

// interfaceVarName derives a global name for an interface pointer, e.g.
// EFI_SMM_SW_DISPATCH2_PROTOCOL_GUID → gEfiSmmSwDispatch2Protocol.
func interfaceVarName(label string, addr uint64) string {
	if label == "" {
		return fmt.Sprintf("gInterface_%x", addr)
	}
	return "g" + camel(strings.TrimSuffix(label, "_GUID"))
}

func camel(s string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '_' || !isIdent(r) }) {
		lower := strings.ToLower(part)
		if part != strings.ToUpper(part) {
			// already mixed case
			lower = part
		}
		r := []rune(lower)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

// sanitize maps s to an identifier usable as a label.
func sanitize(s string) string {
	out := []rune(s)
	for i, r := range out {
		if !isIdent(r) {
			out[i] = '_'
		}
	}
	return string(out)
}

func isIdent(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
