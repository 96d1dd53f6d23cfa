// Package analysis recovers UEFI semantics from a module: the image handle
// and system table globals, boot/runtime/SMM service tables, the protocols
// the module installs or consumes, and SMM callout candidates.
//
// All state for one run lives in a Context. Steps record failures as
// diagnostics instead of returning errors; only NewContext validates
// preconditions.
package analysis

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"efiscan/internal/efi"
	"efiscan/internal/guiddb"
)

// Defaults for zero Options fields.
const (
	DefaultMaxCallDepth   = 8
	DefaultEntryScanLimit = 64
	DefaultTrackWindow    = 32
)

// Module describes the analyzed image in its mapped address space.
type Module struct {
	Name  string
	Base  uint64 // image base
	Start uint64 // first mapped address
	End   uint64 // one past the last mapped address
	Entry uint64 // entry point ("mainAddress")
	Width efi.BitWidth
}

// Contains reports whether addr lies in [Start, End).
func (m Module) Contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// Options tunes one analysis run.
type Options struct {
	// SystemTable and Smst are concrete table addresses for memory images.
	// Zero means "read through the discovered global".
	SystemTable uint64
	Smst        uint64

	// SMRAM bounds callout detection. Empty means the module range.
	SMRAM Range

	MaxCallDepth int

	// AllowedServices are service names never flagged as callouts. nil
	// selects the SMM System Table services, which reside in SMRAM.
	AllowedServices []string
	// AllowedTargets are call targets never flagged as callouts.
	AllowedTargets []uint64
	// SmiHandlers are additional handler entry points.
	SmiHandlers []uint64

	EntryScanLimit int // instructions decoded from the entry point
	TrackWindow    int // register provenance expiry, in instructions

	Log logr.Logger
}

// DefaultOptions returns Options with every default filled in.
func DefaultOptions() Options {
	return Options{
		MaxCallDepth:    DefaultMaxCallDepth,
		AllowedServices: efi.ServiceNames(efi.SmmServices),
		EntryScanLimit:  DefaultEntryScanLimit,
		TrackWindow:     DefaultTrackWindow,
		Log:             logr.Discard(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxCallDepth <= 0 {
		o.MaxCallDepth = d.MaxCallDepth
	}
	if o.AllowedServices == nil {
		o.AllowedServices = d.AllowedServices
	}
	if o.EntryScanLimit <= 0 {
		o.EntryScanLimit = d.EntryScanLimit
	}
	if o.TrackWindow <= 0 {
		o.TrackWindow = d.TrackWindow
	}
	if o.Log.GetSink() == nil {
		o.Log = d.Log
	}
	return o
}

// MarkedSet is a set of addresses already annotated.
type MarkedSet struct {
	m map[uint64]struct{}
}

// Has reports whether addr was marked.
func (s *MarkedSet) Has(addr uint64) bool {
	_, ok := s.m[addr]
	return ok
}

// Add marks addr and reports whether it was newly added.
func (s *MarkedSet) Add(addr uint64) bool {
	if s.m == nil {
		s.m = make(map[uint64]struct{})
	}
	if _, ok := s.m[addr]; ok {
		return false
	}
	s.m[addr] = struct{}{}
	return true
}

// Len returns the number of marked addresses.
func (s *MarkedSet) Len() int { return len(s.m) }

// Sorted returns the marked addresses in ascending order.
func (s *MarkedSet) Sorted() []uint64 {
	out := make([]uint64, 0, len(s.m))
	for a := range s.m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GlobalVar is a module global holding a table or interface pointer.
type GlobalVar struct {
	Addr uint64 `json:"addr"`
	Name string `json:"name"`
	Type string `json:"type"`
	// Sym is the symbolic value the global holds, e.g. "BootServices" or
	// "iface:<GUID>".
	Sym  string `json:"sym"`
	Site uint64 `json:"site,omitempty"` // first store
}

// ServiceCall is a call site resolved to a table service.
type ServiceCall struct {
	Site    uint64        `json:"site"`
	Table   efi.TableKind `json:"-"`
	Service string        `json:"service"`
	Target  uint64        `json:"target,omitempty"` // concrete target, 0 if symbolic
}

// SmiHandler is an SMI handler entry point and the registration that
// introduced it.
type SmiHandler struct {
	Addr   uint64 `json:"addr"`
	Site   uint64 `json:"site,omitempty"`
	Source string `json:"source"`
}

// CallEdge is a caller → callee edge seen by the SMM traversal.
type CallEdge struct {
	Caller uint64
	Callee uint64
}

// Context is the state of one analysis run.
type Context struct {
	Module
	Adapter Adapter
	DB      *guiddb.DB
	Opts    Options
	Log     logr.Logger

	// Addresses of the globals found by the entry-point locator.
	ImageHandleVar uint64
	SystemTableVar uint64

	// SystemTableAddr is the concrete system table once known.
	SystemTableAddr uint64

	Boot    ServiceTable
	Runtime ServiceTable
	Smm     ServiceTable

	Protocols  []ProtocolEntry
	protoSeen  map[protoKey]bool
	Globals    map[uint64]GlobalVar
	Calls      map[uint64]ServiceCall
	Handlers   []SmiHandler
	DataGUIDs  []DataGUID
	Callouts   []Callout
	SmmEdges   []CallEdge
	handlerSet map[uint64]bool

	Marked      MarkedSet // protocol entry addresses
	MarkedData  MarkedSet // renamed/typed data labels
	MarkedCalls MarkedSet // commented service call sites

	Diags Diags
}

// NewContext validates the module description and creates a Context.
// db may be nil.
func NewContext(m Module, adapter Adapter, db *guiddb.DB, opts Options) (*Context, error) {
	if adapter == nil {
		return nil, errors.New("analysis: nil adapter")
	}
	if !m.Width.Valid() {
		return nil, fmt.Errorf("analysis: invalid bit width %d", int(m.Width))
	}
	if m.Start >= m.End {
		return nil, fmt.Errorf("analysis: empty module range [0x%x, 0x%x)", m.Start, m.End)
	}
	opts = opts.withDefaults()
	return &Context{
		Module:     m,
		Adapter:    adapter,
		DB:         db,
		Opts:       opts,
		Log:        opts.Log.WithValues("module", m.Name),
		protoSeen:  make(map[protoKey]bool),
		Globals:    make(map[uint64]GlobalVar),
		Calls:      make(map[uint64]ServiceCall),
		handlerSet: make(map[uint64]bool),
	}, nil
}

// addGlobal registers a global; the first registration wins.
func (c *Context) addGlobal(g GlobalVar) bool {
	if _, ok := c.Globals[g.Addr]; ok {
		return false
	}
	c.Globals[g.Addr] = g
	c.Log.V(1).Info("global", "addr", fmt.Sprintf("0x%x", g.Addr), "name", g.Name)
	return true
}

// globalBySym returns the lowest-addressed global holding sym.
func (c *Context) globalBySym(sym string) (GlobalVar, bool) {
	var best GlobalVar
	found := false
	for _, g := range c.Globals {
		if g.Sym == sym && (!found || g.Addr < best.Addr) {
			best, found = g, true
		}
	}
	return best, found
}

// SortedGlobals returns the globals ordered by address.
func (c *Context) SortedGlobals() []GlobalVar {
	out := make([]GlobalVar, 0, len(c.Globals))
	for _, g := range c.Globals {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// SortedCalls returns the resolved service calls ordered by site.
func (c *Context) SortedCalls() []ServiceCall {
	out := make([]ServiceCall, 0, len(c.Calls))
	for _, sc := range c.Calls {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}

func (c *Context) addHandler(h SmiHandler) {
	if c.handlerSet[h.Addr] {
		return
	}
	c.handlerSet[h.Addr] = true
	c.Handlers = append(c.Handlers, h)
}
