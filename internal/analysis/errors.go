package analysis

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a searched pattern or signature is absent.
	ErrNotFound = errors.New("not found")
	// ErrAdapter reports that the address-space adapter rejected an
	// operation, e.g. a read outside mapped memory.
	ErrAdapter = errors.New("adapter error")
)

// DiagKind classifies a diagnostic.
type DiagKind string

const (
	DiagNotFound   DiagKind = "not_found"
	DiagAdapter    DiagKind = "adapter_error"
	DiagUnresolved DiagKind = "unresolved"
	DiagSkipped    DiagKind = "skipped"
)

// Diag records a non-fatal issue encountered during analysis.
type Diag struct {
	Step string   `json:"step"`
	Addr uint64   `json:"addr,omitempty"`
	Kind DiagKind `json:"kind"`
	Msg  string   `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] %s 0x%x: %s", d.Kind, d.Step, d.Addr, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(step string, addr uint64, kind DiagKind, msg string) {
	d.items = append(d.items, Diag{Step: step, Addr: addr, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(step string, addr uint64, kind DiagKind, format string, args ...any) {
	d.Add(step, addr, kind, fmt.Sprintf(format, args...))
}

// AddErr records err, classifying it by its sentinel.
func (d *Diags) AddErr(step string, addr uint64, err error) {
	d.Add(step, addr, kindOf(err), err.Error())
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Count returns the number of diagnostics of the given kind.
func (d *Diags) Count(kind DiagKind) int {
	n := 0
	for _, it := range d.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

func kindOf(err error) DiagKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return DiagNotFound
	case errors.Is(err, ErrAdapter):
		return DiagAdapter
	}
	return DiagUnresolved
}
