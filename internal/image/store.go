package image

import (
	"errors"
	"sort"
	"sync"
)

// Annotation kinds.
const (
	KindName    = "name"
	KindComment = "comment"
	KindType    = "type"
)

var errEmptyAnnotation = errors.New("image: empty annotation")

// Annotation is one write to the store.
type Annotation struct {
	Addr  uint64 `json:"addr"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Store keeps the latest annotation per (address, kind) and a log of every
// write in order.
type Store struct {
	mu     sync.Mutex
	latest map[storeKey]string
	log    []Annotation
}

type storeKey struct {
	addr uint64
	kind string
}

func NewStore() *Store {
	return &Store{latest: make(map[storeKey]string)}
}

// Set records value for (addr, kind), replacing any previous value.
func (s *Store) Set(addr uint64, kind, value string) error {
	if value == "" {
		return errEmptyAnnotation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[storeKey{addr, kind}] = value
	s.log = append(s.log, Annotation{Addr: addr, Kind: kind, Value: value})
	return nil
}

// Get returns the current value for (addr, kind).
func (s *Store) Get(addr uint64, kind string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.latest[storeKey{addr, kind}]
	return v, ok
}

// Log returns every write in order.
func (s *Store) Log() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Annotation(nil), s.log...)
}

// Current returns the latest annotations sorted by address and kind.
func (s *Store) Current() []Annotation {
	s.mu.Lock()
	out := make([]Annotation, 0, len(s.latest))
	for k, v := range s.latest {
		out = append(out, Annotation{Addr: k.addr, Kind: k.kind, Value: v})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
