package meter

import (
	"strings"
	"sync/atomic"
)

// Registry holds the current definition set. Lookups run against an
// immutable snapshot swapped atomically on reload, so a concurrent fetch
// never observes a half-applied definition list.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	byID  map[string]Definition
	order []string // load order, for listing
}

func NewRegistry(defs []Definition) *Registry {
	r := &Registry{}
	r.Reload(defs)
	return r
}

// Reload replaces the definition set in one step.
func (r *Registry) Reload(defs []Definition) {
	s := &snapshot{
		byID:  make(map[string]Definition, len(defs)),
		order: make([]string, 0, len(defs)),
	}
	for _, d := range defs {
		id := strings.ToLower(d.ID)
		d.ID = id
		s.byID[id] = d
		s.order = append(s.order, id)
	}
	r.snap.Store(s)
}

// Lookup finds a definition by case-insensitive ID.
func (r *Registry) Lookup(id string) (Definition, bool) {
	d, ok := r.snap.Load().byID[strings.ToLower(id)]
	return d, ok
}

// IDs returns the configured meter IDs in load order.
func (r *Registry) IDs() []string {
	s := r.snap.Load()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// All returns the definitions in load order.
func (r *Registry) All() []Definition {
	s := r.snap.Load()
	out := make([]Definition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len reports the number of configured meters.
func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}
