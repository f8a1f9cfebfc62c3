package migrate

import (
	"fmt"
	"strings"
)

// Registry holds entity pairs in their declared order.
type Registry struct {
	pairs  []*Pair
	byName map[string]*Pair
}

// NewRegistry validates and registers pairs. Names must be unique.
func NewRegistry(pairs ...*Pair) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Pair, len(pairs))}
	for _, p := range pairs {
		if err := p.check(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("pair %q registered twice", p.Name)
		}
		r.byName[p.Name] = p
		r.pairs = append(r.pairs, p)
	}
	return r, nil
}

// Names returns the pair names in declared order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.pairs))
	for i, p := range r.pairs {
		out[i] = p.Name
	}
	return out
}

// Select returns the named pairs in the order given, or all pairs in
// declared order when names is empty.
func (r *Registry) Select(names []string) ([]*Pair, error) {
	if len(names) == 0 {
		out := make([]*Pair, len(r.pairs))
		copy(out, r.pairs)
		return out, nil
	}
	out := make([]*Pair, 0, len(names))
	var unknown []string
	for _, n := range names {
		p, ok := r.byName[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, p)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown migrations: %s (available: %s)",
			strings.Join(unknown, ", "), strings.Join(r.Names(), ", "))
	}
	return out, nil
}
