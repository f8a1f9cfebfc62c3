package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// SourceSet is the memoized source side of a run: every enumerated record,
// and the subset that survived exclusion.
type SourceSet struct {
	all      []*record.Record
	included []*record.Record
	member   map[*record.Record]bool
	indexes  map[string]map[string][]*record.Record
}

// NewSourceSet splits all by exclude, which may be nil.
func NewSourceSet(all []*record.Record, exclude func(*record.Record) bool) *SourceSet {
	s := &SourceSet{
		all:     all,
		member:  make(map[*record.Record]bool, len(all)),
		indexes: map[string]map[string][]*record.Record{},
	}
	for _, r := range all {
		if exclude != nil && exclude(r) {
			continue
		}
		s.included = append(s.included, r)
		s.member[r] = true
	}
	return s
}

// Records returns the included records in enumeration order.
func (s *SourceSet) Records() []*record.Record { return s.included }

// Total is the number of records before exclusion.
func (s *SourceSet) Total() int { return len(s.all) }

// Contains reports whether r survived exclusion.
func (s *SourceSet) Contains(r *record.Record) bool { return s.member[r] }

// Find returns every record, excluded ones included, matching where.
func (s *SourceSet) Find(where record.Criteria) []*record.Record {
	for _, v := range where {
		if !record.Indexable(v) {
			return s.scan(where)
		}
	}
	cols := where.Columns()
	sig := strings.Join(cols, "\x00")
	idx, ok := s.indexes[sig]
	if !ok {
		idx = make(map[string][]*record.Record, len(s.all))
		for _, r := range s.all {
			k := indexKey(cols, r.Get)
			idx[k] = append(idx[k], r)
		}
		s.indexes[sig] = idx
	}
	var out []*record.Record
	for _, r := range idx[indexKey(cols, func(c string) any { return where[c] })] {
		if where.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *SourceSet) scan(where record.Criteria) []*record.Record {
	var out []*record.Record
	for _, r := range s.all {
		if where.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func indexKey(cols []string, get func(string) any) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = record.IndexKey(get(c))
	}
	return strings.Join(parts, "\x00")
}

// Resolver finds the counterpart of a record on the other side.
type Resolver struct {
	pair    *Pair
	sources *SourceSet
	dest    store.Reader
}

func NewResolver(p *Pair, sources *SourceSet, dest store.Reader) *Resolver {
	return &Resolver{pair: p, sources: sources, dest: dest}
}

// Forward returns the destination record corresponding to src. ok is false
// when there is none yet.
func (r *Resolver) Forward(ctx context.Context, src *record.Record) (*record.Record, bool, error) {
	where := r.pair.forwardKey(src)
	dst, err := r.dest.Get(ctx, r.pair.Dest, where)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find %s %s: %w", r.pair.Dest.Name, where, err)
	}
	return dst, true, nil
}

// Backward returns the source record corresponding to dst, searching all
// enumerated source records.
func (r *Resolver) Backward(dst *record.Record) (*record.Record, bool, error) {
	where := r.pair.backwardKey(dst)
	found := r.sources.Find(where)
	switch len(found) {
	case 0:
		return nil, false, nil
	case 1:
		return found[0], true, nil
	}
	return nil, false, fmt.Errorf("find %s %s: %w", r.pair.Source.Name, where, store.ErrMultipleRecords)
}

// sameRecord compares by key, or by every field for keyless tables.
func sameRecord(a, b *record.Record) bool {
	if a.Table != b.Table {
		return false
	}
	if a.PrimaryKey != "" {
		return a.Key() != nil && record.Equal(a.Key(), b.Key())
	}
	fa, fb := a.Fields(), b.Fields()
	if len(fa) != len(fb) {
		return false
	}
	for k, v := range fa {
		if !record.Equal(v, fb[k]) {
			return false
		}
	}
	return true
}
