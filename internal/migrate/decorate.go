package migrate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// WithUniqueSlug returns a copy of p that makes field unique in the
// destination table before validation, by appending -1, -2, ... in
// enumeration order. Suffixed slugs are cropped to limit characters. Pair the
// field with a TolerantSlug mapper of the same length so the suffix verifies.
func WithUniqueSlug(p *Pair, field string, limit int) *Pair {
	q := *p
	q.PreValidate = Chain(p.PreValidate, func(ctx context.Context, env *Env, _, dst *record.Record) error {
		return uniqueSlug(ctx, env, &q, dst, field, limit)
	})
	return &q
}

func uniqueSlug(ctx context.Context, env *Env, p *Pair, dst *record.Record, field string, limit int) error {
	base := dst.String(field)
	if base == "" {
		return nil
	}
	candidate := base
	for n := 1; ; n++ {
		taken, err := slugTaken(ctx, env.Tx, p.Dest, field, candidate, dst)
		if err != nil {
			return err
		}
		if !taken {
			break
		}
		candidate = mapping.SuffixSlug(base, n, limit)
	}
	if candidate == base {
		return nil
	}
	dst.Set(field, candidate)
	if !p.Quiet {
		env.Log.Warn("made slug unique", zap.String("slug", base), zap.String("unique", candidate))
	}
	return nil
}

func slugTaken(ctx context.Context, r store.Reader, t store.Table, field, slug string, self *record.Record) (bool, error) {
	recs, err := r.Enumerate(ctx, t, record.Criteria{field: slug})
	if err != nil {
		return false, fmt.Errorf("look up slug %q: %w", slug, err)
	}
	for _, rec := range recs {
		if self.Persisted() && sameRecord(rec, self) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// TagSpec describes how tags of a source record are copied into a tag
// table keyed by the destination record.
type TagSpec struct {
	// Load returns the legacy tag names of a source record.
	Load func(ctx context.Context, src store.Reader, rec *record.Record) ([]string, error)
	// Dest is the destination tag table, with DestKey referring to the
	// migrated record and DestName holding the tag.
	Dest     store.Table
	DestKey  string
	DestName string
	// Skip lists legacy tags that are markers, not tags.
	Skip []string
}

// NormalizeTags splits comma separated legacy tags, strips stray quotes,
// hyphens, semicolons and spaces, and lowercases them. Tags in skip are
// dropped before splitting.
func NormalizeTags(names, skip []string) []string {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if skipped[n] {
			continue
		}
		for _, part := range strings.Split(n, ",") {
			tag := strings.ToLower(strings.Trim(part, "-\"' ;"))
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

// WithTags returns a copy of p that copies tags after each save and checks
// them during verification. Tags already present are left alone, so runs
// can repeat.
func WithTags(p *Pair, spec TagSpec) *Pair {
	q := *p
	q.PostSave = Chain(p.PostSave, func(ctx context.Context, env *Env, src, dst *record.Record) error {
		names, err := spec.Load(ctx, env.Source, src)
		if err != nil {
			return fmt.Errorf("load tags: %w", err)
		}
		have, err := destTags(ctx, env.Tx, spec, dst)
		if err != nil {
			return err
		}
		for _, tag := range NormalizeTags(names, spec.Skip) {
			if have[tag] {
				continue
			}
			rec := spec.Dest.New()
			rec.Set(spec.DestKey, dst.Key())
			rec.Set(spec.DestName, tag)
			if err := env.Tx.Save(ctx, spec.Dest, rec); err != nil {
				return fmt.Errorf("save tag %q: %w", tag, err)
			}
		}
		return nil
	})
	q.Checks = append(append([]Check(nil), p.Checks...), Check{
		Name: "tags",
		Func: func(ctx context.Context, env *Env, src, dst *record.Record) bool {
			names, err := spec.Load(ctx, env.Source, src)
			if err != nil {
				env.Log.Error("load tags", zap.Error(err))
				return false
			}
			have, err := destTags(ctx, env.Tx, spec, dst)
			if err != nil {
				env.Log.Error("load destination tags", zap.Error(err))
				return false
			}
			want := NormalizeTags(names, spec.Skip)
			ok := len(want) == len(have)
			for _, tag := range want {
				if !have[tag] {
					env.Log.Error("tag missing in destination", zap.String("tag", tag))
					ok = false
				}
			}
			return ok
		},
	})
	return &q
}

func destTags(ctx context.Context, r store.Reader, spec TagSpec, dst *record.Record) (map[string]bool, error) {
	recs, err := r.Enumerate(ctx, spec.Dest, record.Criteria{spec.DestKey: dst.Key()})
	if err != nil {
		return nil, fmt.Errorf("load destination tags: %w", err)
	}
	have := make(map[string]bool, len(recs))
	for _, rec := range recs {
		have[rec.String(spec.DestName)] = true
	}
	return have, nil
}

// ChildSpec describes records that migrate along with their parent, such as
// reactions to a wallpost.
type ChildSpec struct {
	Name string
	// Load returns the legacy children of a source record.
	Load   func(ctx context.Context, src store.Reader, parent *record.Record) ([]*record.Record, error)
	Dest   store.Table
	Fields *mapping.Table
	// ParentKey is the destination column referring to the parent.
	ParentKey string
}

// WithChildren returns a copy of p that migrates children after each save
// and checks that every parent has as many children as in the source.
func WithChildren(p *Pair, spec ChildSpec) *Pair {
	q := *p
	q.PostSave = Chain(p.PostSave, func(ctx context.Context, env *Env, src, dst *record.Record) error {
		children, err := spec.Load(ctx, env.Source, src)
		if err != nil {
			return fmt.Errorf("load %s: %w", spec.Name, err)
		}
		existing, err := env.Tx.Enumerate(ctx, spec.Dest, record.Criteria{spec.ParentKey: dst.Key()})
		if err != nil {
			return fmt.Errorf("load existing %s: %w", spec.Name, err)
		}
		if len(existing) > 0 {
			env.Log.Debug("children already migrated", zap.String("children", spec.Name), zap.Int("count", len(existing)))
			return nil
		}
		for _, c := range children {
			rec := spec.Dest.New()
			deferred, err := spec.Fields.Apply(ctx, c, rec)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.Name, err)
			}
			rec.Set(spec.ParentKey, dst.Key())
			if err := env.Tx.Save(ctx, spec.Dest, rec); err != nil {
				return fmt.Errorf("save %s of %s: %w", spec.Name, dst.Describe(), err)
			}
			if err := WriteDeferred(ctx, env.Tx, spec.Dest, rec, deferred); err != nil {
				return err
			}
		}
		return nil
	})
	q.Checks = append(append([]Check(nil), p.Checks...), Check{
		Name: spec.Name,
		Func: func(ctx context.Context, env *Env, src, dst *record.Record) bool {
			children, err := spec.Load(ctx, env.Source, src)
			if err != nil {
				env.Log.Error("load children", zap.String("children", spec.Name), zap.Error(err))
				return false
			}
			migrated, err := env.Tx.Enumerate(ctx, spec.Dest, record.Criteria{spec.ParentKey: dst.Key()})
			if err != nil {
				env.Log.Error("load migrated children", zap.String("children", spec.Name), zap.Error(err))
				return false
			}
			if len(children) != len(migrated) {
				env.Log.Error("child counts differ",
					zap.String("children", spec.Name), zap.Int("source", len(children)), zap.Int("dest", len(migrated)))
				return false
			}
			return true
		},
	})
	return &q
}
