package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// ErrVerificationFailed is returned when the migrated records of a pair do
// not verify. The pair's transaction has been rolled back.
var ErrVerificationFailed = errors.New("integrity tests failed")

// Options tune a Driver.
type Options struct {
	// EnableExclusions applies each pair's Exclude predicate.
	EnableExclusions bool
	// Debug logs the full source record when a record fails to migrate.
	Debug bool
	// DebugTiming logs the duration of every record at debug level.
	DebugTiming bool
	// ProgressEvery is the number of records between progress lines.
	ProgressEvery int
}

// Driver runs entity pairs from src into dst.
type Driver struct {
	src      store.Source
	dst      store.Database
	log      *zap.Logger
	opts     Options
	validate *validator.Validate
}

func NewDriver(src store.Source, dst store.Database, log *zap.Logger, opts Options) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 50
	}
	return &Driver{src: src, dst: dst, log: log, opts: opts, validate: validator.New()}
}

// RunAll runs pairs in order and stops at the first failure.
func (d *Driver) RunAll(ctx context.Context, pairs []*Pair) ([]*Report, error) {
	reports := make([]*Report, 0, len(pairs))
	for _, p := range pairs {
		rep, err := d.Run(ctx, p)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Run migrates one pair: every included source record is mapped and saved
// inside a single transaction, the result is verified, and the transaction
// is committed only when verification passes. The destination key sequence
// is reset after the commit.
func (d *Driver) Run(ctx context.Context, p *Pair) (*Report, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	runID := uuid.New()
	log := d.log.With(zap.String("pair", p.Name), zap.String("run", runID.String()))
	start := time.Now()
	log.Info("migrating", zap.String("from", p.Source.Name), zap.String("to", p.Dest.Name))

	all, err := d.enumerate(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: enumerate %s: %w", p.Name, p.Source.Name, err)
	}
	var exclude func(*record.Record) bool
	if d.opts.EnableExclusions {
		exclude = p.Exclude
	}
	sources := NewSourceSet(all, exclude)
	if excluded := sources.Total() - len(sources.Records()); excluded > 0 {
		log.Info("excluded source records", zap.Int("excluded", excluded), zap.Int("total", sources.Total()))
	}
	d.warnUnmapped(ctx, log, p, all)

	tx, err := d.dst.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", p.Name, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(context.Background()); err != nil {
			log.Error("rollback failed", zap.Error(err))
		}
	}()

	ctx = store.WithReader(ctx, tx)
	env := &Env{Source: d.src, Tx: tx, Log: log, RunID: runID}
	res := NewResolver(p, sources, tx)

	recs := sources.Records()
	for i, s := range recs {
		recStart := time.Now()
		if err := d.migrateOne(ctx, env, res, p, s); err != nil {
			if d.opts.Debug {
				log.Error("record failed to migrate",
					zap.String("record", s.Describe()), zap.Any("fields", s.Fields()), zap.Error(err))
			}
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		if d.opts.DebugTiming {
			log.Debug("migrated record", zap.String("record", s.Describe()), zap.Duration("took", time.Since(recStart)))
		}
		if n := i + 1; n%d.opts.ProgressEvery == 0 {
			log.Info("migration progress", zap.Int("done", n), zap.Int("total", len(recs)))
		}
	}
	log.Info("migrated records", zap.Int("count", len(recs)), zap.Duration("took", time.Since(start)))

	rep, err := d.verify(ctx, env, res, p, sources)
	if err != nil {
		return nil, fmt.Errorf("%s: verify: %w", p.Name, err)
	}
	if !rep.OK() {
		log.Error("verification failed, rolling back",
			zap.Int("compared", rep.Compared), zap.Int("failed", rep.Failed), zap.Bool("count_mismatch", rep.CountMismatch))
		return rep, fmt.Errorf("%s: %w", p.Name, ErrVerificationFailed)
	}

	if err := tx.Commit(ctx); err != nil {
		return rep, fmt.Errorf("%s: commit: %w", p.Name, err)
	}
	committed = true

	if p.Dest.PrimaryKey != "" {
		next, err := d.dst.ResetSequence(ctx, p.Dest)
		if err != nil {
			return rep, fmt.Errorf("%s: reset sequence of %s: %w", p.Name, p.Dest.Name, err)
		}
		log.Info("reset key sequence", zap.String("table", p.Dest.Name), zap.Int64("next", next))
	}
	log.Info("pair done", zap.Duration("took", time.Since(start)))
	return rep, nil
}

func (d *Driver) enumerate(ctx context.Context, p *Pair) ([]*record.Record, error) {
	if p.List != nil {
		return p.List(ctx, d.src)
	}
	return d.src.Enumerate(ctx, p.Source, nil)
}

// warnUnmapped warns once for every source column the field mapping does not
// mention.
func (d *Driver) warnUnmapped(ctx context.Context, log *zap.Logger, p *Pair, recs []*record.Record) {
	cols, err := d.src.Columns(ctx, p.Source)
	if err != nil {
		log.Warn("could not list source columns", zap.Error(err))
	}
	seen := map[string]bool{}
	check := func(c string) {
		if seen[c] {
			return
		}
		seen[c] = true
		if !p.Fields.Has(c) {
			log.Warn("source field has no mapping", zap.String("table", p.Source.Name), zap.String("field", c))
		}
	}
	for _, c := range cols {
		check(c)
	}
	for _, r := range recs {
		for _, c := range r.Names() {
			check(c)
		}
	}
}

func (d *Driver) migrateOne(ctx context.Context, env *Env, res *Resolver, p *Pair, src *record.Record) error {
	dst, ok, err := res.Forward(ctx, src)
	if err != nil {
		return err
	}
	if !ok {
		dst = p.Dest.New()
	}
	if env.Log.Core().Enabled(zap.DebugLevel) {
		env.Log.Debug("migrating record", zap.String("from", src.Describe()), zap.String("to", dst.Describe()))
	}

	deferred, err := p.Fields.Apply(ctx, src, dst)
	if err != nil {
		return err
	}
	if p.PreValidate != nil {
		if err := p.PreValidate(ctx, env, src, dst); err != nil {
			return fmt.Errorf("pre-validate %s: %w", src.Describe(), err)
		}
	}
	// Validation only logs. Records with invalid values are still written.
	validateRecord(d.validate, env.Log, p, dst)
	if p.PreSave != nil {
		if err := p.PreSave(ctx, env, src, dst); err != nil {
			return fmt.Errorf("pre-save %s: %w", src.Describe(), err)
		}
	}
	if err := env.Tx.Save(ctx, p.Dest, dst); err != nil {
		return fmt.Errorf("save %s from %s: %w", dst.Describe(), src.Describe(), err)
	}
	if err := WriteDeferred(ctx, env.Tx, p.Dest, dst, deferred); err != nil {
		return err
	}
	if p.PostSave != nil {
		if err := p.PostSave(ctx, env, src, dst); err != nil {
			return fmt.Errorf("post-save %s: %w", src.Describe(), err)
		}
	}
	return nil
}

// WriteDeferred writes deferred columns of a saved record in one update and
// mirrors them onto dst.
func WriteDeferred(ctx context.Context, tx store.Writer, t store.Table, dst *record.Record, deferred []mapping.Deferral) error {
	if len(deferred) == 0 {
		return nil
	}
	values := make(map[string]any, len(deferred))
	for _, df := range deferred {
		values[df.Field] = df.Value
	}
	if err := tx.UpdateColumns(ctx, t, dst.Key(), values); err != nil {
		return fmt.Errorf("write deferred columns of %s: %w", dst.Describe(), err)
	}
	for _, df := range deferred {
		dst.Set(df.Field, df.Value)
	}
	return nil
}
