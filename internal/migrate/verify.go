package migrate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/record"
)

// Report is the outcome of verifying one pair.
type Report struct {
	Pair          string
	Compared      int
	Failed        int
	SourceCount   int
	DestCount     int
	CountMismatch bool
	Took          time.Duration
}

// OK reports whether every record verified and the counts agree.
func (r *Report) OK() bool {
	return r.Failed == 0 && !r.CountMismatch
}

// verify checks every destination record of the pair. Failures are counted
// and logged; only a failing destination enumeration is returned as an
// error.
func (d *Driver) verify(ctx context.Context, env *Env, res *Resolver, p *Pair, sources *SourceSet) (*Report, error) {
	start := time.Now()
	log := env.Log
	dsts, err := env.Tx.Enumerate(ctx, p.Dest, p.DestFilter)
	if err != nil {
		return nil, err
	}

	rep := &Report{Pair: p.Name, SourceCount: len(sources.Records()), DestCount: len(dsts)}
	if rep.SourceCount != rep.DestCount {
		rep.CountMismatch = true
		log.Error("record counts differ",
			zap.String("source", p.Source.Name), zap.Int("source_count", rep.SourceCount),
			zap.String("dest", p.Dest.Name), zap.Int("dest_count", rep.DestCount))
	}

	for i, dst := range dsts {
		rep.Compared++
		if !d.verifyOne(ctx, env, res, p, sources, dst) {
			rep.Failed++
		}
		if n := i + 1; n%d.opts.ProgressEvery == 0 {
			log.Info("verification progress", zap.Int("done", n), zap.Int("total", len(dsts)))
		}
	}
	rep.Took = time.Since(start)
	log.Info("verified records",
		zap.Int("compared", rep.Compared), zap.Int("failed", rep.Failed), zap.Duration("took", rep.Took))
	return rep, nil
}

func (d *Driver) verifyOne(ctx context.Context, env *Env, res *Resolver, p *Pair, sources *SourceSet, dst *record.Record) bool {
	log := env.Log.With(zap.String("dest", dst.Describe()))

	src, ok, err := res.Backward(dst)
	if err != nil {
		log.Error("backward lookup failed", zap.Error(err))
		return false
	}
	if !ok {
		log.Error("no source record for destination record", zap.Stringer("criteria", p.backwardKey(dst)))
		return false
	}
	log = log.With(zap.String("source", src.Describe()))

	back, ok, err := res.Forward(ctx, src)
	if err != nil {
		log.Error("forward lookup failed", zap.Error(err))
		return false
	}
	if !ok || !sameRecord(back, dst) {
		log.Error("correspondence is not bidirectional", zap.String("forward", back.Describe()))
		return false
	}
	if !sources.Contains(src) {
		log.Error("source record is not part of the migrated set")
		return false
	}

	pass := true
	for _, m := range p.Fields.Check(ctx, src, dst) {
		pass = false
		fields := []zap.Field{zap.String("field", m.Field), zap.Any("old", src.Get(m.Field))}
		for _, t := range m.Targets {
			fields = append(fields, zap.Any("new."+t, dst.Get(t)))
		}
		log.Error("field check failed", fields...)
	}
	for _, c := range p.Checks {
		if !c.Func(ctx, env, src, dst) {
			pass = false
			log.Error("check failed", zap.String("check", c.Name))
		}
	}
	return pass
}
