// Package migrate moves the records of an entity pair from the legacy
// source to the destination in one transaction and verifies the result
// before committing.
package migrate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// KeyFunc builds the criteria that locate a record's counterpart.
type KeyFunc func(r *record.Record) record.Criteria

// Env is what hooks and checks get to work with during a run.
type Env struct {
	Source store.Reader
	Tx     store.Tx
	Log    *zap.Logger
	RunID  uuid.UUID
}

// Hook runs at a fixed point of a record's migration.
type Hook func(ctx context.Context, env *Env, src, dst *record.Record) error

// Check is a pair level verification beyond the field checks.
type Check struct {
	Name string
	Func func(ctx context.Context, env *Env, src, dst *record.Record) bool
}

// Enumerator lists source records, attaching related records as fields
// where the field mapping expects them.
type Enumerator func(ctx context.Context, src store.Reader) ([]*record.Record, error)

// Pair declares how one legacy table migrates into one destination table.
type Pair struct {
	Name   string
	Source store.Table
	Dest   store.Table
	Fields *mapping.Table

	// Forward maps a source record to destination criteria, Backward the
	// other way around. Both default to primary key equality.
	Forward  KeyFunc
	Backward KeyFunc

	// Exclude drops unclean source records when exclusions are enabled.
	Exclude func(*record.Record) bool
	// List replaces the default enumeration of Source.
	List Enumerator
	// DestFilter restricts the destination records that belong to the pair.
	DestFilter record.Criteria

	PreValidate Hook
	PreSave     Hook
	PostSave    Hook

	Checks []Check
	// Rules are validator tags per destination column.
	Rules map[string]string
	// Quiet silences warnings about slugs made unique.
	Quiet bool
}

func (p *Pair) forwardKey(r *record.Record) record.Criteria {
	var c record.Criteria
	if p.Forward != nil {
		c = p.Forward(r)
	} else {
		c = record.Criteria{p.Dest.PrimaryKey: r.Get(p.Source.PrimaryKey)}
	}
	if len(p.DestFilter) > 0 {
		c = p.DestFilter.Merge(c)
	}
	return c
}

func (p *Pair) backwardKey(r *record.Record) record.Criteria {
	if p.Backward != nil {
		return p.Backward(r)
	}
	return record.Criteria{p.Source.PrimaryKey: r.Get(p.Dest.PrimaryKey)}
}

func (p *Pair) check() error {
	if p.Name == "" {
		return fmt.Errorf("pair without name")
	}
	if p.Fields == nil {
		return fmt.Errorf("pair %s: no field mapping", p.Name)
	}
	if p.Source.Name == "" || p.Dest.Name == "" {
		return fmt.Errorf("pair %s: source and destination tables are required", p.Name)
	}
	if p.Forward == nil && (p.Source.PrimaryKey == "" || p.Dest.PrimaryKey == "") {
		return fmt.Errorf("pair %s: forward key function required without primary keys", p.Name)
	}
	if p.Backward == nil && (p.Source.PrimaryKey == "" || p.Dest.PrimaryKey == "") {
		return fmt.Errorf("pair %s: backward key function required without primary keys", p.Name)
	}
	return nil
}

// Chain runs hooks in order, skipping nil ones.
func Chain(hooks ...Hook) Hook {
	return func(ctx context.Context, env *Env, src, dst *record.Record) error {
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if err := h(ctx, env, src, dst); err != nil {
				return err
			}
		}
		return nil
	}
}
