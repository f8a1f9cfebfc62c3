package entities

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// guestMemberType is the legacy member type of anonymous donors.
const guestMemberType = 1

var amount = mapping.Decimal("")

func decimalOf(v any) (decimal.Decimal, error) {
	d, err := amount.Convert(v)
	if err != nil || d == nil {
		return decimal.Zero, err
	}
	return d.(decimal.Decimal), nil
}

// listDonationLines attaches the donation to each line and the donor to
// each donation. Every donation also gets "line_total", the sum of its
// lines.
func (e *entities) listDonationLines(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	lines, err := src.Enumerate(ctx, legacyDonationLines, nil)
	if err != nil {
		return nil, err
	}
	ds, err := src.Enumerate(ctx, legacyDonations, nil)
	if err != nil {
		return nil, fmt.Errorf("load donations: %w", err)
	}
	members, err := src.Enumerate(ctx, legacyMembers, nil)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	attach(ds, "member_id", "member", members)

	byDonation := index(lines, "donation_id")
	for _, d := range ds {
		total := decimal.Zero
		for _, l := range byDonation[record.IndexKey(d.Key())] {
			a, err := decimalOf(l.Get("amount"))
			if err != nil {
				return nil, fmt.Errorf("donation line %v: %w", l.Key(), err)
			}
			total = total.Add(a)
		}
		d.Set("line_total", total)
	}
	attach(lines, "donation_id", "donation", ds)
	return lines, nil
}

// donor maps the donating member onto user_id. Guest donations have no user.
func donor() mapping.Mapper {
	user := func(src *record.Record, field string) any {
		m, ok := src.Related(field)
		if !ok {
			return nil
		}
		if toInt(m.Get("type_id")) == guestMemberType || m.String("username") == "guest" {
			zap.L().Debug("guest donation, not setting user", zap.String("donation", src.Describe()))
			return nil
		}
		return m.Key()
	}
	return mapping.Func(
		func(_ context.Context, src *record.Record, field string) (mapping.Values, error) {
			return mapping.Values{"user_id": user(src, field)}, nil
		},
		func(_ context.Context, src, dst *record.Record, field string) bool {
			return record.Equal(user(src, field), dst.Get("user_id"))
		},
	)
}

// lineTotals checks that the lines of the line's donation add up to the
// donation amount.
func lineTotals(_ context.Context, env *migrate.Env, src, _ *record.Record) bool {
	d, ok := src.Related("donation")
	if !ok {
		env.Log.Error("donation line without donation", zap.String("line", src.Describe()))
		return false
	}
	want, err := decimalOf(d.Get("amount"))
	if err != nil {
		env.Log.Error("invalid donation amount", zap.String("donation", d.Describe()), zap.Error(err))
		return false
	}
	total, _ := d.Get("line_total").(decimal.Decimal)
	if !total.Equal(want) {
		env.Log.Warn("donation line amounts do not add up to the donation amount",
			zap.String("donation", d.Describe()),
			zap.String("line_total", total.String()),
			zap.String("amount", want.String()))
		return false
	}
	return true
}

// donations migrates legacy donation lines, one donation per line, with the
// type, status and donor of the legacy donation they belong to.
func (e *entities) donations() *migrate.Pair {
	return &migrate.Pair{
		Name:   "donations",
		Source: legacyDonationLines,
		Dest:   donations,
		List:   e.listDonationLines,
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Copy()),
			mapping.Field("donation", mapping.Nested(
				mapping.Field("type", mapping.Copy()),
				mapping.Field("status", mapping.Copy()),
				mapping.Use("created", mapping.Localize(e.loc, "")),
				mapping.Use("member", donor()),
			)),
			mapping.Field("project_id", mapping.Copy()),
			mapping.Use("amount", mapping.Decimal("")),
			// Donations without a safe state keep the migration time.
			mapping.Use("changed_to_safe", mapping.Deferred(e.loc, "updated")),
		}, "donation_id", "settlementline_id"),
		Checks: []migrate.Check{{Name: "amounts", Func: lineTotals}},
		Rules: map[string]string{
			"amount": "required",
			"status": "required",
		},
	}
}
