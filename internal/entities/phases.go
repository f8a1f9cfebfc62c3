package entities

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// Legacy project statuses by the phase they map to.
var (
	ideaStatuses = []string{"wizard", "created", "confirmed", "approved", "declined"}
	fundStatuses = []string{"validated"}
	actStatuses  = []string{"done", "closed"}
)

// Phase statuses.
const (
	phaseHidden    = "hidden"
	phaseProgress  = "progress"
	phaseWaiting   = "waiting"
	phaseCompleted = "completed"
)

// projectColumns are the legacy project columns. Phase pairs discard what
// they do not map.
var projectColumns = []string{
	"id", "name", "title", "photo", "owner_usr_id", "organization_id", "status",
	"created", "country", "country_id", "latitude", "longitude", "derde_helft",
	"earth_charter", "macro_micro", "project_language", "startdate", "enddate",
	"projecttag", "tags", "description", "realised", "validated", "updated",
	"closed", "deleted", "admin_comments", "sess_id", "rate_count", "rate_current",
	"legacy_budget", "money_needed_for", "volunteers", "how_support", "catalog_id",
	"longdescription", "project_goals", "expected_results", "target_audience",
	"solve_poverty", "description_duurzaamheid", "money_needed_club",
	"received_other_sources", "expected_other_sources", "planning",
}

func statusIn(r *record.Record, statuses []string) bool {
	s := r.String("status")
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func phaseTable(entries ...mapping.Entry) *mapping.Table {
	mapped := make(map[string]bool, len(entries))
	for _, e := range entries {
		mapped[e.Field] = true
	}
	var rest []string
	for _, c := range projectColumns {
		if !mapped[c] {
			rest = append(rest, c)
		}
	}
	return table(entries, rest...)
}

// projectOf resolves a legacy project id to the migrated project.
func projectOf(ctx context.Context, v any) (any, bool, error) {
	dst, err := destination(ctx)
	if err != nil {
		return nil, false, err
	}
	p, err := dst.Get(ctx, projects, record.Criteria{"id": v})
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p.Key(), true, nil
}

// phaseSpec is what differs between the phase pairs.
type phaseSpec struct {
	name string
	dest store.Table
	// include picks the projects that reached the phase. nil means all.
	include  func(*record.Record) bool
	statuses map[any]any
	fields   []mapping.Entry
}

func (e *entities) listPhase(include func(*record.Record) bool) migrate.Enumerator {
	return func(ctx context.Context, src store.Reader) ([]*record.Record, error) {
		ps, err := e.listProjects(ctx, src)
		if err != nil || include == nil {
			return ps, err
		}
		out := ps[:0]
		for _, p := range ps {
			if include(p) {
				out = append(out, p)
			}
		}
		return out, nil
	}
}

// phase builds the pair of one project phase. A phase record shares its id
// with the project it belongs to.
func (e *entities) phase(spec phaseSpec) *migrate.Pair {
	entries := append([]mapping.Entry{
		mapping.Use("id", mapping.FanOut(
			mapping.Identity("id"),
			mapping.Relation(projectOf, "project_id").Required(),
		)),
		mapping.Use("title", mapping.String("")),
		mapping.Use("description", mapping.String("")),
		mapping.Use("status", mapping.Lookup(spec.statuses, "")),
	}, spec.fields...)
	return &migrate.Pair{
		Name:   spec.name,
		Source: legacyProjects,
		Dest:   spec.dest,
		List:   e.listPhase(spec.include),
		Fields: phaseTable(entries...),
		Rules: map[string]string{
			"project_id": "required",
			"status":     "required",
		},
	}
}

func (e *entities) ideaPhase() *migrate.Pair {
	return e.phase(phaseSpec{
		name: "project_ideas",
		dest: projectIdeas,
		statuses: map[any]any{
			"done":      phaseCompleted,
			"closed":    phaseCompleted,
			"validated": phaseCompleted,
			"confirmed": phaseCompleted,
			"declined":  phaseCompleted,
			"created":   phaseProgress,
			"wizard":    phaseHidden,
			"approved":  phaseWaiting,
		},
		fields: []mapping.Entry{
			mapping.Use("created", mapping.DateTruncate("startdate")),
			mapping.Use("validated", mapping.DateTruncate("enddate")),
			mapping.Use("volunteers", mapping.Concat([]string{"how_support"}, "\n\n", "knowledge_description")),
			mapping.Use("money_needed_for", mapping.String("money_description")),
		},
	})
}

func (e *entities) fundPhase() *migrate.Pair {
	p := e.phase(phaseSpec{
		name: "project_funds",
		dest: projectFunds,
		include: func(r *record.Record) bool {
			return !statusIn(r, ideaStatuses)
		},
		statuses: map[any]any{
			"done":      phaseCompleted,
			"closed":    phaseCompleted,
			"realised":  phaseCompleted,
			"confirmed": phaseProgress,
			"validated": phaseProgress,
		},
		fields: []mapping.Entry{
			mapping.Use("validated", mapping.DateTruncate("startdate")),
			mapping.Use("realised", mapping.DateTruncate("enddate")),
			mapping.Use("longdescription", mapping.Concat([]string{"project_goals", "expected_results"}, "<br/>", "description_long")),
			mapping.Use("target_audience", mapping.Concat([]string{"solve_poverty"}, "<br/>", "social_impact")),
			mapping.Use("description_duurzaamheid", mapping.String("sustainability")),
			mapping.Use("money_needed_club", mapping.FanOut(
				mapping.Decimal("money_asked"),
				mapping.Decimal("budget_total"),
			)),
			mapping.Use("received_other_sources", mapping.Concat([]string{"expected_other_sources"}, "<br/>", "money_other_sources")),
		},
	})
	// Nothing is donated before the donations pair runs.
	p.PreValidate = func(_ context.Context, _ *migrate.Env, _, dst *record.Record) error {
		dst.Set("money_donated", decimal.Zero)
		return nil
	}
	return p
}

// realisedDates maps the realisation date onto both ends of the phase.
func realisedDates() mapping.Mapper {
	return mapping.FanOut(
		mapping.DateTruncate("startdate"),
		mapping.DateTruncate("enddate"),
	)
}

var finishedStatuses = map[any]any{
	"done":   phaseCompleted,
	"closed": phaseCompleted,
}

func (e *entities) actPhase() *migrate.Pair {
	return e.phase(phaseSpec{
		name: "project_acts",
		dest: projectActs,
		include: func(r *record.Record) bool {
			return statusIn(r, actStatuses)
		},
		statuses: finishedStatuses,
		fields: []mapping.Entry{
			mapping.Use("realised", realisedDates()),
			mapping.Field("planning", mapping.Copy()),
		},
	})
}

// resultsPhase covers finished projects tagged for evaluation, the ones in
// the results phase.
func (e *entities) resultsPhase() *migrate.Pair {
	return e.phase(phaseSpec{
		name: "project_results",
		dest: projectResults,
		include: func(r *record.Record) bool {
			return statusIn(r, actStatuses) && hasTag(r, resultsTag)
		},
		statuses: finishedStatuses,
		fields: []mapping.Entry{
			mapping.Use("realised", realisedDates()),
		},
	})
}
