package entities

import (
	"context"
	"errors"
	"fmt"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// resultsTag marks projects that finished their evaluation.
const resultsTag = "evaluatie"

// listProjects attaches the legacy country and the project's tag names, as
// "projecttag".
func (e *entities) listProjects(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	ps, err := src.Enumerate(ctx, legacyProjects, nil)
	if err != nil {
		return nil, err
	}
	if err := attachCountries(ctx, src, ps); err != nil {
		return nil, err
	}
	tags, err := src.Enumerate(ctx, legacyTags, nil)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	names := make(map[string]string, len(tags))
	for _, t := range tags {
		names[record.IndexKey(t.Key())] = t.String("name")
	}
	links, err := src.Enumerate(ctx, legacyProjectTags, nil)
	if err != nil {
		return nil, fmt.Errorf("load project tags: %w", err)
	}
	byProject := index(links, "project_id")
	for _, p := range ps {
		var pt []string
		for _, l := range byProject[record.IndexKey(p.Key())] {
			if n, ok := names[record.IndexKey(l.Get("tag_id"))]; ok {
				pt = append(pt, n)
			}
		}
		p.Set("projecttag", pt)
	}
	return ps, nil
}

func projectTagNames(r *record.Record) []string {
	names, _ := r.Get("projecttag").([]string)
	return names
}

func hasTag(r *record.Record, tag string) bool {
	for _, n := range projectTagNames(r) {
		if n == tag {
			return true
		}
	}
	return false
}

// phaseMapper maps the legacy status onto the project phase. Finished
// projects are in the act phase, or in the results phase once tagged
// "evaluatie". Unknown statuses are an error.
func phaseMapper() mapping.Mapper {
	byStatus := map[any]any{}
	for phase, statuses := range map[string][]string{"idea": ideaStatuses, "fund": fundStatuses, "act": actStatuses} {
		for _, s := range statuses {
			byStatus[s] = phase
		}
	}
	phases := mapping.Lookup(byStatus, "phase")
	phase := func(src *record.Record, field string) (any, error) {
		v, err := phases.Convert(src.Get(field))
		if err != nil {
			return nil, err
		}
		if v == "act" && hasTag(src, resultsTag) {
			return "results", nil
		}
		return v, nil
	}
	return mapping.Func(
		func(_ context.Context, src *record.Record, field string) (mapping.Values, error) {
			v, err := phase(src, field)
			if err != nil {
				return nil, err
			}
			return mapping.Values{"phase": v}, nil
		},
		func(_ context.Context, src, dst *record.Record, field string) bool {
			v, err := phase(src, field)
			return err == nil && record.Equal(v, dst.Get("phase"))
		},
	)
}

// partnerFlags are legacy columns that each mark a partner organization
// with the column name as slug. The last one set wins.
var partnerFlags = []string{"derde_helft", "earth_charter", "macro_micro"}

func partner(ctx context.Context, src *record.Record) (any, error) {
	slug := ""
	for _, f := range partnerFlags {
		if truthy(src.Get(f)) {
			slug = f
		}
	}
	if slug == "" {
		return nil, nil
	}
	dst, err := destination(ctx)
	if err != nil {
		return nil, err
	}
	org, err := dst.Get(ctx, partnerOrganizations, record.Criteria{"slug": slug})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("partner organization %s not found, is the partner_organizations fixture loaded?", slug)
	}
	if err != nil {
		return nil, err
	}
	return org.Key(), nil
}

func partnerMapper() mapping.Mapper {
	return mapping.Func(
		func(ctx context.Context, src *record.Record, _ string) (mapping.Values, error) {
			v, err := partner(ctx, src)
			if err != nil {
				return nil, err
			}
			return mapping.Values{"partner_organization_id": v}, nil
		},
		func(ctx context.Context, src, dst *record.Record, _ string) bool {
			v, err := partner(ctx, src)
			return err == nil && record.Equal(v, dst.Get("partner_organization_id"))
		},
	)
}

func (e *entities) projects() *migrate.Pair {
	p := &migrate.Pair{
		Name:   "projects",
		Source: legacyProjects,
		Dest:   projects,
		List:   e.listProjects,
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Copy()),
			mapping.Use("name", mapping.TolerantSlug(100, "slug")),
			mapping.Use("title", mapping.String("")),
			mapping.Use("photo", mapping.File(e.media, "image").AllowMissing()),
			mapping.Field("owner_usr_id", mapping.Rename("owner_id")),
			mapping.Field("organization_id", mapping.Copy()),
			mapping.Use("status", phaseMapper()),
			mapping.Use("created", mapping.Localize(e.loc, "")),
			mapping.Use("country", countryMapper()),
			mapping.Use("latitude", mapping.Decimal("")),
			mapping.Use("longitude", mapping.Decimal("")),
			mapping.Use("derde_helft", partnerMapper()),
			mapping.Field("project_language", mapping.Rename("language")),
			mapping.Field("startdate", mapping.Rename("planned_start_date")),
			mapping.Field("enddate", mapping.Rename("planned_end_date")),
		},
			// Covered by derde_helft.
			"earth_charter", "macro_micro",
			// Copied by the tags decorator.
			"projecttag", "tags",
			"country_id", "description", "realised", "validated", "updated",
			"closed", "deleted", "admin_comments", "sess_id", "rate_count", "rate_current",
			"legacy_budget",
			// Mapped by the phase pairs.
			"money_needed_for", "volunteers", "how_support", "longdescription", "project_goals",
			"expected_results", "target_audience", "solve_poverty", "description_duurzaamheid",
			"money_needed_club", "received_other_sources", "expected_other_sources", "planning",
			// Albums link back through it.
			"catalog_id",
		),
		Rules: map[string]string{
			"slug":  "required,max=100",
			"title": "required,max=255",
		},
	}
	p = migrate.WithTags(p, migrate.TagSpec{
		Load: func(_ context.Context, _ store.Reader, r *record.Record) ([]string, error) {
			return projectTagNames(r), nil
		},
		Dest:     projectTags,
		DestKey:  "project_id",
		DestName: "tag",
		Skip:     []string{resultsTag},
	})
	return migrate.WithUniqueSlug(p, "slug", 100)
}
