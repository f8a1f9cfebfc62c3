// Package entities declares the legacy site's entity pairs: which legacy
// table migrates into which destination table, and how every field maps.
package entities

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-sql/civil"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/files"
	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// Legacy tables.
var (
	legacyMembers       = store.Table{Name: "members", PrimaryKey: "id"}
	legacyProfiles      = store.Table{Name: "profiles", PrimaryKey: "id"}
	legacyCountries     = store.Table{Name: "countries", PrimaryKey: "id"}
	legacyOrganizations = store.Table{Name: "organizations", PrimaryKey: "id"}
	legacyOrgMembers    = store.Table{Name: "organization_members"}
	legacyProjects      = store.Table{Name: "projects", PrimaryKey: "id"}
	legacyTags          = store.Table{Name: "tags", PrimaryKey: "id"}
	legacyProjectTags   = store.Table{Name: "project_tags"}
	legacyDonations     = store.Table{Name: "donations", PrimaryKey: "id"}
	legacyDonationLines = store.Table{Name: "donation_lines", PrimaryKey: "id"}
	legacyMessages      = store.Table{Name: "project_messages", PrimaryKey: "id"}
	legacyReactions     = store.Table{Name: "reactions", PrimaryKey: "id"}
	legacyAlbums        = store.Table{Name: "albums", PrimaryKey: "id"}
	legacyPictures      = store.Table{Name: "pictures", PrimaryKey: "id"}
)

// Destination tables. groups, countries and partner_organizations hold
// fixture rows loaded by a before_run hook.
var (
	users                = store.Table{Name: "users", PrimaryKey: "id"}
	groups               = store.Table{Name: "groups", PrimaryKey: "id"}
	userGroups           = store.Table{Name: "user_groups"}
	userProfiles         = store.Table{Name: "user_profiles", PrimaryKey: "id"}
	userAddresses        = store.Table{Name: "user_addresses", PrimaryKey: "id"}
	countries            = store.Table{Name: "countries", PrimaryKey: "id"}
	organizations        = store.Table{Name: "organizations", PrimaryKey: "id", AutoNow: []string{"updated"}}
	organizationMembers  = store.Table{Name: "organization_members", PrimaryKey: "id"}
	organizationAddrs    = store.Table{Name: "organization_addresses", PrimaryKey: "id"}
	partnerOrganizations = store.Table{Name: "partner_organizations", PrimaryKey: "id"}
	projects             = store.Table{Name: "projects", PrimaryKey: "id"}
	projectTags          = store.Table{Name: "project_tags"}
	projectIdeas         = store.Table{Name: "project_ideas", PrimaryKey: "id"}
	projectFunds         = store.Table{Name: "project_funds", PrimaryKey: "id"}
	projectActs          = store.Table{Name: "project_acts", PrimaryKey: "id"}
	projectResults       = store.Table{Name: "project_results", PrimaryKey: "id"}
	albums               = store.Table{Name: "albums", PrimaryKey: "id", AutoNow: []string{"updated"}}
	projectAlbums        = store.Table{Name: "project_albums"}
	pictures             = store.Table{Name: "pictures", PrimaryKey: "id", AutoNow: []string{"updated"}}
	donations            = store.Table{Name: "donations", PrimaryKey: "id", AutoNow: []string{"updated"}}
	wallposts            = store.Table{Name: "wallposts", PrimaryKey: "id", AutoNow: []string{"updated"}, AutoNowAdd: []string{"created"}}
	reactions            = store.Table{Name: "reactions", PrimaryKey: "id", AutoNow: []string{"updated"}, AutoNowAdd: []string{"created"}}
)

// Options configure the entity pairs.
type Options struct {
	// EnableExclusions drops unclean legacy records, here and in the pairs
	// that only migrate records whose parent migrated.
	EnableExclusions bool
	// MediaRoot is where legacy media files live locally.
	MediaRoot string
	// Fetcher downloads media files missing under MediaRoot. Optional.
	Fetcher files.Fetcher
	// Location is the zone naive legacy timestamps are in. UTC when nil.
	Location *time.Location
	Log      *zap.Logger
}

type entities struct {
	opts  Options
	loc   *time.Location
	media *files.Media
}

// Registry returns all entity pairs in migration order.
func Registry(opts Options) (*migrate.Registry, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	e := &entities{
		opts:  opts,
		loc:   opts.Location,
		media: files.NewMedia(opts.MediaRoot, opts.Fetcher, opts.Log),
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	return migrate.NewRegistry(
		e.members(),
		e.profiles(),
		e.addresses(),
		e.organizations(),
		e.organizationMembers(),
		e.organizationAddresses(),
		e.projects(),
		e.ideaPhase(),
		e.fundPhase(),
		e.actPhase(),
		e.resultsPhase(),
		e.albums(),
		e.pictures(),
		e.donations(),
		e.wallposts(),
	)
}

func discard(names ...string) []mapping.Entry {
	out := make([]mapping.Entry, len(names))
	for i, n := range names {
		out[i] = mapping.Field(n, mapping.Discard())
	}
	return out
}

func table(entries []mapping.Entry, discarded ...string) *mapping.Table {
	return mapping.MustTable(append(entries, discard(discarded...)...)...)
}

// index groups records by the value of field.
func index(recs []*record.Record, field string) map[string][]*record.Record {
	out := make(map[string][]*record.Record, len(recs))
	for _, r := range recs {
		k := record.IndexKey(r.Get(field))
		out[k] = append(out[k], r)
	}
	return out
}

// attach sets the record of related whose key equals the value of field
// onto each record, as the field named as.
func attach(recs []*record.Record, field, as string, related []*record.Record) {
	byKey := make(map[string]*record.Record, len(related))
	for _, r := range related {
		byKey[record.IndexKey(r.Key())] = r
	}
	for _, r := range recs {
		v := r.Get(field)
		if v == nil {
			continue
		}
		if rel, ok := byKey[record.IndexKey(v)]; ok {
			r.Set(as, rel)
		}
	}
}

// attachCountries sets the legacy country of each record as "country".
func attachCountries(ctx context.Context, src store.Reader, recs []*record.Record) error {
	cs, err := src.Enumerate(ctx, legacyCountries, nil)
	if err != nil {
		return fmt.Errorf("load countries: %w", err)
	}
	attach(recs, "country_id", "country", cs)
	return nil
}

func destination(ctx context.Context) (store.Reader, error) {
	r := store.ReaderFrom(ctx, nil)
	if r == nil {
		return nil, errors.New("no destination reader in context")
	}
	return r, nil
}

// country resolves an attached legacy country to the destination country
// with the same two letter code.
func country(ctx context.Context, v any) (any, bool, error) {
	legacy, ok := v.(*record.Record)
	if !ok {
		return nil, false, fmt.Errorf("country: expected related record, got %T", v)
	}
	code := legacy.String("code2")
	if code == "" {
		return nil, false, nil
	}
	dst, err := destination(ctx)
	if err != nil {
		return nil, false, err
	}
	c, err := dst.Get(ctx, countries, record.Criteria{"alpha2_code": code})
	if err != nil {
		return nil, false, fmt.Errorf("country %s (is the countries fixture loaded?): %w", code, err)
	}
	return c.Key(), true, nil
}

func countryMapper() mapping.Mapper {
	return mapping.Relation(country, "country_id")
}

// truthy interprets legacy flags: tinyints, 'y'/'n' style strings and
// timestamps that are set when something happened.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "0" && x != "n" && x != "N"
	case []byte:
		return truthy(string(x))
	case civil.DateTime:
		return x != civil.DateTime{}
	case civil.Date:
		return x != civil.Date{}
	case time.Time:
		return !x.IsZero()
	}
	return toInt(v) != 0
}

func toInt(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(x), 10, 64)
		return n
	}
	return 0
}
