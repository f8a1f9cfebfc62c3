package entities

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/files"
	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
	"github.com/Limetric/recordferry/internal/store/memstore"
)

func naive(y int, mo time.Month, d, h int) civil.DateTime {
	return civil.DateTime{Date: civil.Date{Year: y, Month: mo, Day: d}, Time: civil.Time{Hour: h}}
}

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seedLegacy(src *memstore.Store) {
	src.Insert(legacyCountries, map[string]any{"id": int64(10), "code2": "NL", "name": "Nederland"})

	src.Insert(legacyMembers, map[string]any{
		"id": int64(1), "username": "alice", "email": "alice@example.org", "password": "x",
		"created": naive(2009, 3, 1, 10), "updated": naive(2012, 5, 1, 9), "deleted": nil,
		"admin": int64(2), "activated": int64(1), "type_id": int64(2),
	})
	src.Insert(legacyMembers, map[string]any{
		"id": int64(2), "username": "guest", "email": "", "password": "",
		"created": naive(2009, 1, 1, 0), "updated": nil, "deleted": nil,
		"admin": int64(0), "activated": int64(1), "type_id": int64(1),
	})
	src.Insert(legacyProfiles, map[string]any{
		"id": int64(5), "member_id": int64(1), "firstname": "Alice", "lastname": "Smith",
		"primary_language": "nl", "newsletter": "y", "birthdate": civil.Date{Year: 1980, Month: 6, Day: 1},
		"gender": "f", "location": "Utrecht", "website": "www.example.org", "deleted": nil,
		"about": "", "why": "", "contribution": "", "available_time": "", "working_location": "",
		"photo": nil, "address": "Oudegracht 1", "zipcode": "3511AA", "city": "Utrecht", "country_id": int64(10),
	})

	org := map[string]any{
		"id": int64(1), "name": "Acme Foundation", "legalstatus": "stichting", "phonenumber": "030-1234567",
		"email": "info@acme.example", "website": "http://acme.example", "description": "Water for all",
		"created": naive(2010, 1, 1, 12), "updated": naive(2011, 1, 1, 12), "deleted": nil,
		"partner_organisations": "", "account_number": "123", "account_name": "Acme", "account_city": "Utrecht",
		"account_bank_name": "", "account_bank_address": "", "account_bank_country_id": nil,
		"account_iban": "", "account_bicswift": "",
		"street": "Keizersgracht", "street_number": "12", "postalcode": "1015CS", "city": "Amsterdam", "country_id": int64(10),
	}
	src.Insert(legacyOrganizations, org)
	src.Insert(legacyOrganizations, map[string]any{"id": int64(2), "name": ""})
	src.Insert(legacyOrgMembers, map[string]any{"mem_id": int64(1), "org_id": int64(1)})
	src.Insert(legacyOrgMembers, map[string]any{"mem_id": int64(1), "org_id": int64(2)})

	src.Insert(legacyProjects, map[string]any{
		"id": int64(1), "name": "Clean Water", "title": "Clean water", "photo": "projects/water.jpg",
		"owner_usr_id": int64(1), "organization_id": int64(1), "status": "done",
		"created": naive(2010, 6, 1, 8), "country_id": int64(10), "latitude": "52,1", "longitude": "5.12",
		"derde_helft": int64(1), "earth_charter": int64(0), "macro_micro": int64(0),
		"project_language": "en", "startdate": civil.Date{Year: 2010, Month: 7, Day: 1}, "enddate": nil,
		"validated": naive(2010, 9, 1, 12), "realised": naive(2011, 5, 1, 12),
		"volunteers": "Two engineers", "how_support": "Digging", "money_needed_club": "1500,00",
		"planning": "Dig in May", "catalog_id": int64(3),
	})
	src.Insert(legacyTags, map[string]any{"id": int64(1), "name": "water, Health"})
	src.Insert(legacyTags, map[string]any{"id": int64(2), "name": resultsTag})
	src.Insert(legacyProjectTags, map[string]any{"project_id": int64(1), "tag_id": int64(1)})
	src.Insert(legacyProjectTags, map[string]any{"project_id": int64(1), "tag_id": int64(2)})

	src.Insert(legacyDonations, map[string]any{
		"id": int64(1), "type": "one-off", "status": "paid", "created": naive(2011, 2, 1, 20),
		"member_id": int64(1), "amount": "25.00",
	})
	src.Insert(legacyDonations, map[string]any{
		"id": int64(2), "type": "one-off", "status": "paid", "created": naive(2011, 2, 2, 20),
		"member_id": int64(2), "amount": "5",
	})
	src.Insert(legacyDonationLines, map[string]any{
		"id": int64(1), "donation_id": int64(1), "project_id": int64(1), "amount": "15.00",
		"settlementline_id": nil, "changed_to_safe": nil,
	})
	src.Insert(legacyDonationLines, map[string]any{
		"id": int64(2), "donation_id": int64(1), "project_id": int64(1), "amount": "10.00",
		"settlementline_id": nil, "changed_to_safe": naive(2011, 3, 1, 9),
	})
	src.Insert(legacyDonationLines, map[string]any{
		"id": int64(3), "donation_id": int64(2), "project_id": int64(1), "amount": "5.00",
		"settlementline_id": nil, "changed_to_safe": nil,
	})

	src.Insert(legacyMessages, map[string]any{
		"id": int64(7), "event_id": int64(3), "project_id": int64(1), "member_id": int64(1),
		"text": "Hello", "created": naive(2011, 4, 1, 15), "deleted": nil,
	})
	src.Insert(legacyMessages, map[string]any{
		"id": int64(8), "event_id": nil, "project_id": int64(1), "member_id": int64(1),
		"text": "No event", "created": naive(2011, 4, 2, 15), "deleted": nil,
	})
	src.Insert(legacyMessages, map[string]any{
		"id": int64(9), "event_id": int64(4), "project_id": int64(99), "member_id": int64(1),
		"text": "Gone project", "created": naive(2011, 4, 3, 15), "deleted": nil,
	})
	src.Insert(legacyReactions, map[string]any{
		"id": int64(1), "event_id": int64(3), "from_member_id": int64(1), "text": "Nice",
		"created": naive(2011, 4, 1, 16), "deleted": nil,
	})

	album := func(id, catalog int64, name string) map[string]any {
		return map[string]any{
			"id": id, "catalog_id": catalog, "name": name, "description": "",
			"created": naive(2011, 6, 1, 10), "updated": nil, "folder": "",
		}
	}
	src.Insert(legacyAlbums, album(4, 3, "Water well"))
	src.Insert(legacyAlbums, album(5, 3, "*"))
	src.Insert(legacyAlbums, album(6, 99, "No project"))
	picture := func(id, album int64, file string) map[string]any {
		return map[string]any{
			"id": id, "album_id": album, "name": "Well", "description": "",
			"created": naive(2011, 6, 2, 10), "updated": nil, "project_id": nil, "file": file,
		}
	}
	src.Insert(legacyPictures, picture(1, 4, "albums/well.jpg"))
	src.Insert(legacyPictures, picture(2, 4, "albums/gone.jpg"))
	src.Insert(legacyPictures, picture(3, 5, "albums/star.jpg"))
	src.Insert(legacyPictures, picture(4, 4, ""))
	src.Insert(legacyPictures, picture(5, 6, "albums/well.jpg"))
}

func seedFixtures(dst *memstore.Store) {
	dst.Insert(groups, map[string]any{"id": int64(1), "name": assistantGroup})
	dst.Insert(countries, map[string]any{"id": int64(1), "alpha2_code": "NL"})
	dst.Insert(partnerOrganizations, map[string]any{"id": int64(1), "slug": "derde_helft"})
}

func setup(t *testing.T) (*memstore.Store, *memstore.Store, *migrate.Registry) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "projects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "projects", "water.jpg"), []byte("jpeg"), 0o644))
	albumDir := filepath.Join(root, "assets", "files", "filemanager", "albums")
	require.NoError(t, os.MkdirAll(albumDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(albumDir, "well.jpg"), []byte("well"), 0o644))

	src, dst := memstore.New(), memstore.New()
	dst.Now = func() time.Time { return now }
	seedLegacy(src)
	seedFixtures(dst)
	reg, err := Registry(Options{EnableExclusions: true, MediaRoot: root, Log: zap.NewNop()})
	require.NoError(t, err)
	return src, dst, reg
}

func only(t *testing.T, dst *memstore.Store, tb store.Table) *record.Record {
	t.Helper()
	rows := dst.Rows(tb)
	require.Len(t, rows, 1, tb.Name)
	return rows[0]
}

func TestRegistryOrder(t *testing.T) {
	_, _, reg := setup(t)
	assert.Equal(t, []string{
		"members", "profiles", "addresses", "organizations", "organization_members",
		"organization_addresses", "projects", "project_ideas", "project_funds",
		"project_acts", "project_results", "albums", "pictures", "donations", "wallposts",
	}, reg.Names())
}

func TestMigrateEverything(t *testing.T) {
	src, dst, reg := setup(t)
	pairs, err := reg.Select(nil)
	require.NoError(t, err)

	d := migrate.NewDriver(src, dst, zap.NewNop(), migrate.Options{EnableExclusions: true})
	reports, err := d.RunAll(context.Background(), pairs)
	require.NoError(t, err)
	require.Len(t, reports, len(pairs))
	for _, rep := range reports {
		assert.True(t, rep.OK(), rep.Pair)
	}

	u := only(t, dst, users)
	assert.Equal(t, "alice", u.Get("username"))
	assert.Equal(t, "Alice", u.Get("first_name"))
	assert.Equal(t, "legacy$x", u.Get("password"))
	assert.Equal(t, true, u.Get("is_active"))
	assert.Equal(t, true, u.Get("is_staff"))
	assert.Equal(t, false, u.Get("is_superuser"))
	assert.True(t, record.Equal(naive(2009, 3, 1, 10), u.Get("date_joined")))

	ug := only(t, dst, userGroups)
	assert.True(t, record.Equal(int64(1), ug.Get("group_id")))

	p := only(t, dst, userProfiles)
	assert.Equal(t, "female", p.Get("gender"))
	assert.Equal(t, true, p.Get("newsletter"))
	assert.Equal(t, "http://www.example.org", p.Get("website"))
	assert.Nil(t, p.Get("picture"))

	a := only(t, dst, userAddresses)
	assert.Equal(t, "Oudegracht 1", a.Get("line1"))
	assert.True(t, record.Equal(p.Key(), a.Get("user_profile_id")))
	assert.True(t, record.Equal(int64(1), a.Get("country_id")))

	o := only(t, dst, organizations)
	assert.Equal(t, "acme-foundation", o.Get("slug"))
	assert.True(t, record.Equal(naive(2011, 1, 1, 12), o.Get("updated")), "deferred value replaces the automatic one")

	om := only(t, dst, organizationMembers)
	assert.Equal(t, ownerFunction, om.Get("function"))

	oa := only(t, dst, organizationAddrs)
	assert.Equal(t, "Keizersgracht 12", oa.Get("line1"))
	assert.Equal(t, "1015CS", oa.Get("zip_code"))
	assert.True(t, record.Equal(int64(1), oa.Get("organization_id")))

	pr := only(t, dst, projects)
	assert.Equal(t, "clean-water", pr.Get("slug"))
	assert.Equal(t, "results", pr.Get("phase"))
	assert.True(t, record.Equal(int64(1), pr.Get("partner_organization_id")))
	assert.True(t, record.Equal(decimal.RequireFromString("52.1"), pr.Get("latitude")))
	img, ok := pr.Get("image").(files.File)
	require.True(t, ok)
	assert.Equal(t, "projects/water.jpg", img.Name)
	assert.Equal(t, int64(4), img.Size)

	var tags []string
	for _, r := range dst.Rows(projectTags) {
		tags = append(tags, r.String("tag"))
	}
	assert.ElementsMatch(t, []string{"water", "health"}, tags)

	idea := only(t, dst, projectIdeas)
	assert.True(t, record.Equal(int64(1), idea.Get("project_id")))
	assert.Equal(t, phaseCompleted, idea.Get("status"))
	assert.Equal(t, civil.Date{Year: 2010, Month: 6, Day: 1}, idea.Get("startdate"))
	assert.Equal(t, civil.Date{Year: 2010, Month: 9, Day: 1}, idea.Get("enddate"))
	assert.Equal(t, "Two engineers\n\nDigging", idea.Get("knowledge_description"))

	fund := only(t, dst, projectFunds)
	assert.True(t, record.Equal(int64(1), fund.Get("project_id")))
	assert.True(t, record.Equal(decimal.NewFromInt(1500), fund.Get("money_asked")))
	assert.True(t, record.Equal(decimal.NewFromInt(1500), fund.Get("budget_total")))
	assert.True(t, record.Equal(decimal.Zero, fund.Get("money_donated")))
	assert.Equal(t, civil.Date{Year: 2011, Month: 5, Day: 1}, fund.Get("enddate"))

	act := only(t, dst, projectActs)
	assert.Equal(t, "Dig in May", act.Get("planning"))
	assert.Equal(t, civil.Date{Year: 2011, Month: 5, Day: 1}, act.Get("startdate"))
	res := only(t, dst, projectResults)
	assert.True(t, record.Equal(int64(1), res.Get("project_id")))

	al := only(t, dst, albums)
	assert.True(t, record.Equal(int64(4), al.Key()), "placeholder and orphan albums stay behind")
	assert.Equal(t, "Water well", al.Get("title"))
	assert.Equal(t, "water-well", al.Get("slug"))
	link := only(t, dst, projectAlbums)
	assert.True(t, record.Equal(int64(1), link.Get("project_id")))

	pics := dst.Rows(pictures)
	require.Len(t, pics, 2)
	assert.True(t, record.Equal(int64(4), pics[0].Get("album_id")))
	assert.Equal(t, "Well", pics[0].Get("title"))
	pf, ok := pics[0].Get("picture").(files.File)
	require.True(t, ok)
	assert.Equal(t, "assets/files/filemanager/albums/well.jpg", pf.Name)
	assert.Nil(t, pics[1].Get("picture"), "missing files are allowed")

	ds := dst.Rows(donations)
	require.Len(t, ds, 3)
	assert.True(t, record.Equal(int64(1), ds[0].Get("user_id")))
	assert.Nil(t, ds[2].Get("user_id"), "guest donations have no user")
	assert.Equal(t, now, ds[0].Get("updated"))
	assert.True(t, record.Equal(naive(2011, 3, 1, 9), ds[1].Get("updated")))

	w := only(t, dst, wallposts)
	assert.True(t, record.Equal(int64(7), w.Key()))
	assert.True(t, record.Equal(naive(2011, 4, 1, 15), w.Get("created")))
	r := only(t, dst, reactions)
	assert.True(t, record.Equal(int64(7), r.Get("wallpost_id")))
	assert.True(t, record.Equal(int64(1), r.Get("author_id")))

	// A second run updates in place.
	reports, err = d.RunAll(context.Background(), pairs)
	require.NoError(t, err)
	for _, rep := range reports {
		assert.True(t, rep.OK(), rep.Pair)
	}
	assert.Len(t, dst.Rows(users), 1)
	assert.Len(t, dst.Rows(userGroups), 1)
	assert.Len(t, dst.Rows(projectTags), 2)
	assert.Len(t, dst.Rows(reactions), 1)
	assert.Len(t, dst.Rows(projectAlbums), 1)
	assert.Len(t, dst.Rows(projectIdeas), 1)
}

func TestPhasesFollowStatus(t *testing.T) {
	src, dst, reg := setup(t)
	for _, p := range []struct {
		id     int64
		name   string
		status string
	}{
		{2, "Solar stove", "created"},
		{3, "School roof", "validated"},
		{4, "Bike repair", "closed"},
	} {
		src.Insert(legacyProjects, map[string]any{
			"id": p.id, "name": p.name, "title": p.name, "status": p.status,
			"created": naive(2012, 1, 1, 12),
		})
	}
	pairs, err := reg.Select([]string{"projects", "project_ideas", "project_funds", "project_acts", "project_results"})
	require.NoError(t, err)

	d := migrate.NewDriver(src, dst, zap.NewNop(), migrate.Options{EnableExclusions: true})
	reports, err := d.RunAll(context.Background(), pairs)
	require.NoError(t, err)
	for _, rep := range reports {
		assert.True(t, rep.OK(), rep.Pair)
	}

	status := func(tb store.Table) map[int64]any {
		out := map[int64]any{}
		for _, r := range dst.Rows(tb) {
			out[toInt(r.Key())] = r.Get("status")
		}
		return out
	}
	assert.Equal(t, map[int64]any{1: phaseCompleted, 2: phaseProgress, 3: phaseCompleted, 4: phaseCompleted}, status(projectIdeas))
	assert.Equal(t, map[int64]any{1: phaseCompleted, 3: phaseProgress, 4: phaseCompleted}, status(projectFunds))
	assert.Equal(t, map[int64]any{1: phaseCompleted, 4: phaseCompleted}, status(projectActs))
	assert.Equal(t, map[int64]any{1: phaseCompleted}, status(projectResults), "only evaluated projects have results")
}

func TestPhaseRequiresProject(t *testing.T) {
	src, dst, reg := setup(t)
	pairs, err := reg.Select([]string{"project_ideas"})
	require.NoError(t, err)

	_, err = migrate.NewDriver(src, dst, zap.NewNop(), migrate.Options{}).RunAll(context.Background(), pairs)
	require.ErrorIs(t, err, mapping.ErrRequiredRelation)
	assert.Empty(t, dst.Rows(projectIdeas))
}

func TestAlbumSlugsAreUnique(t *testing.T) {
	src, dst, reg := setup(t)
	src.Insert(legacyAlbums, map[string]any{
		"id": int64(7), "catalog_id": int64(3), "name": "Water Well!", "description": "",
		"created": naive(2012, 1, 1, 10), "updated": nil, "folder": "",
	})
	src.Insert(legacyPictures, map[string]any{
		"id": int64(6), "album_id": int64(7), "name": "Again", "description": "",
		"created": naive(2012, 1, 2, 10), "updated": nil, "project_id": nil, "file": "albums/well.jpg",
	})
	pairs, err := reg.Select([]string{"projects", "albums", "pictures"})
	require.NoError(t, err)

	d := migrate.NewDriver(src, dst, zap.NewNop(), migrate.Options{EnableExclusions: true})
	reports, err := d.RunAll(context.Background(), pairs)
	require.NoError(t, err)
	for _, rep := range reports {
		assert.True(t, rep.OK(), rep.Pair)
	}

	var slugs []string
	for _, a := range dst.Rows(albums) {
		slugs = append(slugs, a.String("slug"))
	}
	assert.Equal(t, []string{"water-well", "water-well-1"}, slugs)
	assert.Len(t, dst.Rows(projectAlbums), 2)
	assert.Len(t, dst.Rows(pictures), 3)
}

func TestDonationAmountsMustAddUp(t *testing.T) {
	src, dst, reg := setup(t)
	src.Insert(legacyDonationLines, map[string]any{
		"id": int64(4), "donation_id": int64(2), "project_id": int64(1), "amount": "1.00",
		"settlementline_id": nil, "changed_to_safe": nil,
	})
	pairs, err := reg.Select([]string{"donations"})
	require.NoError(t, err)

	d := migrate.NewDriver(src, dst, zap.NewNop(), migrate.Options{})
	_, err = d.RunAll(context.Background(), pairs)
	require.ErrorIs(t, err, migrate.ErrVerificationFailed)
	assert.Empty(t, dst.Rows(donations))
}

func TestMissingCountryFixtureFails(t *testing.T) {
	src := memstore.New()
	seedLegacy(src)
	dst := memstore.New()
	reg, err := Registry(Options{})
	require.NoError(t, err)
	pairs, err := reg.Select([]string{"organization_addresses"})
	require.NoError(t, err)

	_, err = migrate.NewDriver(src, dst, nil, migrate.Options{}).RunAll(context.Background(), pairs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "countries fixture")
}

func TestMemberExcluded(t *testing.T) {
	for _, tt := range []struct {
		username, email string
		want            bool
	}{
		{"guest", "", true},
		{"weg", "weg@example.org", true},
		{"testaccountacceptemagverwijderd", "", true},
		{"loek2", "loek@1procentclub.nl", true},
		{"gannetson", "loek@1procentclub.nl", false},
		{"alice", "alice@example.org", false},
	} {
		r := record.FromMap("members", "id", map[string]any{"username": tt.username, "email": tt.email})
		assert.Equal(t, tt.want, memberExcluded(r), tt.username)
	}
}

func TestPhase(t *testing.T) {
	m := phaseMapper()
	for _, tt := range []struct {
		status string
		tags   []string
		want   string
	}{
		{"created", nil, "idea"},
		{"validated", nil, "fund"},
		{"done", nil, "act"},
		{"closed", []string{"water", resultsTag}, "results"},
		{"validated", []string{resultsTag}, "fund"},
	} {
		src := record.FromMap("projects", "id", map[string]any{"status": tt.status, "projecttag": tt.tags})
		vals, err := m.Map(context.Background(), src, "status")
		require.NoError(t, err)
		assert.Equal(t, tt.want, vals["phase"], tt.status)
	}

	src := record.FromMap("projects", "id", map[string]any{"status": "lost"})
	_, err := m.Map(context.Background(), src, "status")
	assert.Error(t, err)
}

func TestPartnerLastFlagWins(t *testing.T) {
	dst := memstore.New()
	dst.Insert(partnerOrganizations, map[string]any{"id": int64(1), "slug": "derde_helft"})
	dst.Insert(partnerOrganizations, map[string]any{"id": int64(2), "slug": "macro_micro"})
	ctx := store.WithReader(context.Background(), dst)

	src := record.FromMap("projects", "id", map[string]any{"derde_helft": int64(1), "macro_micro": "1"})
	v, err := partner(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	src = record.FromMap("projects", "id", map[string]any{"earth_charter": int64(1)})
	_, err = partner(ctx, src)
	assert.ErrorContains(t, err, "earth_charter")

	v, err = partner(ctx, record.FromMap("projects", "id", nil))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestProfileDeletedFallsBackToMember(t *testing.T) {
	e := &entities{loc: time.UTC}
	m := e.profileDeleted()
	member := record.FromMap("members", "id", map[string]any{"id": int64(1), "deleted": naive(2012, 1, 1, 0)})

	own := record.FromMap("profiles", "id", map[string]any{"deleted": naive(2013, 1, 1, 0)})
	own.Set("member", member)
	vals, err := m.Map(context.Background(), own, "deleted")
	require.NoError(t, err)
	assert.True(t, record.Equal(naive(2013, 1, 1, 0), vals["deleted"]))

	inherited := record.FromMap("profiles", "id", map[string]any{"deleted": nil})
	inherited.Set("member", member)
	vals, err = m.Map(context.Background(), inherited, "deleted")
	require.NoError(t, err)
	assert.True(t, record.Equal(naive(2012, 1, 1, 0), vals["deleted"]))
}

func TestTruthy(t *testing.T) {
	for _, tt := range []struct {
		v    any
		want bool
	}{
		{nil, false},
		{int64(0), false},
		{int64(1), true},
		{"n", false},
		{"y", true},
		{"0", false},
		{[]byte("1"), true},
		{civil.DateTime{}, false},
		{naive(2010, 1, 1, 0), true},
		{time.Time{}, false},
	} {
		assert.Equal(t, tt.want, truthy(tt.v), "%v", tt.v)
	}
}
