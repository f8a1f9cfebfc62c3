package entities

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

const assistantGroup = "Assistant"

// memberExcluded drops accounts that should not become users: the shared
// "guest" and "weg" accounts, test accounts, and the stray accounts
// registered on the staff address.
func memberExcluded(r *record.Record) bool {
	switch r.String("username") {
	case "guest", "weg", "testaccountacceptemagverwijderd":
		return true
	}
	return r.String("email") == "loek@1procentclub.nl" && r.String("username") != "gannetson"
}

// listMembers attaches each member's profile, if any.
func (e *entities) listMembers(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	members, err := src.Enumerate(ctx, legacyMembers, nil)
	if err != nil {
		return nil, err
	}
	profiles, err := src.Enumerate(ctx, legacyProfiles, nil)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	byMember := index(profiles, "member_id")
	for _, m := range members {
		if ps := byMember[record.IndexKey(m.Key())]; len(ps) > 0 {
			m.Set("profile", ps[0])
		}
	}
	return members, nil
}

// deleted reports whether the account is marked deleted in the member or
// its profile.
func deleted(member *record.Record) bool {
	if truthy(member.Get("deleted")) {
		return true
	}
	if p, ok := member.Related("profile"); ok && truthy(p.Get("deleted")) {
		return true
	}
	return false
}

// activatedMapper keeps deleted accounts from logging in.
func activatedMapper() mapping.Mapper {
	active := func(src *record.Record, field string) bool {
		return truthy(src.Get(field)) && !deleted(src)
	}
	return mapping.Func(
		func(_ context.Context, src *record.Record, field string) (mapping.Values, error) {
			return mapping.Values{"is_active": active(src, field)}, nil
		},
		func(_ context.Context, src, dst *record.Record, field string) bool {
			return record.Equal(active(src, field), dst.Get("is_active"))
		},
	)
}

// adminMapper turns admin level 1 into a superuser and every level above 0
// into staff.
func adminMapper() mapping.Mapper {
	flags := func(src *record.Record, field string) mapping.Values {
		admin := toInt(src.Get(field))
		return mapping.Values{"is_superuser": admin == 1, "is_staff": admin > 0}
	}
	return mapping.Func(
		func(_ context.Context, src *record.Record, field string) (mapping.Values, error) {
			return flags(src, field), nil
		},
		func(_ context.Context, src, dst *record.Record, field string) bool {
			for k, v := range flags(src, field) {
				if !record.Equal(v, dst.Get(k)) {
					return false
				}
			}
			return true
		},
	)
}

// assignGroups puts assistants (admin level 2) in the Assistant group.
func assignGroups(ctx context.Context, env *migrate.Env, src, dst *record.Record) error {
	if toInt(src.Get("admin")) != 2 {
		return nil
	}
	g, err := env.Tx.Get(ctx, groups, record.Criteria{"name": assistantGroup})
	if errors.Is(err, store.ErrNotFound) {
		env.Log.Warn("group not found, is the groups fixture loaded?",
			zap.String("group", assistantGroup), zap.String("user", dst.Describe()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load group %s: %w", assistantGroup, err)
	}
	member := record.Criteria{"user_id": dst.Key(), "group_id": g.Key()}
	existing, err := env.Tx.Enumerate(ctx, userGroups, member)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	rec := userGroups.New()
	rec.Set("user_id", dst.Key())
	rec.Set("group_id", g.Key())
	return env.Tx.Save(ctx, userGroups, rec)
}

func (e *entities) members() *migrate.Pair {
	return &migrate.Pair{
		Name:    "members",
		Source:  legacyMembers,
		Dest:    users,
		List:    e.listMembers,
		Exclude: memberExcluded,
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Copy()),
			mapping.Use("email", mapping.Crop(75, "")),
			mapping.Use("username", mapping.Crop(30, "")),
			mapping.Field("profile", mapping.Nested(
				mapping.Use("firstname", mapping.Crop(30, "first_name")),
				mapping.Use("lastname", mapping.Crop(30, "last_name")),
			)),
			mapping.Use("password", mapping.Substitute("legacy$%s", "")),
			mapping.Use("created", mapping.Localize(e.loc, "date_joined")),
			mapping.Use("updated", mapping.Localize(e.loc, "last_login")),
			// Folded into is_active.
			mapping.Field("deleted", mapping.Discard()),
			mapping.Use("admin", adminMapper()),
			mapping.Use("activated", activatedMapper()),
		},
			"accepte_user", "activation", "alert", "batch", "ignore_activity",
			"invitee_id", "inviter_id", "language", "login", "type_id", "validated",
		),
		PostSave: assignGroups,
		Rules: map[string]string{
			"email":    "omitempty,email,max=75",
			"username": "required,max=30",
		},
	}
}

// listProfiles returns the profiles of members that migrate, with the
// member attached.
func (e *entities) listProfiles(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	members, err := src.Enumerate(ctx, legacyMembers, nil)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	var migrated []*record.Record
	for _, m := range members {
		if e.opts.EnableExclusions && memberExcluded(m) {
			continue
		}
		migrated = append(migrated, m)
	}
	profiles, err := src.Enumerate(ctx, legacyProfiles, nil)
	if err != nil {
		return nil, err
	}
	attach(profiles, "member_id", "member", migrated)
	out := profiles[:0]
	for _, p := range profiles {
		if _, ok := p.Related("member"); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// profileDeleted takes the deletion time of the profile, or the member's
// when the profile has none.
func (e *entities) profileDeleted() mapping.Mapper {
	localize := mapping.Localize(e.loc, "")
	value := func(src *record.Record, field string) (any, error) {
		v := src.Get(field)
		if !truthy(v) {
			if m, ok := src.Related("member"); ok && truthy(m.Get("deleted")) {
				v = m.Get("deleted")
			}
		}
		if !truthy(v) {
			return nil, nil
		}
		return localize.Convert(v)
	}
	return mapping.Func(
		func(_ context.Context, src *record.Record, field string) (mapping.Values, error) {
			v, err := value(src, field)
			if err != nil {
				return nil, err
			}
			return mapping.Values{field: v}, nil
		},
		func(_ context.Context, src, dst *record.Record, field string) bool {
			v, err := value(src, field)
			return err == nil && record.Equal(v, dst.Get(field))
		},
	)
}

// Profiles correspond through their member, since profile ids are not kept.
func profileByMember(r *record.Record) record.Criteria {
	return record.Criteria{"user_id": r.Get("member_id")}
}

func memberOfProfile(r *record.Record) record.Criteria {
	return record.Criteria{"member_id": r.Get("user_id")}
}

func (e *entities) profiles() *migrate.Pair {
	return &migrate.Pair{
		Name:     "profiles",
		Source:   legacyProfiles,
		Dest:     userProfiles,
		List:     e.listProfiles,
		Forward:  profileByMember,
		Backward: memberOfProfile,
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Discard()),
			mapping.Field("member_id", mapping.Rename("user_id")),
			mapping.Field("primary_language", mapping.Rename("interface_language")),
			mapping.Use("newsletter", mapping.Lookup(map[any]any{"y": true}, "").Default(false)),
			mapping.Field("birthdate", mapping.Copy()),
			mapping.Use("gender", mapping.Lookup(map[any]any{"m": "male", "f": "female"}, "").Default("")),
			mapping.Use("location", mapping.String("")),
			mapping.Use("website", mapping.Website("")),
			mapping.Use("deleted", e.profileDeleted()),
			mapping.Use("about", mapping.String("")),
			mapping.Use("why", mapping.String("")),
			mapping.Use("contribution", mapping.String("")),
			mapping.Use("available_time", mapping.Crop(255, "availability")),
			mapping.Use("working_location", mapping.Crop(255, "")),
			mapping.Use("photo", mapping.File(e.media, "picture").
				Under("assets/files/images/profiles").AllowMissing()),
		},
			// Mapped onto the user.
			"member", "firstname", "lastname", "created", "updated",
			// Mapped onto the address.
			"address", "zipcode", "city", "country_id",
			"facebook_connect_enabled", "facebook_id",
			"authorize_capture", "billingcity", "billingname", "billingnumber",
			"recurring_donation_amount",
		),
		Rules: map[string]string{
			"website": "omitempty,url",
			"gender":  "omitempty,oneof=male female",
		},
	}
}

// profileOf resolves a member id to the id of the user's profile.
func profileOf(ctx context.Context, v any) (any, bool, error) {
	dst, err := destination(ctx)
	if err != nil {
		return nil, false, err
	}
	p, err := dst.Get(ctx, userProfiles, record.Criteria{"user_id": v})
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p.Key(), true, nil
}

func (e *entities) listAddresses(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	profiles, err := e.listProfiles(ctx, src)
	if err != nil {
		return nil, err
	}
	return profiles, attachCountries(ctx, src, profiles)
}

// addresses splits the address fields of legacy profiles into their own
// table, hanging off the user's profile.
func (e *entities) addresses() *migrate.Pair {
	return &migrate.Pair{
		Name:     "addresses",
		Source:   legacyProfiles,
		Dest:     userAddresses,
		List:     e.listAddresses,
		Forward:  profileByMember,
		Backward: memberOfProfile,
		Fields: table([]mapping.Entry{
			mapping.Use("member_id", mapping.FanOut(
				mapping.Identity("user_id"),
				mapping.Relation(profileOf, "user_profile_id").Required(),
			)),
			mapping.Use("address", mapping.String("line1")),
			mapping.Use("zipcode", mapping.String("zip_code")),
			mapping.Use("city", mapping.String("")),
			mapping.Use("country", countryMapper()),
		},
			"id", "member", "country_id", "primary_language", "newsletter", "birthdate",
			"gender", "location", "website", "deleted", "about", "why", "contribution",
			"available_time", "working_location", "firstname", "lastname", "created",
			"updated", "facebook_connect_enabled", "facebook_id", "authorize_capture",
			"billingcity", "billingname", "billingnumber", "recurring_donation_amount",
			"photo",
		),
	}
}
