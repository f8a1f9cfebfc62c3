package entities

import (
	"context"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// Unnamed organizations are junk.
func organizationExcluded(r *record.Record) bool {
	return r.String("name") == ""
}

// organizationFields are the legacy organization columns that map onto the
// organization itself.
var organizationFields = []string{
	"name", "legalstatus", "phonenumber", "email", "website", "description",
	"created", "updated", "deleted", "partner_organisations",
	"account_number", "account_name", "account_city", "account_bank_name",
	"account_bank_address", "account_bank_country_id", "account_iban", "account_bicswift",
}

func (e *entities) organizations() *migrate.Pair {
	p := &migrate.Pair{
		Name:    "organizations",
		Source:  legacyOrganizations,
		Dest:    organizations,
		Exclude: organizationExcluded,
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Copy()),
			mapping.Use("name", mapping.FanOut(
				mapping.Identity("name"),
				mapping.TolerantSlug(100, "slug").Quiet(),
			)),
			mapping.Field("legalstatus", mapping.Rename("legal_status")),
			mapping.Use("phonenumber", mapping.String("phone_number")),
			// Organization email addresses are not carried over.
			mapping.Field("email", mapping.Discard()),
			mapping.Use("website", mapping.Website("")),
			mapping.Use("description", mapping.String("")),
			mapping.Use("created", mapping.Localize(e.loc, "")),
			mapping.Use("updated", mapping.Deferred(e.loc, "")),
			mapping.Use("deleted", mapping.Localize(e.loc, "")),
			mapping.Use("partner_organisations", mapping.String("")),
			mapping.Field("account_number", mapping.Copy()),
			mapping.Field("account_name", mapping.Copy()),
			mapping.Field("account_city", mapping.Copy()),
			mapping.Use("account_bank_name", mapping.String("")),
			mapping.Use("account_bank_address", mapping.String("")),
			mapping.Use("account_iban", mapping.String("")),
			mapping.Use("account_bicswift", mapping.String("")),
		},
			// The destination has no bank country.
			"account_bank_country_id",
			// Mapped by organization_addresses.
			"street", "street_number", "postalcode", "city", "country_id",
		),
		Rules: map[string]string{
			"name":    "required,max=255",
			"website": "omitempty,url",
		},
		Quiet: true,
	}
	return migrate.WithUniqueSlug(p, "slug", 100)
}

// listOrganizationMembers keeps memberships of organizations that migrate.
func (e *entities) listOrganizationMembers(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	orgs, err := src.Enumerate(ctx, legacyOrganizations, nil)
	if err != nil {
		return nil, err
	}
	migrated := map[string]bool{}
	for _, o := range orgs {
		if e.opts.EnableExclusions && organizationExcluded(o) {
			continue
		}
		migrated[record.IndexKey(o.Key())] = true
	}
	members, err := src.Enumerate(ctx, legacyOrgMembers, nil)
	if err != nil {
		return nil, err
	}
	out := members[:0]
	for _, m := range members {
		if migrated[record.IndexKey(m.Get("org_id"))] {
			out = append(out, m)
		}
	}
	return out, nil
}

const ownerFunction = "owner"

// organizationMembers migrates the keyless legacy membership table. Every
// legacy member is the organization's owner.
func (e *entities) organizationMembers() *migrate.Pair {
	return &migrate.Pair{
		Name:   "organization_members",
		Source: legacyOrgMembers,
		Dest:   organizationMembers,
		List:   e.listOrganizationMembers,
		Forward: func(r *record.Record) record.Criteria {
			return record.Criteria{"user_id": r.Get("mem_id"), "organization_id": r.Get("org_id")}
		},
		Backward: func(r *record.Record) record.Criteria {
			return record.Criteria{"mem_id": r.Get("user_id"), "org_id": r.Get("organization_id")}
		},
		Fields: mapping.MustTable(
			mapping.Field("mem_id", mapping.Rename("user_id")),
			mapping.Field("org_id", mapping.Rename("organization_id")),
		),
		PreValidate: func(_ context.Context, _ *migrate.Env, _, dst *record.Record) error {
			dst.Set("function", ownerFunction)
			return nil
		},
		Checks: []migrate.Check{{
			Name: "owner",
			Func: func(_ context.Context, _ *migrate.Env, _, dst *record.Record) bool {
				return dst.String("function") == ownerFunction
			},
		}},
	}
}

var splitAddressOrganizations = map[int64]bool{1311: true, 1015: true, 1568: true}

func (e *entities) listOrganizationAddresses(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	orgs, err := src.Enumerate(ctx, legacyOrganizations, nil)
	if err != nil {
		return nil, err
	}
	return orgs, attachCountries(ctx, src, orgs)
}

// organizationAddresses moves the address columns of legacy organizations
// into an address row with the same id.
func (e *entities) organizationAddresses() *migrate.Pair {
	return &migrate.Pair{
		Name:   "organization_addresses",
		Source: legacyOrganizations,
		Dest:   organizationAddrs,
		List:   e.listOrganizationAddresses,
		Exclude: func(r *record.Record) bool {
			// TODO: split these streets into several address lines instead.
			return organizationExcluded(r) || splitAddressOrganizations[toInt(r.Key())]
		},
		Fields: table([]mapping.Entry{
			mapping.Use("id", mapping.FanOut(
				mapping.Identity("id"),
				mapping.Identity("organization_id"),
			)),
			mapping.Use("street", mapping.Concat([]string{"street_number"}, " ", "line1")),
			mapping.Field("street_number", mapping.Discard()),
			mapping.Use("postalcode", mapping.Crop(20, "zip_code")),
			mapping.Field("city", mapping.Copy()),
			mapping.Use("country", countryMapper()),
			mapping.Field("country_id", mapping.Discard()),
		}, organizationFields...),
	}
}
