package entities

import (
	"context"
	"fmt"

	"github.com/Limetric/recordferry/internal/mapping"
	"github.com/Limetric/recordferry/internal/migrate"
	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// listMessages returns the project messages that belong to an event and to
// a migrated project, with the author attached as "member".
func (e *entities) listMessages(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	ps, err := src.Enumerate(ctx, legacyProjects, nil)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	migrated := make(map[string]bool, len(ps))
	for _, p := range ps {
		migrated[record.IndexKey(p.Key())] = true
	}
	msgs, err := src.Enumerate(ctx, legacyMessages, nil)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Get("event_id") == nil || !migrated[record.IndexKey(m.Get("project_id"))] {
			continue
		}
		out = append(out, m)
	}
	members, err := src.Enumerate(ctx, legacyMembers, nil)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	attach(out, "member_id", "member", members)
	return out, nil
}

// author maps the message author onto author_id. Messages by the shared
// guest account have no author.
func author() mapping.Mapper {
	id := func(src *record.Record, field string) any {
		if m, ok := src.Related("member"); ok && m.String("username") == "guest" {
			return nil
		}
		return src.Get(field)
	}
	return mapping.Func(
		func(_ context.Context, src *record.Record, field string) (mapping.Values, error) {
			return mapping.Values{"author_id": id(src, field)}, nil
		},
		func(_ context.Context, src, dst *record.Record, field string) bool {
			return record.Equal(id(src, field), dst.Get("author_id"))
		},
	)
}

// timestamps defers created to both created and updated.
func (e *entities) timestamps() mapping.Mapper {
	return mapping.FanOut(
		mapping.Deferred(e.loc, "created"),
		mapping.Deferred(e.loc, "updated"),
	)
}

func loadReactions(ctx context.Context, src store.Reader, msg *record.Record) ([]*record.Record, error) {
	return src.Enumerate(ctx, legacyReactions, record.Criteria{"event_id": msg.Get("event_id")})
}

// wallposts migrates project messages to text wallposts, keeping their ids.
// Reactions to the message's event follow as child records.
func (e *entities) wallposts() *migrate.Pair {
	p := &migrate.Pair{
		Name:   "wallposts",
		Source: legacyMessages,
		Dest:   wallposts,
		List:   e.listMessages,
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Copy()),
			mapping.Use("created", e.timestamps()),
			mapping.Use("deleted", mapping.Deferred(e.loc, "")),
			mapping.Use("member_id", author()),
			mapping.Field("text", mapping.Copy()),
			mapping.Field("project_id", mapping.Copy()),
		}, "event_id", "member"),
		Rules: map[string]string{"text": "required"},
	}
	return migrate.WithChildren(p, migrate.ChildSpec{
		Name: "reactions",
		Load: loadReactions,
		Dest: reactions,
		Fields: table([]mapping.Entry{
			mapping.Field("from_member_id", mapping.Rename("author_id")),
			mapping.Field("text", mapping.Copy()),
			mapping.Use("created", e.timestamps()),
			mapping.Use("deleted", mapping.Deferred(e.loc, "")),
		}, "id", "event_id"),
		ParentKey: "wallpost_id",
	})
}
