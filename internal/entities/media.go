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

// pictureDir is where the legacy file manager kept uploaded pictures.
const pictureDir = "assets/files/filemanager"

// albumExcluded drops placeholder albums and albums without pictures.
func albumExcluded(r *record.Record) bool {
	name := r.String("name")
	return name == "*" || name == "." || toInt(r.Get("picture_count")) == 0
}

// listAlbums returns the albums of catalogs that belong to a project, with
// the legacy project ids as "projects" and the number of pictures as
// "picture_count".
func (e *entities) listAlbums(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	ps, err := src.Enumerate(ctx, legacyProjects, nil)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	byCatalog := index(ps, "catalog_id")
	as, err := src.Enumerate(ctx, legacyAlbums, nil)
	if err != nil {
		return nil, err
	}
	pics, err := src.Enumerate(ctx, legacyPictures, nil)
	if err != nil {
		return nil, fmt.Errorf("load pictures: %w", err)
	}
	byAlbum := index(pics, "album_id")

	out := as[:0]
	for _, a := range as {
		if a.Get("catalog_id") == nil {
			continue
		}
		var ids []any
		for _, p := range byCatalog[record.IndexKey(a.Get("catalog_id"))] {
			ids = append(ids, p.Key())
		}
		if len(ids) == 0 {
			continue
		}
		a.Set("projects", ids)
		a.Set("picture_count", int64(len(byAlbum[record.IndexKey(a.Key())])))
		out = append(out, a)
	}
	return out, nil
}

func albumProjects(src *record.Record) []any {
	ids, _ := src.Get("projects").([]any)
	return ids
}

// linkProjects relates the album to the projects of its legacy catalog.
func linkProjects(ctx context.Context, env *migrate.Env, src, dst *record.Record) error {
	for _, id := range albumProjects(src) {
		link := record.Criteria{"project_id": id, "album_id": dst.Key()}
		existing, err := env.Tx.Enumerate(ctx, projectAlbums, link)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		rec := projectAlbums.New()
		rec.Set("project_id", id)
		rec.Set("album_id", dst.Key())
		if err := env.Tx.Save(ctx, projectAlbums, rec); err != nil {
			return fmt.Errorf("link album %v to project %v: %w", dst.Key(), id, err)
		}
	}
	return nil
}

// albumLinked checks that the album is related to exactly the projects of
// its legacy catalog.
func albumLinked(ctx context.Context, env *migrate.Env, src, dst *record.Record) bool {
	links, err := env.Tx.Enumerate(ctx, projectAlbums, record.Criteria{"album_id": dst.Key()})
	if err != nil {
		env.Log.Error("load album projects", zap.Error(err))
		return false
	}
	want := albumProjects(src)
	if len(links) != len(want) {
		env.Log.Error("album is related to other projects",
			zap.String("album", dst.Describe()), zap.Any("want", want), zap.Int("linked", len(links)))
		return false
	}
	for _, id := range want {
		found := false
		for _, l := range links {
			if record.Equal(id, l.Get("project_id")) {
				found = true
				break
			}
		}
		if !found {
			env.Log.Error("album is not related to its project",
				zap.String("album", dst.Describe()), zap.Any("project", id))
			return false
		}
	}
	return true
}

// albums migrates picture albums of migrated projects. Albums relate to
// projects directly now rather than through a catalog.
func (e *entities) albums() *migrate.Pair {
	p := &migrate.Pair{
		Name:    "albums",
		Source:  legacyAlbums,
		Dest:    albums,
		List:    e.listAlbums,
		Exclude: albumExcluded,
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Copy()),
			mapping.Use("name", mapping.FanOut(
				mapping.Identity("title"),
				mapping.TolerantSlug(100, "slug"),
			)),
			mapping.Use("description", mapping.String("")),
			mapping.Use("created", mapping.Localize(e.loc, "")),
			mapping.Use("updated", mapping.Deferred(e.loc, "")),
		},
			// Linked by the post-save hook.
			"catalog_id", "projects",
			"folder", "picture_count",
		),
		PostSave: linkProjects,
		Checks:   []migrate.Check{{Name: "projects", Func: albumLinked}},
		Rules: map[string]string{
			"title": "required,max=255",
			"slug":  "required,max=100",
		},
	}
	return migrate.WithUniqueSlug(p, "slug", 100)
}

// listPictures returns the pictures of albums that migrate.
func (e *entities) listPictures(ctx context.Context, src store.Reader) ([]*record.Record, error) {
	as, err := e.listAlbums(ctx, src)
	if err != nil {
		return nil, err
	}
	migrated := make(map[string]bool, len(as))
	for _, a := range as {
		if e.opts.EnableExclusions && albumExcluded(a) {
			continue
		}
		migrated[record.IndexKey(a.Key())] = true
	}
	pics, err := src.Enumerate(ctx, legacyPictures, nil)
	if err != nil {
		return nil, err
	}
	out := pics[:0]
	for _, p := range pics {
		if migrated[record.IndexKey(p.Get("album_id"))] {
			out = append(out, p)
		}
	}
	return out, nil
}

// albumOf resolves a legacy album id to the migrated album.
func albumOf(ctx context.Context, v any) (any, bool, error) {
	dst, err := destination(ctx)
	if err != nil {
		return nil, false, err
	}
	a, err := dst.Get(ctx, albums, record.Criteria{"id": v})
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a.Key(), true, nil
}

// pictures migrates the pictures of migrated albums. Files live under the
// legacy file manager folder; missing files leave the picture empty.
func (e *entities) pictures() *migrate.Pair {
	return &migrate.Pair{
		Name:   "pictures",
		Source: legacyPictures,
		Dest:   pictures,
		List:   e.listPictures,
		Exclude: func(r *record.Record) bool {
			return r.String("file") == ""
		},
		Fields: table([]mapping.Entry{
			mapping.Field("id", mapping.Copy()),
			mapping.Use("album_id", mapping.Relation(albumOf, "").Required()),
			mapping.Use("name", mapping.String("title")),
			mapping.Use("description", mapping.String("")),
			mapping.Use("created", mapping.Localize(e.loc, "")),
			mapping.Use("file", mapping.File(e.media, "picture").Under(pictureDir).AllowMissing()),
		},
			// The destination sets updated on save.
			"updated",
			"project_id",
		),
		Rules: map[string]string{"album_id": "required"},
	}
}
