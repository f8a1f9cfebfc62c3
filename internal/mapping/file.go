package mapping

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/files"
	"github.com/Limetric/recordferry/internal/record"
)

// FileMapper resolves a legacy relative path to a media file.
type FileMapper struct {
	media        *files.Media
	to           string
	allowMissing bool
	skip         map[string]bool
	dir          string
}

// File resolves paths through media. Missing files are an error unless
// AllowMissing is set.
func File(media *files.Media, to string) *FileMapper {
	return &FileMapper{media: media, to: to}
}

// AllowMissing leaves the destination field unset for missing files.
func (f *FileMapper) AllowMissing() *FileMapper {
	f.allowMissing = true
	return f
}

// Under resolves legacy paths relative to dir inside the media root.
func (f *FileMapper) Under(dir string) *FileMapper {
	f.dir = strings.Trim(dir, "/")
	return f
}

// SkipQuietly suppresses the folder warning for the given legacy paths,
// which are known placeholders.
func (f *FileMapper) SkipQuietly(paths ...string) *FileMapper {
	if f.skip == nil {
		f.skip = map[string]bool{}
	}
	for _, p := range paths {
		f.skip[strings.TrimLeft(p, "/")] = true
	}
	return f
}

func (f *FileMapper) target(field string) string {
	if f.to != "" {
		return f.to
	}
	return field
}

func (f *FileMapper) Targets(field string) []string { return []string{f.target(field)} }

// name returns the cleaned path, or "" when there is no file to look for.
func (f *FileMapper) name(v any) (string, error) {
	raw := strings.TrimLeft(text(v), "/")
	if raw == "" {
		return "", nil
	}
	if strings.HasSuffix(raw, "/") {
		if !f.skip[raw] {
			zap.L().Warn("file path is a folder, skipping", zap.String("path", raw))
		}
		return "", nil
	}
	if f.dir != "" {
		raw = f.dir + "/" + raw
	}
	return files.Clean(raw)
}

func (f *FileMapper) Map(ctx context.Context, src *record.Record, field string) (Values, error) {
	name, err := f.name(src.Get(field))
	if err != nil || name == "" {
		return nil, err
	}
	file, ok, err := f.media.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		zap.L().Warn("file could not be found",
			zap.String("path", path.Join(f.media.Root, name)), zap.String("record", src.Describe()))
		if f.allowMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingFile, name)
	}
	return Values{f.target(field): file}, nil
}

// Check compares base name and size against the local copy. It never
// fetches.
func (f *FileMapper) Check(_ context.Context, src, dst *record.Record, field string) bool {
	name, err := f.name(src.Get(field))
	if err != nil {
		return false
	}
	var want files.File
	var found bool
	if name != "" {
		want, found, err = f.media.Stat(name)
		if err != nil {
			return false
		}
	}

	got := dst.Get(f.target(field))
	if got == nil || got == "" {
		return !found
	}
	if !found {
		return false
	}
	if !want.EqualValue(got) {
		zap.L().Warn("file does not correspond",
			zap.String("old", want.Name), zap.Any("new", got), zap.String("record", dst.Describe()))
		return false
	}
	return true
}
