package mapping

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Limetric/recordferry/internal/record"
)

var (
	slugStrip  = regexp.MustCompile(`[^\w\s-]`)
	slugSpaces = regexp.MustCompile(`[-\s]+`)
	slugSuffix = regexp.MustCompile(`^(.*)-(\d+)$`)
)

// Slugify folds s to ASCII, drops everything but word characters, spaces and
// hyphens, lowercases it and joins words with single hyphens.
func Slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	ascii := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, folded)
	ascii = strings.ToLower(strings.TrimSpace(slugStrip.ReplaceAllString(ascii, "")))
	return slugSpaces.ReplaceAllString(ascii, "-")
}

// Slug maps the value to its slug, cropped to n characters.
func Slug(n int, to string) *Value {
	return newValue("slug", to, func(v any) (any, error) {
		return cropRunes(Slugify(text(v)), n), nil
	})
}

// TolerantSlugMapper is a Slug whose check also accepts "<slug>-<n>", the
// form unique slug handling produces for duplicates.
type TolerantSlugMapper struct {
	*Value
	n     int
	quiet bool
}

func TolerantSlug(n int, to string) *TolerantSlugMapper {
	return &TolerantSlugMapper{Value: Slug(n, to), n: n}
}

// Quiet stops the check from warning about slugs that were made unique.
func (m *TolerantSlugMapper) Quiet() *TolerantSlugMapper {
	m.quiet = true
	return m
}

func (m *TolerantSlugMapper) Check(ctx context.Context, src, dst *record.Record, field string) bool {
	if m.Value.Check(ctx, src, dst, field) {
		return true
	}
	want, _ := m.convert(src.Get(field))
	got := text(dst.Get(m.target(field)))
	if sm := slugSuffix.FindStringSubmatch(got); sm != nil {
		n, err := strconv.Atoi(sm[2])
		if err == nil && SuffixSlug(text(want), n, m.n) == got {
			if !m.quiet {
				zap.L().Warn("slug was made unique",
					zap.String("field", field), zap.String("slug", got), zap.String("record", dst.Describe()))
			}
			return true
		}
	}
	zap.L().Error("slug does not match its source",
		zap.Any("old", src.Get(field)), zap.String("new", got), zap.String("record", dst.Describe()))
	return false
}

// SuffixSlug appends -n to slug, cropping slug first so the result has at
// most limit characters. A limit of zero or less means none.
func SuffixSlug(slug string, n, limit int) string {
	suffix := "-" + strconv.Itoa(n)
	if limit > 0 {
		slug = strings.TrimRight(cropRunes(slug, limit-len(suffix)), "-")
	}
	return slug + suffix
}
