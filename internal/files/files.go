// Package files locates legacy media files under a local root, fetching them
// from a remote location on demand.
package files

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrUnavailable is returned by fetchers when the remote file does not exist
// or cannot be retrieved.
var ErrUnavailable = errors.New("remote file unavailable")

// File is a resolved media file.
type File struct {
	// Name is the slash separated path relative to the media root.
	Name string
	// Path is the local filesystem path.
	Path string
	Size int64
}

// Value stores the relative name, which is what destination file columns hold.
func (f File) Value() (driver.Value, error) {
	return f.Name, nil
}

// EqualValue compares base names, and sizes when both sides carry one.
func (f File) EqualValue(other any) bool {
	switch o := other.(type) {
	case File:
		if path.Base(o.Name) != path.Base(f.Name) {
			return false
		}
		return o.Size == 0 || f.Size == 0 || o.Size == f.Size
	case string:
		return path.Base(o) == path.Base(f.Name)
	}
	return false
}

func (f File) String() string { return f.Name }

// Fetcher retrieves a file by its relative name.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (io.ReadCloser, error)
}

// Media resolves relative names under Root.
type Media struct {
	Root    string
	Fetcher Fetcher
	Log     *zap.Logger
}

// NewMedia returns a Media rooted at root. fetcher may be nil.
func NewMedia(root string, fetcher Fetcher, log *zap.Logger) *Media {
	if log == nil {
		log = zap.NewNop()
	}
	return &Media{Root: root, Fetcher: fetcher, Log: log}
}

// Clean normalizes a legacy path: leading slashes are dropped and the result
// must stay inside the root.
func Clean(name string) (string, error) {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if name == "" {
		return "", nil
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the media root", name)
	}
	return clean, nil
}

// Stat looks the file up locally without fetching.
func (m *Media) Stat(name string) (File, bool, error) {
	clean, err := Clean(name)
	if err != nil || clean == "" {
		return File{}, false, err
	}
	p := filepath.Join(m.Root, filepath.FromSlash(clean))
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, false, nil
	}
	if err != nil {
		return File{}, false, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		return File{}, false, nil
	}
	return File{Name: clean, Path: p, Size: info.Size()}, true, nil
}

// Resolve returns the local file, fetching and persisting it first when it is
// missing and a fetcher is configured. A file that cannot be found anywhere is
// reported with ok=false and a nil error.
func (m *Media) Resolve(ctx context.Context, name string) (File, bool, error) {
	f, ok, err := m.Stat(name)
	if err != nil || ok || m.Fetcher == nil {
		return f, ok, err
	}
	clean, _ := Clean(name)
	if clean == "" {
		return File{}, false, nil
	}

	body, err := m.Fetcher.Fetch(ctx, clean)
	if err != nil {
		if ctx.Err() != nil {
			return File{}, false, ctx.Err()
		}
		if !errors.Is(err, ErrUnavailable) {
			m.Log.Warn("fetching file failed", zap.String("file", clean), zap.Error(err))
		}
		return File{}, false, nil
	}
	defer body.Close()

	if err := m.persist(clean, body); err != nil {
		return File{}, false, err
	}
	m.Log.Debug("fetched file", zap.String("file", clean))
	return m.Stat(clean)
}

func (m *Media) persist(clean string, body io.Reader) error {
	dst := filepath.Join(m.Root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create media directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".fetch-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
