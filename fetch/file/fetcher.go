// Package file fetches images from the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/internal/loadtype"
)

// Key identifies the factory in a registry.
const Key = "sketch.file"

// Factory creates fetchers for file:// URLs and absolute paths.
type Factory struct {
	baseDir string
}

// Option configures a Factory.
type Option func(*Factory)

// WithBaseDir makes relative paths acceptable, resolved against dir.
func WithBaseDir(dir string) Option {
	return func(f *Factory) {
		f.baseDir = dir
	}
}

// New creates a Factory.
func New(opts ...Option) *Factory {
	f := &Factory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Key implements component.FetcherFactory.
func (f *Factory) Key() string { return Key }

// Accepts implements component.FetcherFactory.
func (f *Factory) Accepts(req loadtype.Request) bool {
	_, ok := f.path(req.URI())
	return ok
}

// Create implements component.FetcherFactory.
func (f *Factory) Create(req loadtype.Request) (component.Fetcher, error) {
	p, ok := f.path(req.URI())
	if !ok {
		return nil, fmt.Errorf("file: unsupported identifier %q", req.URI())
	}
	return &Fetcher{path: p}, nil
}

// path maps an identifier to a filesystem path.
func (f *Factory) path(uri string) (string, bool) {
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil || (u.Host != "" && u.Host != "localhost") {
			return "", false
		}
		if u.Path == "" {
			return "", false
		}
		return filepath.FromSlash(u.Path), true
	}
	if strings.Contains(uri, "://") {
		return "", false
	}
	if filepath.IsAbs(uri) {
		return filepath.Clean(uri), true
	}
	if f.baseDir == "" || uri == "" {
		return "", false
	}
	return filepath.Join(f.baseDir, uri), true
}

// Fetcher reads one file.
type Fetcher struct {
	path string
}

// Fetch stats the file and returns a reopenable source for it.
// A missing file wraps loadtype.ErrNotFound.
func (f *Fetcher) Fetch(ctx context.Context) (*loadtype.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", f.path, loadtype.ErrNotFound)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("file: %s is not a regular file", f.path)
	}
	return &loadtype.FetchResult{
		Source:        &loadtype.FileSource{Path: f.path, Origin: loadtype.FromLocal},
		MimeType:      mime.TypeByExtension(strings.ToLower(filepath.Ext(f.path))),
		ContentLength: info.Size(),
	}, nil
}
