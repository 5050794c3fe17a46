// Package http fetches images over HTTP(S).
//
// The fetcher reports itself as remote, so the engine stores its bodies in
// the download cache and refuses it for requests limited to local data.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"fmt"
	"io"
	"mime"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/internal/loadtype"
)

// Key identifies the factory in a registry.
const Key = "sketch.http"

// Factory creates HTTP fetchers for http and https identifiers.
type Factory struct {
	client  *nethttp.Client
	headers nethttp.Header
}

// Option configures a Factory.
type Option func(*Factory)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Factory) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Factory) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Factory) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// New creates a Factory.
func New(opts ...Option) *Factory {
	f := &Factory{client: nethttp.DefaultClient}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	return f
}

// Key implements component.FetcherFactory.
func (f *Factory) Key() string { return Key }

// Accepts reports whether req names an http or https URL.
func (f *Factory) Accepts(req loadtype.Request) bool {
	u, err := url.Parse(req.URI())
	if err != nil {
		return false
	}
	return u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}

// Create implements component.FetcherFactory.
func (f *Factory) Create(req loadtype.Request) (component.Fetcher, error) {
	return &Fetcher{factory: f, url: req.URI()}, nil
}

// Remote implements component.RemoteFetcher.
func (f *Factory) Remote() bool { return true }

// Fetcher performs one GET request.
type Fetcher struct {
	factory *Factory
	url     string
}

// Remote implements component.RemoteFetcher.
func (f *Fetcher) Remote() bool { return true }

// Fetch issues the request and returns the response body as a one-shot
// source. A 404 or 410 response wraps loadtype.ErrNotFound.
func (f *Fetcher) Fetch(ctx context.Context) (*loadtype.FetchResult, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, f.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range f.factory.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "image/*")
	}

	resp, err := f.factory.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// ok
	case resp.StatusCode == nethttp.StatusNotFound || resp.StatusCode == nethttp.StatusGone:
		drain(resp.Body)
		return nil, fmt.Errorf("get %s: %w", f.url, loadtype.ErrNotFound)
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("get %s: %s", f.url, resp.Status)
	}

	return &loadtype.FetchResult{
		Source:        loadtype.NewStreamSource(resp.Body, loadtype.FromNetwork),
		MimeType:      mediaType(resp.Header.Get("Content-Type")),
		ContentLength: resp.ContentLength,
	}, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
	_ = body.Close()
}

// mediaType strips parameters from a Content-Type value.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
