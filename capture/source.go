package capture

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Source loads the live page of a capture.
type Source interface {
	Load(ctx context.Context, target string, f *Fetcher) (*Document, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, target string, f *Fetcher) (*Document, error)

func (fn SourceFunc) Load(ctx context.Context, target string, f *Fetcher) (*Document, error) {
	return fn(ctx, target, f)
}

// HTTPSource fetches the page over HTTP and parses it without running
// scripts. Computed style comes from the cascade engine.
type HTTPSource struct{}

func (HTTPSource) Load(ctx context.Context, target string, f *Fetcher) (*Document, error) {
	resp, err := f.Fetch(ctx, target, "text/html,application/xhtml+xml,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	return ParseDocument(bytes.NewReader(resp.Body), resp.URL, resp.Header.Get("Content-Type"))
}

// NormalizeURL validates a capture target, defaulting the scheme to http.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty url")
	}
	if strings.HasPrefix(s, "//") {
		s = "http:" + s
	} else if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	u.Fragment = ""
	return u.String(), nil
}
