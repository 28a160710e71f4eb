package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// errBodyTooLarge is returned by FetchLimited when the decoded body is
// longer than the limit.
var errBodyTooLarge = errors.New("body exceeds limit")

// Response is a fully read upstream response.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// Fetcher performs the page and resource requests of one capture.
type Fetcher struct {
	client  *http.Client
	jar     http.CookieJar
	header  http.Header
	timeout time.Duration
	logger  *zap.Logger
}

func newFetcher(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.FetchTimeout}
		if opts.Jar != nil {
			client.Jar = opts.Jar
		}
	}
	hdr := cloneHeader(opts.Header)
	if hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", DefaultUserAgent)
	}
	if hdr.Get("Accept-Language") == "" {
		hdr.Set("Accept-Language", "en-US,en;q=0.8")
	}
	if hdr.Get("Accept-Encoding") == "" {
		hdr.Set("Accept-Encoding", "gzip")
	}
	return &Fetcher{
		client:  client,
		jar:     client.Jar,
		header:  hdr,
		timeout: opts.FetchTimeout,
		logger:  opts.Logger.Named("fetch"),
	}
}

// Header returns a copy of the headers sent with every request.
func (f *Fetcher) Header() http.Header { return cloneHeader(f.header) }

// Jar returns the cookie jar shared by the requests of a capture, if any.
func (f *Fetcher) Jar() http.CookieJar { return f.jar }

// Fetch GETs absURL and returns the decoded body. Non-2xx responses are
// reported as *StatusError.
func (f *Fetcher) Fetch(ctx context.Context, absURL, accept string) (*Response, error) {
	return f.FetchLimited(ctx, absURL, accept, 0)
}

// FetchLimited is Fetch with a bound on the decoded body. Reading stops at
// limit+1 bytes; a longer body fails with an error wrapping errBodyTooLarge.
// A limit <= 0 means no bound.
func (f *Fetcher) FetchLimited(ctx context.Context, absURL, accept string, limit int64) (*Response, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, absURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", absURL, err)
	}
	for k, vals := range f.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if accept == "" {
		accept = "*/*"
	}
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", absURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: absURL, Code: resp.StatusCode}
	}
	body, err := readDecoded(resp, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", absURL, err)
	}
	final := absURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	f.logger.Debug("fetched", zap.String("url", final), zap.Int("status", resp.StatusCode), zap.Int("bytes", len(body)))
	return &Response{URL: final, Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// readDecoded undoes Content-Encoding; net/http only does it by itself when
// the caller did not set Accept-Encoding.
func readDecoded(resp *http.Response, limit int64) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case "deflate":
		// Either zlib-wrapped or raw; both are tried over the same bytes.
		raw, err := readLimited(resp.Body, limit)
		if err != nil {
			return nil, err
		}
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			return readLimited(fr, limit)
		}
		defer zr.Close()
		return readLimited(zr, limit)
	}
	return readLimited(r, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errBodyTooLarge
	}
	return b, nil
}

func cloneHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
