package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func encodedBody(t *testing.T, encoding, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "zlib":
		w = zlib.NewWriter(&buf)
	case "raw":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		w = fw
	}
	_, err := io.WriteString(w, text)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFetchDecodesContentEncoding(t *testing.T) {
	const css = ".raw { color: red; }"
	cases := []struct {
		name     string
		encoding string
		header   string
	}{
		{"gzip", "gzip", "gzip"},
		{"zlib deflate", "zlib", "deflate"},
		{"raw deflate", "raw", "deflate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := encodedBody(t, tc.encoding, css)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/css")
				w.Header().Set("Content-Encoding", tc.header)
				_, _ = w.Write(body)
			}))
			defer srv.Close()

			f := newFetcher(Options{Logger: zaptest.NewLogger(t)}.withDefaults())
			resp, err := f.Fetch(context.Background(), srv.URL+"/a.css", "text/css")
			require.NoError(t, err)
			assert.Equal(t, css, string(resp.Body))
		})
	}
}

func TestFetchLimitedStopsReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		chunk := bytes.Repeat([]byte{0xAB}, 32<<10)
		for {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			select {
			case <-r.Context().Done():
				return
			default:
			}
		}
	}))
	defer srv.Close()

	f := newFetcher(Options{Logger: zaptest.NewLogger(t), FetchTimeout: 5 * time.Second}.withDefaults())
	_, err := f.FetchLimited(context.Background(), srv.URL+"/endless.png", "image/*", 1024)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBodyTooLarge)
}

func TestFetchLimitedAcceptsBodyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	f := newFetcher(Options{Logger: zaptest.NewLogger(t)}.withDefaults())
	resp, err := f.FetchLimited(context.Background(), srv.URL+"/", "*/*", 64)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 64)

	_, err = f.FetchLimited(context.Background(), srv.URL+"/", "*/*", 63)
	assert.ErrorIs(t, err, errBodyTooLarge)
}
