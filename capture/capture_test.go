package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"
)

func newSite(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for p, h := range routes {
		mux.HandleFunc(p, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func serve(contentType, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}
}

func servePNG(img []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}
}

func makePNG(t *testing.T, w, h int, alpha uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: 200, A: alpha})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func parseOutput(t *testing.T, out string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(out))
	require.NoError(t, err)
	return doc
}

func queryAll(doc *html.Node, sel string) []*html.Node {
	return cascadia.QueryAll(doc, cascadia.MustCompile(sel))
}

func newTestCapturer(t *testing.T, opts Options) *Capturer {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	c, err := NewCapturer(opts)
	require.NoError(t, err)
	return c
}

func TestCaptureKeepsCascadeOrder(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>Order</title>
<link rel="stylesheet" href="/a.css">
<style>.second { color: green; }</style>
<link rel="stylesheet" href="/b.css">
<link rel="alternate stylesheet" href="/alt.css">
</head><body><p>hi</p></body></html>`
	srv := newSite(t, map[string]http.HandlerFunc{
		"/": serve("text/html; charset=utf-8", page),
		"/a.css": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(80 * time.Millisecond)
			serve("text/css", ".first { color: red; }")(w, r)
		},
		"/b.css":   serve("text/css", ".third { color: blue; }"),
		"/alt.css": serve("text/css", ".alternate { color: black; }"),
	})

	res, err := newTestCapturer(t, Options{}).Capture(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	first := strings.Index(res.HTML, ".first")
	second := strings.Index(res.HTML, ".second")
	third := strings.Index(res.HTML, ".third")
	require.True(t, first >= 0 && second >= 0 && third >= 0, "all sheets inlined")
	assert.Less(t, first, second)
	assert.Less(t, second, third)
	assert.NotContains(t, res.HTML, ".alternate")
	assert.Less(t, third, strings.Index(res.HTML, ":root {"), "overrides follow the page styles")
	assert.Equal(t, 3, res.Stats.Stylesheets)
}

func TestCaptureFailedStylesheetIsEmpty(t *testing.T) {
	page := `<html><head><title>x</title><link rel="stylesheet" href="/missing.css"><style>.kept{color:red}</style></head><body></body></html>`
	srv := newSite(t, map[string]http.HandlerFunc{
		"/": serve("text/html", page),
	})
	res, err := newTestCapturer(t, Options{}).Capture(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, res.HTML, ".kept")
}

func TestCaptureInlinesImages(t *testing.T) {
	pic := makePNG(t, 4, 4, 255)
	page := `<html><head><title>Images</title></head><body>
<img id="ok" src="/ok.png" srcset="/ok-2x.png 2x" sizes="100vw">
<img id="again" src="/ok.png">
<img id="lazy" src="" data-src="/ok.png">
<img id="broken" src="/broken.png" srcset="/broken-2x.png 2x">
<img id="inline" src="data:image/gif;base64,R0lGODlhAQABAAAAACw=">
</body></html>`
	var mu sync.Mutex
	hits := 0
	srv := newSite(t, map[string]http.HandlerFunc{
		"/": serve("text/html", page),
		"/ok.png": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			servePNG(pic)(w, r)
		},
		"/broken.png": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		},
	})

	var progress []Progress
	res, err := newTestCapturer(t, Options{
		Progress: func(p Progress) { progress = append(progress, p) },
	}).Capture(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	doc := parseOutput(t, res.HTML)
	ok := queryAll(doc, "#ok")[0]
	assert.True(t, strings.HasPrefix(getAttr(ok, "src"), "data:image/png;base64,"))
	assert.False(t, hasAttr(ok, "srcset"))
	assert.False(t, hasAttr(ok, "sizes"))
	assert.Equal(t, getAttr(ok, "src"), getAttr(queryAll(doc, "#again")[0], "src"))

	lazy := queryAll(doc, "#lazy")[0]
	assert.True(t, strings.HasPrefix(getAttr(lazy, "src"), "data:image/png;base64,"))
	assert.False(t, hasAttr(lazy, "data-src"))

	broken := queryAll(doc, "#broken")[0]
	assert.Equal(t, "/broken.png", getAttr(broken, "src"))
	assert.Equal(t, "/broken-2x.png 2x", getAttr(broken, "srcset"))

	assert.Equal(t, "data:image/gif;base64,R0lGODlhAQABAAAAACw=", getAttr(queryAll(doc, "#inline")[0], "src"))

	assert.Equal(t, 1, hits, "each url is fetched once")
	assert.Equal(t, 5, res.Stats.ImagesTotal)
	assert.Equal(t, 3, res.Stats.ImagesInlined)
	assert.Equal(t, 1, res.Stats.ImagesFailed)

	var last Progress
	for _, p := range progress {
		if p.Stage == StageImages {
			last = p
		}
	}
	assert.Equal(t, Progress{Stage: StageImages, Done: 5, Total: 5}, last)
	assert.Equal(t, StageLoad, progress[0].Stage)
	assert.Equal(t, StageAssemble, progress[len(progress)-1].Stage)
}

func TestCaptureSanitizesContent(t *testing.T) {
	page := `<html><head><title>Post</title><script>var x = 1;</script>
<meta http-equiv="refresh" content="5;url=/elsewhere">
<style>.float-right { float: right; } .sidebar { position: sticky; }</style></head>
<body>
<article><p>Body text</p><div class="share-box" style="position: fixed">share</div></article>
<div id="fixed-bar" style="position: fixed; top: 0">bar</div>
<div class="float-right share">floating share</div>
<div class="share">static share</div>
<div class="sidebar backtop">top</div>
<article><div class="tampermonkey-panel">panel</div></article>
<div class="banner header-banner">kept banner</div>
<article><iframe id="embed" src="/video"></iframe></article>
<iframe id="overlay" src="/ad" style="position: fixed"></iframe>
<script>var y = 2;</script>
<button class="save-page-btn" style="position: fixed">save</button>
</body></html>`
	srv := newSite(t, map[string]http.HandlerFunc{"/": serve("text/html", page)})

	res, err := newTestCapturer(t, Options{}).Capture(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	doc := parseOutput(t, res.HTML)
	assert.Len(t, queryAll(doc, "article .share-box"), 1, "content inside an article survives")
	assert.Empty(t, queryAll(doc, "#fixed-bar"))
	assert.Empty(t, queryAll(doc, ".float-right"))
	assert.Len(t, queryAll(doc, "div.share:not(.float-right)"), 1)
	assert.Empty(t, queryAll(doc, ".sidebar"))
	assert.Empty(t, queryAll(doc, ".tampermonkey-panel"))
	assert.Len(t, queryAll(doc, ".header-banner"), 1)
	assert.Len(t, queryAll(doc, "article #embed"), 1, "embeds in the flow are content")
	assert.Empty(t, queryAll(doc, "#overlay"))
	assert.Empty(t, queryAll(doc, ".save-page-btn"))
	assert.Empty(t, queryAll(doc, "meta[http-equiv=refresh]"), "the live head is not carried over")
	assert.NotContains(t, res.HTML, "var x = 1")
	assert.Contains(t, res.HTML, "var y = 2")
	assert.Len(t, queryAll(doc, "script"), 2, "the page script and the redirect guard")
}

func TestCaptureRewritesAnchors(t *testing.T) {
	page := `<html><head><title>Links</title></head><body>
<a id="rel" href="/x" onclick="go()" onmouseover="go()" ondblclick="go()">x</a>
<a id="abs" href="https://example.org/y" target="_self">y</a>
<a id="none" onmousedown="go()">z</a>
</body></html>`
	srv := newSite(t, map[string]http.HandlerFunc{"/dir/page.html": serve("text/html", page)})

	res, err := newTestCapturer(t, Options{}).Capture(context.Background(), srv.URL+"/dir/page.html")
	require.NoError(t, err)
	doc := parseOutput(t, res.HTML)

	rel := queryAll(doc, "#rel")[0]
	assert.Equal(t, srv.URL+"/x", getAttr(rel, "href"))
	assert.Equal(t, "/x", getAttr(rel, "data-original-href"))
	assert.Equal(t, "_blank", getAttr(rel, "target"))
	assert.Equal(t, "noopener noreferrer", getAttr(rel, "rel"))
	for _, h := range []string{"onclick", "onmouseover", "ondblclick"} {
		assert.False(t, hasAttr(rel, h), h)
	}

	abs := queryAll(doc, "#abs")[0]
	assert.Equal(t, "https://example.org/y", getAttr(abs, "href"))
	assert.Equal(t, "_blank", getAttr(abs, "target"))

	none := queryAll(doc, "#none")[0]
	assert.False(t, hasAttr(none, "href"))
	assert.False(t, hasAttr(none, "data-original-href"))
	assert.False(t, hasAttr(none, "onmousedown"))
	assert.Equal(t, "_blank", getAttr(none, "target"))
	assert.Equal(t, 2, res.Stats.LinksRewritten)
}

func TestCaptureHonoursBaseHref(t *testing.T) {
	page := `<html><head><base href="https://cdn.example.net/assets/"><title>Base</title></head>
<body><a id="a" href="doc.html">d</a></body></html>`
	srv := newSite(t, map[string]http.HandlerFunc{"/": serve("text/html", page)})
	res, err := newTestCapturer(t, Options{}).Capture(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	a := queryAll(parseOutput(t, res.HTML), "#a")[0]
	assert.Equal(t, "https://cdn.example.net/assets/doc.html", getAttr(a, "href"))
}

func TestCaptureFilenameAndShell(t *testing.T) {
	page := `<html lang="de"><head><title>A/B: why? &amp; more</title></head><body><p>x</p></body></html>`
	srv := newSite(t, map[string]http.HandlerFunc{"/": serve("text/html", page)})
	res, err := newTestCapturer(t, Options{}).Capture(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	assert.Equal(t, "A/B: why? & more", res.Title)
	assert.Equal(t, "A-B- why- & more.html", res.Filename)
	assert.True(t, strings.HasPrefix(res.HTML, "<!DOCTYPE html>\n<html lang=\"de\">"))
	assert.Contains(t, res.HTML, `<meta charset="UTF-8">`)
	assert.Contains(t, res.HTML, `<meta name="viewport" content="width=device-width, initial-scale=1.0">`)
	assert.Contains(t, res.HTML, "<title>A-B- why- &amp; more</title>")
	assert.Contains(t, res.HTML, "__pagesaverNavPolicy")
}

func TestCaptureTimesOutWhenAnImageHangs(t *testing.T) {
	pic := makePNG(t, 2, 2, 255)
	release := make(chan struct{})
	page := `<html><head><title>Hang</title></head><body>
<img src="/1.png"><img src="/2.png"><img src="/3.png"><img src="/hang.png"><img src="/5.png"></body></html>`
	srv := newSite(t, map[string]http.HandlerFunc{
		"/":      serve("text/html", page),
		"/1.png": servePNG(pic),
		"/2.png": servePNG(pic),
		"/3.png": servePNG(pic),
		"/5.png": servePNG(pic),
		"/hang.png": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		},
	})
	t.Cleanup(func() { close(release) })

	t.Run("whole capture bound", func(t *testing.T) {
		c := newTestCapturer(t, Options{
			Logger:       zap.NewNop(),
			Timeout:      300 * time.Millisecond,
			FetchTimeout: time.Minute,
		})
		start := time.Now()
		res, err := c.Capture(context.Background(), srv.URL+"/")
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Nil(t, res)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("per fetch bound", func(t *testing.T) {
		c := newTestCapturer(t, Options{
			Timeout:      10 * time.Second,
			FetchTimeout: 200 * time.Millisecond,
		})
		res, err := c.Capture(context.Background(), srv.URL+"/")
		require.NoError(t, err)
		assert.Equal(t, 4, res.Stats.ImagesInlined)
		assert.Equal(t, 1, res.Stats.ImagesFailed)
		assert.Contains(t, res.HTML, `src="/hang.png"`)
	})
}

func TestCaptureRejectsOverlappingCalls(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src := SourceFunc(func(ctx context.Context, target string, f *Fetcher) (*Document, error) {
		once.Do(func() { close(entered) })
		<-release
		return ParseDocument(strings.NewReader("<title>t</title><p>x</p>"), target, "text/html")
	})
	c := newTestCapturer(t, Options{Source: src})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Capture(context.Background(), "https://example.com/")
		errc <- err
	}()
	<-entered
	_, err := c.Capture(context.Background(), "https://example.com/")
	assert.ErrorIs(t, err, ErrCaptureInProgress)
	close(release)
	require.NoError(t, <-errc)

	_, err = c.Capture(context.Background(), "https://example.com/")
	assert.NoError(t, err, "the capturer is free again")
}

func TestCaptureLoadErrors(t *testing.T) {
	srv := newSite(t, map[string]http.HandlerFunc{
		"/gone": func(w http.ResponseWriter, r *http.Request) { http.Error(w, "no", http.StatusGone) },
	})
	_, err := newTestCapturer(t, Options{}).Capture(context.Background(), srv.URL+"/gone")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusGone, se.Code)

	empty := SourceFunc(func(context.Context, string, *Fetcher) (*Document, error) { return nil, nil })
	_, err = newTestCapturer(t, Options{Source: empty}).Capture(context.Background(), "https://example.com/")
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestCaptureUsesRendererAnnotations(t *testing.T) {
	markup := `<html><head><title>Rendered</title></head><body>
<div class="share" ` + attrPosition + `="sticky" ` + attrFloat + `="none">sticky share</div>
<div class="share other" ` + attrPosition + `="static" ` + attrFloat + `="none">flow share</div>
</body></html>`
	src := SourceFunc(func(ctx context.Context, target string, f *Fetcher) (*Document, error) {
		doc, err := ParseDocument(strings.NewReader(markup), target, "text/html")
		if err != nil {
			return nil, err
		}
		doc.Annotated = true
		doc.Sheets = []SheetSource{}
		doc.Backgrounds = &Backgrounds{
			Root: Background{Color: "rgb(250, 250, 250)"},
			Body: Background{Color: "rgb(1, 2, 3)", Image: `url("https://example.com/bg.png")`},
		}
		return doc, nil
	})
	res, err := newTestCapturer(t, Options{Source: src}).Capture(context.Background(), "https://example.com/")
	require.NoError(t, err)

	doc := parseOutput(t, res.HTML)
	assert.Empty(t, queryAll(doc, "div.share:not(.other)"))
	assert.Len(t, queryAll(doc, "div.other"), 1)
	assert.NotContains(t, res.HTML, attrPosition)
	assert.Contains(t, res.HTML, "background-color: rgb(250, 250, 250) !important;")
	assert.Contains(t, res.HTML, "background-color: rgb(1, 2, 3) !important;")
	assert.Contains(t, res.HTML, `background-image: url("https://example.com/bg.png") !important;`)
	assert.Contains(t, res.HTML, "background-color: inherit !important;\n  }\n}", "container color defaults to inherit")
}

func TestProgressString(t *testing.T) {
	assert.Equal(t, "collecting styles", Progress{Stage: StageStyles}.String())
	assert.Equal(t, "processing images (3/5)", Progress{Stage: StageImages, Done: 3, Total: 5}.String())
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "example.com/a", want: "http://example.com/a"},
		{in: "https://example.com/a#frag", want: "https://example.com/a"},
		{in: "//example.com", want: "http://example.com"},
		{in: "ftp://example.com", err: true},
		{in: "   ", err: true},
		{in: "http://", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
