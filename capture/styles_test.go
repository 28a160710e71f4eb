package capture

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCollectSheets(t *testing.T) {
	doc := parseFragment(t, `<head>
<link rel="stylesheet" href="/a.css" media="screen">
<link rel="preload" href="/font.woff2">
<link rel="Stylesheet alternate" href="/alt.css">
<link rel="stylesheet" type="text/less" href="/b.less">
<style>p { color: red }</style>
<style type="text/template">{{x}}</style>
</head><body><style media="print">p { color: black }</style></body>`)

	sheets := collectSheets(doc)
	require.Len(t, sheets, 3)
	assert.Equal(t, SheetSource{Href: "/a.css", Media: "screen"}, sheets[0])
	assert.True(t, sheets[1].Inline())
	assert.Equal(t, "p { color: red }", sheets[1].Text)
	assert.Equal(t, "print", sheets[2].Media)
}

func TestAbsolutizeURLs(t *testing.T) {
	css := `.a { background: url(img/a.png); }
.b { background: url( "../b.png" ); }
.c { background: url('data:image/png;base64,AAAA'); }
.d { background: url(https://cdn.example.net/d.png); }
.e { fill: url(#grad); }`
	out := absolutizeURLs(css, "https://example.com/css/site.css")

	assert.Contains(t, out, `url("https://example.com/css/img/a.png")`)
	assert.Contains(t, out, `url("https://example.com/b.png")`)
	assert.Contains(t, out, `url('data:image/png;base64,AAAA')`)
	assert.Contains(t, out, `url(https://cdn.example.net/d.png)`)
	assert.Contains(t, out, `url(#grad)`)
	assert.Equal(t, css, absolutizeURLs(css, ""))
}

func TestReserializeCSS(t *testing.T) {
	out := reserializeCSS(".a { color: red; } .b { margin: 0 }")
	assert.Contains(t, out, ".a {")
	assert.Contains(t, out, ".b {")
	assert.Equal(t, "", reserializeCSS("  \n "))
}

func TestStylesInlinesImports(t *testing.T) {
	srv := newSite(t, map[string]http.HandlerFunc{
		"/css/main.css":       serve("text/css", `@import url("parts/base.css"); @import 'print.css' print; .main { background: url(hero.png); }`),
		"/css/parts/base.css": serve("text/css", `@import "../main.css"; .base { background: url(tile.png); }`),
		"/css/print.css":      serve("text/css", `.print { color: black; }`),
	})
	d, err := ParseDocument(strings.NewReader(`<html><head>
<link rel="stylesheet" href="/css/main.css" media="screen">
<style>@import "/css/print.css"; .inline { background: url(local.png); }</style>
</head><body></body></html>`), srv.URL+"/page/index.html", "text/html")
	require.NoError(t, err)

	opts := Options{Logger: zaptest.NewLogger(t)}.withDefaults()
	bundle := newInliner(newFetcher(opts), opts).Styles(context.Background(), d)
	require.Len(t, bundle.Fragments, 2)

	main := bundle.Fragments[0]
	assert.True(t, strings.HasPrefix(main, "@media screen {\n"))
	assert.Contains(t, main, ".base")
	assert.Contains(t, main, `url("`+srv.URL+`/css/parts/tile.png")`)
	assert.Contains(t, main, `url("`+srv.URL+`/css/hero.png")`)
	assert.Contains(t, main, "@media print {\n.print")
	assert.NotContains(t, main, "@import")
	assert.Equal(t, 1, strings.Count(main, ".main"), "import cycles are cut")

	inline := bundle.Fragments[1]
	assert.Contains(t, inline, ".print")
	assert.Contains(t, inline, `url("`+srv.URL+`/page/local.png")`)
	assert.Equal(t, bundle.Fragments[0]+"\n"+bundle.Fragments[1], bundle.String())
}
