package capture

import (
	"context"
	"regexp"
	"strings"

	"github.com/aymerick/douceur/parser"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const maxImportDepth = 4

// StyleBundle holds one CSS fragment per stylesheet of the page, in cascade
// order. Failed sheets contribute an empty fragment.
type StyleBundle struct {
	Fragments []string
}

// String concatenates the fragments in order.
func (b StyleBundle) String() string { return strings.Join(b.Fragments, "\n") }

// Inliner turns the external resources of a page into embedded text.
type Inliner struct {
	fetcher  *Fetcher
	logger   *zap.Logger
	limit    int
	maxWidth int
	maxBytes int64
}

func newInliner(f *Fetcher, opts Options) *Inliner {
	return &Inliner{
		fetcher:  f,
		logger:   opts.Logger.Named("inline"),
		limit:    opts.MaxConcurrentFetches,
		maxWidth: opts.MaxImageWidth,
		maxBytes: opts.MaxImageBytes,
	}
}

// collectSheets lists <link rel=stylesheet> and <style> elements in document
// order.
func collectSheets(root *html.Node) []SheetSource {
	var out []SheetSource
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "link":
				if isStylesheetLink(n) {
					out = append(out, SheetSource{
						Href:  strings.TrimSpace(getAttr(n, "href")),
						Media: strings.TrimSpace(getAttr(n, "media")),
					})
				}
			case "style":
				typ := strings.ToLower(strings.TrimSpace(getAttr(n, "type")))
				if typ == "" || typ == "text/css" {
					out = append(out, SheetSource{
						Text:  textContent(n),
						Media: strings.TrimSpace(getAttr(n, "media")),
					})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func isStylesheetLink(n *html.Node) bool {
	rels := strings.Fields(strings.ToLower(getAttr(n, "rel")))
	found := false
	for _, r := range rels {
		if r == "stylesheet" {
			found = true
		}
		if r == "alternate" {
			return false
		}
	}
	if !found || strings.TrimSpace(getAttr(n, "href")) == "" {
		return false
	}
	typ := strings.ToLower(strings.TrimSpace(getAttr(n, "type")))
	return typ == "" || typ == "text/css"
}

// Styles resolves every stylesheet of doc concurrently. The bundle keeps the
// original order no matter which fetch settles first.
func (in *Inliner) Styles(ctx context.Context, doc *Document) StyleBundle {
	sheets := doc.Sheets
	if sheets == nil {
		sheets = collectSheets(doc.Root)
	}
	frags := make([]string, len(sheets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.limit)
	for i, sheet := range sheets {
		g.Go(func() error {
			frags[i] = in.sheetText(gctx, doc, sheet)
			return nil
		})
	}
	_ = g.Wait()
	return StyleBundle{Fragments: frags}
}

func (in *Inliner) sheetText(ctx context.Context, doc *Document, sheet SheetSource) string {
	var text, base string
	if sheet.Inline() {
		text = reserializeCSS(sheet.Text)
		base = doc.baseString()
	} else {
		abs, err := doc.Resolve(sheet.Href)
		if err != nil {
			in.logger.Warn("stylesheet href rejected", zap.String("href", sheet.Href), zap.Error(err))
			return ""
		}
		resp, err := in.fetcher.Fetch(ctx, abs, "text/css,*/*;q=0.1")
		if err != nil {
			in.logger.Warn("stylesheet fetch failed", zap.String("url", abs), zap.Error(err))
			return ""
		}
		text, base = string(resp.Body), resp.URL
	}
	visited := map[string]struct{}{base: {}}
	text = in.inlineImports(ctx, text, base, 0, visited)
	text = absolutizeURLs(text, base)
	if m := strings.TrimSpace(sheet.Media); m != "" && !strings.EqualFold(m, "all") {
		text = "@media " + m + " {\n" + text + "\n}"
	}
	return text
}

// reserializeCSS rebuilds a sheet from its parsed rules, one rule per line.
// Text the parser rejects is kept verbatim.
func reserializeCSS(txt string) string {
	trimmed := strings.TrimSpace(txt)
	if trimmed == "" {
		return ""
	}
	sheet, err := parser.Parse(trimmed)
	if err != nil || len(sheet.Rules) == 0 {
		return txt
	}
	parts := make([]string, 0, len(sheet.Rules))
	for _, r := range sheet.Rules {
		if r != nil {
			parts = append(parts, r.String())
		}
	}
	return strings.Join(parts, "\n")
}

var importRe = regexp.MustCompile(`(?i)@import\s+([^;]+);`)

// inlineImports replaces @import rules with the imported text.
func (in *Inliner) inlineImports(ctx context.Context, text, base string, depth int, visited map[string]struct{}) string {
	return importRe.ReplaceAllStringFunc(text, func(stmt string) string {
		m := importRe.FindStringSubmatch(stmt)
		target, media := extractImportTarget(m[1])
		if target == "" || depth >= maxImportDepth {
			return stmt
		}
		abs := resolveAbsURL(base, target)
		if abs == "" {
			return stmt
		}
		if _, seen := visited[abs]; seen {
			return ""
		}
		visited[abs] = struct{}{}
		resp, err := in.fetcher.Fetch(ctx, abs, "text/css,*/*;q=0.1")
		if err != nil {
			in.logger.Warn("css import fetch failed", zap.String("url", abs), zap.Error(err))
			return ""
		}
		child := in.inlineImports(ctx, string(resp.Body), resp.URL, depth+1, visited)
		child = absolutizeURLs(child, resp.URL)
		if media != "" && !strings.EqualFold(media, "all") {
			return "@media " + media + " {\n" + child + "\n}"
		}
		return child
	})
}

var cssURLRe = regexp.MustCompile(`(?i)url\(\s*('[^']*'|"[^"]*"|[^)'"]*)\s*\)`)

// absolutizeURLs rewrites relative url() references against base.
func absolutizeURLs(text, base string) string {
	if base == "" {
		return text
	}
	return cssURLRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := cssURLRe.FindStringSubmatch(m)
		raw := trimCSSString(sub[1])
		if raw == "" || strings.HasPrefix(raw, "#") || hasScheme(raw) {
			return m
		}
		abs := resolveAbsURL(base, raw)
		if abs == "" {
			return m
		}
		return `url("` + strings.ReplaceAll(abs, `"`, `%22`) + `")`
	})
}

func hasScheme(ref string) bool {
	for i, r := range ref {
		switch {
		case r == ':':
			return i > 0
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return false
}
