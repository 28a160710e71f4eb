package capture

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// SheetSource is one stylesheet of the live page as seen by the loader.
// Href is empty for inline <style> sheets; Text is only set for sheets whose
// text is already known (inline sheets, or the CSSOM of a rendered page).
type SheetSource struct {
	Href  string
	Text  string
	Media string
}

// Inline reports whether the sheet has no external location.
func (s SheetSource) Inline() bool { return s.Href == "" }

// Background holds the computed background properties of one element.
// Empty fields mean "not available" and are defaulted by the assembler.
type Background struct {
	Color      string
	Image      string
	Repeat     string
	Position   string
	Size       string
	Attachment string
}

// Backgrounds are the captured backgrounds of the root element, the body and
// the first content container.
type Backgrounds struct {
	Root      Background
	Body      Background
	Container Background
}

// Document is the live page. A capture never mutates it; every mutation
// happens on a clone.
type Document struct {
	URL   string
	Base  *url.URL
	Root  *html.Node
	Title string
	Lang  string

	// Sheets is the stylesheet list reported by the renderer. When nil the
	// list is collected from the tree.
	Sheets []SheetSource
	// Backgrounds are computed by the renderer. When nil they are derived
	// from the style cascade.
	Backgrounds *Backgrounds
	// Annotated is set when elements carry renderer-computed position and
	// float attributes.
	Annotated bool
}

// ParseDocument parses an HTML page fetched from pageURL. contentType is the
// response Content-Type and is used to pick the character set.
func ParseDocument(r io.Reader, pageURL, contentType string) (*Document, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse document: page url: %w", err)
	}
	cr, err := charset.NewReader(r, contentType)
	if err != nil {
		return nil, fmt.Errorf("parse document: charset: %w", err)
	}
	root, err := html.Parse(cr)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return newDocument(root, u), nil
}

func newDocument(root *html.Node, pageURL *url.URL) *Document {
	doc := &Document{
		URL:   pageURL.String(),
		Base:  pageURL,
		Root:  root,
		Title: extractTitle(root),
	}
	if b, err := url.Parse(findBaseURL(root, pageURL.String())); err == nil {
		doc.Base = b
	}
	if h := findFirstByTag(root, "html"); h != nil {
		doc.Lang = strings.TrimSpace(getAttr(h, "lang"))
	}
	return doc
}

// Body returns the live body element or nil.
func (d *Document) Body() *html.Node {
	if d == nil || d.Root == nil {
		return nil
	}
	return findFirstByTag(d.Root, "body")
}

// Resolve resolves ref against the document base.
func (d *Document) Resolve(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if d.Base == nil {
		return u.String(), nil
	}
	return d.Base.ResolveReference(u).String(), nil
}

func (d *Document) baseString() string {
	if d.Base == nil {
		return d.URL
	}
	return d.Base.String()
}

// Clone returns a deep copy of the document tree.
func (d *Document) Clone() *html.Node {
	return cloneTree(d.Root)
}

func cloneTree(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		c.Attr = append([]html.Attribute(nil), n.Attr...)
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.AppendChild(cloneTree(ch))
	}
	return c
}

func getAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, name, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

func removeAttr(n *html.Node, name string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if !strings.EqualFold(a.Key, name) {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func findFirstByTag(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, tag) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if r := findFirstByTag(c, tag); r != nil {
			return r
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(x *html.Node) {
		if x.Type == html.TextNode {
			b.WriteString(x.Data)
		}
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// extractTitle returns the first <title> text with whitespace collapsed.
func extractTitle(n *html.Node) string {
	t := findFirstByTag(n, "title")
	if t == nil {
		return ""
	}
	return strings.Join(strings.Fields(textContent(t)), " ")
}

// findBaseURL honours the first <base href> in head.
func findBaseURL(doc *html.Node, cur string) string {
	head := findFirstByTag(doc, "head")
	if head == nil {
		return cur
	}
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || !strings.EqualFold(c.Data, "base") {
			continue
		}
		href := strings.TrimSpace(getAttr(c, "href"))
		if href == "" {
			continue
		}
		bu, err := url.Parse(cur)
		if err != nil {
			continue
		}
		hu, err := url.Parse(href)
		if err != nil {
			continue
		}
		return bu.ResolveReference(hu).String()
	}
	return cur
}

func renderChildren(n *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
