package capture

import (
	"errors"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Attributes written by BrowserSource with the renderer's computed style.
const (
	attrPosition = "data-pagesaver-position"
	attrFloat    = "data-pagesaver-float"
)

// ErrDetached is returned when removing a node that has no parent anymore.
var ErrDetached = errors.New("node already detached")

// Element is the node capability the sanitizer works on.
type Element interface {
	Tag() string
	Attr(name string) (string, bool)
	SetAttr(name, val string)
	RemoveAttr(name string)
	// Parent returns nil for the root.
	Parent() Element
	Children() []Element
	// ComputedStyle returns the computed value of a CSS property.
	ComputedStyle(prop string) string
	Matches(m cascadia.Matcher) bool
	Detach() error
}

type htmlTree struct {
	ss        *Stylesheet
	annotated bool
}

type htmlElement struct {
	n    *html.Node
	tree *htmlTree
}

// NewElement wraps an x/net/html element. Computed style is read from the
// renderer annotations when annotated is set and from ss otherwise.
func NewElement(n *html.Node, ss *Stylesheet, annotated bool) Element {
	if n == nil {
		return nil
	}
	return &htmlElement{n: n, tree: &htmlTree{ss: ss, annotated: annotated}}
}

func (e *htmlElement) wrap(n *html.Node) *htmlElement { return &htmlElement{n: n, tree: e.tree} }

func (e *htmlElement) Tag() string { return strings.ToLower(e.n.Data) }

func (e *htmlElement) Attr(name string) (string, bool) {
	for _, a := range e.n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func (e *htmlElement) SetAttr(name, val string) { setAttr(e.n, name, val) }

func (e *htmlElement) RemoveAttr(name string) { removeAttr(e.n, name) }

func (e *htmlElement) Parent() Element {
	p := e.n.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return e.wrap(p)
}

func (e *htmlElement) Children() []Element {
	var out []Element
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, e.wrap(c))
		}
	}
	return out
}

func (e *htmlElement) ComputedStyle(prop string) string {
	prop = strings.ToLower(strings.TrimSpace(prop))
	if e.tree.annotated {
		var key string
		switch prop {
		case "position":
			key = attrPosition
		case "float":
			key = attrFloat
		}
		if key != "" {
			if v, ok := e.Attr(key); ok {
				return v
			}
		}
	}
	return e.tree.ss.ComputedValue(e.n, prop)
}

func (e *htmlElement) Matches(m cascadia.Matcher) bool { return m.Match(e.n) }

func (e *htmlElement) Detach() error {
	if e.n.Parent == nil {
		return ErrDetached
	}
	e.n.Parent.RemoveChild(e.n)
	return nil
}

// walkElements visits el and its descendants in document order. The child
// list is taken before visiting, so fn may detach the node it is given.
func walkElements(el Element, fn func(Element)) {
	fn(el)
	for _, c := range el.Children() {
		walkElements(c, fn)
	}
}

func stripAnnotations(root *html.Node) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			removeAttr(n, attrPosition)
			removeAttr(n, attrFloat)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}
