package capture

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// SanitizeReport counts what the sanitizer changed.
type SanitizeReport struct {
	Removed        int
	RemoveFailures int
	LinksRewritten int
}

// Sanitizer strips injected chrome from a snapshot and rewrites its links.
type Sanitizer struct {
	rules   *RemovalRules
	resolve func(string) (string, error)
	logger  *zap.Logger
}

// NewSanitizer returns a sanitizer resolving links with resolve.
func NewSanitizer(rules *RemovalRules, resolve func(string) (string, error), logger *zap.Logger) *Sanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sanitizer{rules: rules, resolve: resolve, logger: logger}
}

// Sanitize cleans the tree rooted at root in place.
func (s *Sanitizer) Sanitize(root Element) SanitizeReport {
	var rep SanitizeReport
	s.sweep(root, &rep)
	rep.LinksRewritten = rewriteLinks(root, s.resolve, s.logger)
	return rep
}

// sweep judges el before its children. A removed subtree is not visited, so
// Removed counts the nodes that actually left the document.
func (s *Sanitizer) sweep(el Element, rep *SanitizeReport) {
	if v := s.rules.Judge(el); v.Remove {
		err := s.remove(el)
		if err == nil {
			rep.Removed++
			s.logger.Debug("element removed", zap.String("tag", el.Tag()), zap.String("reason", v.Reason))
			return
		}
		rep.RemoveFailures++
		s.logger.Warn("element removal failed", zap.String("tag", el.Tag()), zap.Error(err))
	}
	for _, c := range el.Children() {
		s.sweep(c, rep)
	}
}

func (s *Sanitizer) remove(el Element) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detach panicked: %v", r)
		}
	}()
	return el.Detach()
}

// ensureBody gives the snapshot a body, copying the children of the live
// body when the clone has none.
func ensureBody(clone, liveBody *html.Node) *html.Node {
	if b := findFirstByTag(clone, "body"); b != nil {
		return b
	}
	htmlEl := findFirstByTag(clone, "html")
	if htmlEl == nil {
		htmlEl = &html.Node{Type: html.ElementNode, DataAtom: atom.Html, Data: "html"}
		clone.AppendChild(htmlEl)
	}
	body := &html.Node{Type: html.ElementNode, DataAtom: atom.Body, Data: "body"}
	if liveBody != nil {
		for c := liveBody.FirstChild; c != nil; c = c.NextSibling {
			body.AppendChild(cloneTree(c))
		}
	}
	htmlEl.AppendChild(body)
	return body
}
