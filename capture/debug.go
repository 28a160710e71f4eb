package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
)

// Inspection is the sanitizer's view of one node of a live page.
type Inspection struct {
	Tag      string
	ID       string
	Class    string
	Position string
	Float    string
	Verdict  Verdict
}

func (i Inspection) String() string {
	var b strings.Builder
	b.WriteString(i.Tag)
	if i.ID != "" {
		b.WriteString("#" + i.ID)
	}
	for _, c := range strings.Fields(i.Class) {
		b.WriteString("." + c)
	}
	fmt.Fprintf(&b, " position=%s float=%s", orNone(i.Position, "static"), orNone(i.Float, "none"))
	if i.Verdict.Candidate {
		action := "keep"
		if i.Verdict.Remove {
			action = "remove"
		}
		fmt.Fprintf(&b, " -> %s (%s)", action, i.Verdict.Reason)
	}
	return b.String()
}

func orNone(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Inspect loads target like a capture does and reports, for every element
// matching selector, its computed position and float and the removal verdict.
// The page is not modified and no images are fetched.
func Inspect(ctx context.Context, target, selector string, opts Options) ([]Inspection, error) {
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("capture: selector %q: %w", selector, err)
	}
	opts = opts.withDefaults()
	if !opts.Rules.compiled() {
		if err := opts.Rules.Compile(); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	f := newFetcher(opts)
	doc, err := opts.Source.Load(ctx, target, f)
	if err != nil {
		return nil, fmt.Errorf("capture: load %s: %w", target, err)
	}
	if doc == nil || doc.Root == nil {
		return nil, fmt.Errorf("capture: %s: %w", target, ErrNoDocument)
	}
	styles := newInliner(f, opts).Styles(ctx, doc)
	ss := NewStylesheet(styles.Fragments, opts.ScreenW, opts.ScreenH, opts.Logger.Named("css"))

	nodes := cascadia.QueryAll(doc.Root, sel)
	opts.Logger.Debug("inspect", zap.String("url", target), zap.String("selector", selector), zap.Int("matches", len(nodes)))

	out := make([]Inspection, 0, len(nodes))
	for _, n := range nodes {
		el := NewElement(n, ss, doc.Annotated)
		out = append(out, Inspection{
			Tag:      el.Tag(),
			ID:       getAttr(n, "id"),
			Class:    getAttr(n, "class"),
			Position: el.ComputedStyle("position"),
			Float:    el.ComputedStyle("float"),
			Verdict:  opts.Rules.Judge(el),
		})
	}
	return out, nil
}
