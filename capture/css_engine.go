package capture

import (
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	cssast "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

type propState struct {
	val       string
	spec      cascadia.Specificity
	order     int
	important bool
}

type cssDeclaration struct {
	property  string
	value     string
	important bool
}

type cssRule struct {
	selector     cascadia.Sel
	specificity  cascadia.Specificity
	declarations []cssDeclaration
	order        int
}

// Stylesheet is the parsed cascade of a page: every qualified rule of every
// active sheet, in source order.
type Stylesheet struct {
	rules   []cssRule
	screenW int
	screenH int
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[*html.Node]map[string]string
}

// inlineSpecificity ranks style attributes above any selector.
var inlineSpecificity = cascadia.Specificity{1 << 12, 0, 0}

var initialValues = map[string]string{
	"position":              "static",
	"float":                 "none",
	"display":               "inline",
	"background-color":      "transparent",
	"background-image":      "none",
	"background-repeat":     "repeat",
	"background-position":   "0% 0%",
	"background-size":       "auto",
	"background-attachment": "scroll",
}

// NewStylesheet parses texts, one per stylesheet in cascade order. @import
// rules are expected to be inlined already and are skipped. screenW and
// screenH are the viewport used for @media evaluation.
func NewStylesheet(texts []string, screenW, screenH int, logger *zap.Logger) *Stylesheet {
	if logger == nil {
		logger = zap.NewNop()
	}
	ss := &Stylesheet{
		screenW: screenW,
		screenH: screenH,
		logger:  logger,
		cache:   map[*html.Node]map[string]string{},
	}
	order := 0
	for _, txt := range texts {
		rs, ord := ss.parseCSSText(txt, order)
		ss.rules = append(ss.rules, rs...)
		order = ord
	}
	return ss
}

// Len returns the number of selector rules in the cascade.
func (ss *Stylesheet) Len() int {
	if ss == nil {
		return 0
	}
	return len(ss.rules)
}

func (ss *Stylesheet) parseCSSText(txt string, startOrder int) ([]cssRule, int) {
	trimmed := strings.TrimSpace(txt)
	if trimmed == "" {
		return nil, startOrder
	}
	sheet, err := parser.Parse(trimmed)
	if err != nil {
		ss.logger.Debug("css parse failed", zap.Error(err))
		return nil, startOrder
	}

	rules := make([]cssRule, 0, len(sheet.Rules)*2)
	order := startOrder

	var walk func([]*cssast.Rule, int)
	walk = func(list []*cssast.Rule, depth int) {
		if depth >= 16 {
			return
		}
		for _, rule := range list {
			if rule == nil {
				continue
			}
			switch rule.Kind {
			case cssast.AtRule:
				switch strings.ToLower(strings.TrimSpace(rule.Name)) {
				case "@media":
					if mediaRuleActive(rule.Prelude, ss.screenW, ss.screenH) {
						walk(rule.Rules, depth+1)
					}
				case "@supports", "@document":
					walk(rule.Rules, depth+1)
				}
			case cssast.QualifiedRule:
				decls := convertDeclarations(rule.Declarations)
				if len(decls) == 0 || len(rule.Selectors) == 0 {
					continue
				}
				group, err := cascadia.ParseGroup(strings.Join(rule.Selectors, ","))
				if err != nil {
					ss.logger.Debug("css selector rejected", zap.Strings("selectors", rule.Selectors), zap.Error(err))
					continue
				}
				for _, sel := range group {
					if sel == nil || sel.PseudoElement() != "" {
						continue
					}
					rules = append(rules, cssRule{selector: sel, specificity: sel.Specificity(), declarations: cloneDecls(decls), order: order})
					order++
				}
			}
		}
	}

	walk(sheet.Rules, 0)
	return rules, order
}

func cloneDecls(src []cssDeclaration) []cssDeclaration {
	out := make([]cssDeclaration, len(src))
	copy(out, src)
	return out
}

func convertDeclarations(list []*cssast.Declaration) []cssDeclaration {
	if len(list) == 0 {
		return nil
	}
	out := make([]cssDeclaration, 0, len(list))
	for _, decl := range list {
		if decl == nil {
			continue
		}
		prop := strings.ToLower(strings.TrimSpace(decl.Property))
		if prop == "" {
			continue
		}
		val := strings.TrimSpace(decl.Value)
		if val == "" {
			continue
		}
		out = append(out, cssDeclaration{property: prop, value: val, important: decl.Important})
	}
	return out
}

func extractImportTarget(prelude string) (string, string) {
	s := strings.TrimSpace(prelude)
	if s == "" {
		return "", ""
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "url(") {
		end := strings.Index(s, ")")
		if end == -1 {
			return "", ""
		}
		target := trimCSSString(s[4:end])
		return target, strings.TrimSpace(s[end+1:])
	}
	if (s[0] == '"' || s[0] == '\'') && len(s) > 1 {
		if idx := strings.IndexByte(s[1:], s[0]); idx != -1 {
			return s[1 : idx+1], strings.TrimSpace(s[idx+2:])
		}
	}
	fields := strings.Fields(s)
	target := trimCSSString(fields[0])
	return target, strings.TrimSpace(strings.TrimPrefix(s, fields[0]))
}

func trimCSSString(v string) string {
	vv := strings.TrimSpace(v)
	if len(vv) >= 2 {
		if (vv[0] == '"' && vv[len(vv)-1] == '"') || (vv[0] == '\'' && vv[len(vv)-1] == '\'') {
			return vv[1 : len(vv)-1]
		}
	}
	return vv
}

func mediaRuleActive(prelude string, screenW, screenH int) bool {
	if strings.TrimSpace(prelude) == "" {
		return true
	}
	for _, raw := range strings.Split(prelude, ",") {
		query := strings.ToLower(strings.TrimSpace(raw))
		if query == "" {
			continue
		}
		negate := false
		if strings.HasPrefix(query, "not ") {
			negate = true
			query = strings.TrimSpace(query[4:])
		}
		query = strings.TrimSpace(strings.TrimPrefix(query, "only "))

		mediaType := ""
		rest := query
		if parts := strings.Fields(query); len(parts) > 0 && !strings.HasPrefix(parts[0], "(") {
			mediaType = parts[0]
			rest = strings.TrimSpace(strings.TrimPrefix(query, mediaType))
			rest = strings.TrimSpace(strings.TrimPrefix(rest, "and"))
		}

		matched := false
		switch mediaType {
		case "", "all", "screen":
			matched = evaluateMediaFeatures(rest, screenW, screenH)
		}
		if matched != negate {
			return true
		}
	}
	return false
}

func evaluateMediaFeatures(expr string, width, height int) bool {
	if width <= 0 {
		width = defaultScreenW
	}
	if height <= 0 {
		height = defaultScreenH
	}
	for _, clause := range strings.Split(expr, " and ") {
		c := strings.TrimSpace(clause)
		if c == "" {
			continue
		}
		c = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(c, "("), ")"))
		parts := strings.SplitN(c, ":", 2)
		feature := strings.TrimSpace(parts[0])
		value := ""
		if len(parts) == 2 {
			value = strings.TrimSpace(parts[1])
		}

		switch feature {
		case "orientation":
			orientation := "portrait"
			if width > height {
				orientation = "landscape"
			}
			if value != "" && value != orientation {
				return false
			}
		case "min-width":
			if px, ok := cssLengthToPx(value, width); ok && width < px {
				return false
			}
		case "max-width":
			if px, ok := cssLengthToPx(value, width); ok && width > px {
				return false
			}
		case "min-height":
			if px, ok := cssLengthToPx(value, height); ok && height < px {
				return false
			}
		case "max-height":
			if px, ok := cssLengthToPx(value, height); ok && height > px {
				return false
			}
		case "prefers-color-scheme":
			if value != "" && value != "light" {
				return false
			}
		}
	}
	return true
}

func cssLengthToPx(val string, base int) (int, bool) {
	v := strings.ToLower(strings.TrimSpace(val))
	if v == "" {
		return 0, false
	}
	num := func(s string) (float64, bool) {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	switch {
	case strings.HasSuffix(v, "px"):
		if f, ok := num(v[:len(v)-2]); ok {
			return int(f + 0.5), true
		}
	case strings.HasSuffix(v, "%"):
		if f, ok := num(v[:len(v)-1]); ok && base > 0 {
			return int(float64(base) * f / 100.0), true
		}
	case strings.HasSuffix(v, "rem"):
		if f, ok := num(v[:len(v)-3]); ok {
			return int(f*16.0 + 0.5), true
		}
	case strings.HasSuffix(v, "em"):
		if f, ok := num(v[:len(v)-2]); ok {
			return int(f*16.0 + 0.5), true
		}
	case strings.HasSuffix(v, "vw"), strings.HasSuffix(v, "vh"):
		if f, ok := num(v[:len(v)-2]); ok && base > 0 {
			return int(float64(base) * f / 100.0), true
		}
	default:
		if f, ok := num(v); ok {
			return int(f + 0.5), true
		}
	}
	return 0, false
}

// ComputeStyle returns the cascaded declarations that apply to n, inline
// style included. Properties that no rule sets are absent.
func (ss *Stylesheet) ComputeStyle(n *html.Node) map[string]string {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	if ss != nil {
		ss.mu.Lock()
		if cached, ok := ss.cache[n]; ok {
			ss.mu.Unlock()
			return cached
		}
		ss.mu.Unlock()
	}

	props := map[string]propState{}
	if ss != nil {
		for _, rule := range ss.rules {
			if rule.selector == nil || !rule.selector.Match(n) {
				continue
			}
			for _, decl := range rule.declarations {
				applyDeclaration(props, decl, rule.specificity, rule.order)
			}
		}
	}

	for i, decl := range parseInlineStyle(getAttr(n, "style")) {
		applyDeclaration(props, decl, inlineSpecificity, (1<<30)+i)
	}

	out := make(map[string]string, len(props))
	for k, st := range props {
		out[k] = st.val
	}
	if ss != nil {
		ss.mu.Lock()
		ss.cache[n] = out
		ss.mu.Unlock()
	}
	return out
}

// ComputedValue returns the cascaded value of prop for n, or its initial
// value when no rule sets it.
func (ss *Stylesheet) ComputedValue(n *html.Node, prop string) string {
	prop = strings.ToLower(strings.TrimSpace(prop))
	if v, ok := ss.ComputeStyle(n)[prop]; ok {
		return v
	}
	return initialValues[prop]
}

func parseInlineStyle(inline string) []cssDeclaration {
	inline = strings.TrimSpace(inline)
	if inline == "" {
		return nil
	}
	if decls, err := parser.ParseDeclarations(inline); err == nil {
		return convertDeclarations(decls)
	}
	var out []cssDeclaration
	for _, part := range strings.Split(inline, ";") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.TrimSpace(kv[1])
		important := false
		if strings.HasSuffix(strings.ToLower(value), "!important") {
			important = true
			value = strings.TrimSpace(value[:len(value)-len("!important")])
		}
		out = append(out, cssDeclaration{
			property:  strings.ToLower(strings.TrimSpace(kv[0])),
			value:     value,
			important: important,
		})
	}
	return out
}

func applyDeclaration(store map[string]propState, decl cssDeclaration, spec cascadia.Specificity, order int) {
	prop := strings.ToLower(strings.TrimSpace(decl.property))
	value := strings.TrimSpace(decl.value)
	if prop == "" || value == "" {
		return
	}
	if prop == "background" {
		bg := expandBackground(value)
		for p, v := range map[string]string{
			"background-color":      bg.Color,
			"background-image":      bg.Image,
			"background-repeat":     bg.Repeat,
			"background-position":   bg.Position,
			"background-size":       bg.Size,
			"background-attachment": bg.Attachment,
		} {
			applyDeclaration(store, cssDeclaration{property: p, value: v, important: decl.important}, spec, order)
		}
		return
	}
	entry := propState{val: value, spec: spec, order: order, important: decl.important}
	if prev, ok := store[prop]; ok {
		if prev.important && !decl.important {
			return
		}
		if decl.important && !prev.important {
			store[prop] = entry
			return
		}
		if prev.spec.Less(spec) {
			store[prop] = entry
			return
		}
		if spec.Less(prev.spec) {
			return
		}
		if order >= prev.order {
			store[prop] = entry
		}
		return
	}
	store[prop] = entry
}

var (
	repeatKeywords     = map[string]bool{"repeat": true, "repeat-x": true, "repeat-y": true, "no-repeat": true, "space": true, "round": true}
	attachmentKeywords = map[string]bool{"scroll": true, "fixed": true, "local": true}
	positionKeywords   = map[string]bool{"left": true, "right": true, "top": true, "bottom": true, "center": true}
	boxKeywords        = map[string]bool{"border-box": true, "padding-box": true, "content-box": true, "text": true}
)

// expandBackground splits a background shorthand into longhands. Only the
// last layer is considered; missing parts take their initial values.
func expandBackground(value string) Background {
	layers := splitTopLevel(value, ',')
	layer := strings.TrimSpace(layers[len(layers)-1])

	var color, image string
	var repeat, attachment, position, size []string
	afterSlash := false
	for _, tok := range cssTokens(layer) {
		lower := strings.ToLower(tok)
		switch {
		case tok == "/":
			afterSlash = true
		case lower == "none" || strings.HasPrefix(lower, "url(") || strings.Contains(lower, "gradient("):
			image = tok
		case repeatKeywords[lower]:
			repeat = append(repeat, lower)
		case attachmentKeywords[lower]:
			attachment = append(attachment, lower)
		case boxKeywords[lower]:
		case afterSlash && (lower == "auto" || lower == "cover" || lower == "contain" || isCSSLength(lower)):
			size = append(size, tok)
		case positionKeywords[lower] || isCSSLength(lower):
			position = append(position, tok)
		default:
			color = tok
		}
	}

	bg := Background{
		Color:      initialValues["background-color"],
		Image:      initialValues["background-image"],
		Repeat:     initialValues["background-repeat"],
		Position:   initialValues["background-position"],
		Size:       initialValues["background-size"],
		Attachment: initialValues["background-attachment"],
	}
	if color != "" {
		bg.Color = color
	}
	if image != "" {
		bg.Image = image
	}
	if len(repeat) > 0 {
		bg.Repeat = strings.Join(repeat, " ")
	}
	if len(position) > 0 {
		bg.Position = strings.Join(position, " ")
	}
	if len(size) > 0 {
		bg.Size = strings.Join(size, " ")
	}
	if len(attachment) > 0 {
		bg.Attachment = attachment[0]
	}
	return bg
}

func isCSSLength(s string) bool {
	if s == "0" || strings.HasPrefix(s, "calc(") {
		return true
	}
	if s == "" || !(s[0] == '-' || s[0] == '+' || s[0] == '.' || (s[0] >= '0' && s[0] <= '9')) {
		return false
	}
	_, ok := cssLengthToPx(s, 100)
	return ok
}

// cssTokens splits on whitespace and '/' outside of parentheses, keeping '/'
// as its own token.
func cssTokens(s string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '(':
			depth++
			cur.WriteRune(r)
		case r == ')':
			if depth > 0 {
				depth--
			}
			cur.WriteRune(r)
		case depth == 0 && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		case depth == 0 && r == '/':
			flush()
			out = append(out, "/")
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func splitTopLevel(s string, sep rune) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func resolveAbsURL(base, href string) string {
	bu, err := url.Parse(base)
	if err != nil {
		return ""
	}
	hu, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return bu.ResolveReference(hu).String()
}
