package capture

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// RemovalRules is the policy table that decides which nodes of a snapshot are
// injected chrome. Selectors are CSS selector groups; the lists are tunable
// and are not expected to be precise.
type RemovalRules struct {
	// Always lists selectors removed regardless of position and container.
	// It is empty by default.
	Always []string `yaml:"always"`
	// Candidates lists selectors for nodes that may be chrome.
	Candidates []string `yaml:"candidates"`
	// Containers lists selectors of content containers. Floating
	// candidates inside them are kept.
	Containers []string `yaml:"containers"`
	// ToolTokens are matched case-insensitively against class and id.
	ToolTokens []string `yaml:"tool_tokens"`

	always     cascadia.SelectorGroup
	candidates cascadia.SelectorGroup
	containers cascadia.SelectorGroup
	toolRe     *regexp.Regexp
}

// Verdict is the sanitizer decision for one node.
type Verdict struct {
	Candidate bool
	Remove    bool
	Reason    string
}

// DefaultRules returns the built-in policy table.
func DefaultRules() *RemovalRules {
	r := &RemovalRules{
		Candidates: []string{
			"script", "iframe", `meta[http-equiv="refresh"]`,
			".save-page-btn", "#loading-msg",
			`[class*="ad-"]`, `[id*="ad-"]`,
			`[class*="advertisement"]`,
			`[class*="banner"]:not([class*="header"]):not([class*="title"])`,
			`[class*="tampermonkey"]`, `[id*="tampermonkey"]`,
			`[class*="userscript"]`, `[id*="userscript"]`,
			`[class*="greasemonkey"]`, `[id*="greasemonkey"]`,
			`[class*="toolbar"]`, `[id*="toolbar"]`,
			`[class*="float"]`, `[id*="float"]`,
			`[class*="fixed"]`, `[id*="fixed"]`,
			`[class*="share"]`, `[id*="share"]`,
			`[class*="backtop"]`, `[id*="backtop"]`,
			`[class*="to-top"]`, `[id*="to-top"]`,
			`[class*="plugin"]`, `[id*="plugin"]`,
			`[class*="extension"]`, `[id*="extension"]`,
			`[style*="position: fixed"]`, `[style*="position:fixed"]`,
		},
		Containers: []string{
			"article", ".article-content", ".post-content", ".entry-content", ".main-content",
		},
		ToolTokens: []string{"tampermonkey", "userscript", "greasemonkey", "toolbar", "plugin", "extension"},
	}
	if err := r.Compile(); err != nil {
		panic(err)
	}
	return r
}

// LoadRules reads a YAML policy table. Sections missing from the file keep
// their built-in values.
func LoadRules(path string) (*RemovalRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML policy table.
func ParseRules(data []byte) (*RemovalRules, error) {
	var in RemovalRules
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("rules: decode: %w", err)
	}
	r := DefaultRules()
	if in.Always != nil {
		r.Always = in.Always
	}
	if in.Candidates != nil {
		r.Candidates = in.Candidates
	}
	if in.Containers != nil {
		r.Containers = in.Containers
	}
	if in.ToolTokens != nil {
		r.ToolTokens = in.ToolTokens
	}
	if err := r.Compile(); err != nil {
		return nil, err
	}
	return r, nil
}

// Compile parses the selector lists. It must be called after the exported
// fields are changed by hand.
func (r *RemovalRules) Compile() error {
	var err error
	if r.always, err = compileGroup(r.Always); err != nil {
		return fmt.Errorf("rules: always: %w", err)
	}
	if r.candidates, err = compileGroup(r.Candidates); err != nil {
		return fmt.Errorf("rules: candidates: %w", err)
	}
	if r.containers, err = compileGroup(r.Containers); err != nil {
		return fmt.Errorf("rules: containers: %w", err)
	}
	r.toolRe = nil
	var quoted []string
	for _, t := range r.ToolTokens {
		if t = strings.TrimSpace(t); t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	if len(quoted) > 0 {
		r.toolRe = regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
	}
	return nil
}

func (r *RemovalRules) compiled() bool {
	return r.always != nil || r.candidates != nil || r.containers != nil || r.toolRe != nil
}

func compileGroup(sels []string) (cascadia.SelectorGroup, error) {
	var out cascadia.SelectorGroup
	for _, s := range sels {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		g, err := cascadia.ParseGroup(s)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", s, err)
		}
		out = append(out, g...)
	}
	return out, nil
}

// Structural reports whether el matches the unconditional list.
func (r *RemovalRules) Structural(el Element) bool {
	return len(r.always) > 0 && el.Matches(r.always)
}

// Candidate reports whether el matches a chrome pattern.
func (r *RemovalRules) Candidate(el Element) bool {
	return len(r.candidates) > 0 && el.Matches(r.candidates)
}

// InContainer reports whether el or one of its ancestors is a content
// container.
func (r *RemovalRules) InContainer(el Element) bool {
	if len(r.containers) == 0 {
		return false
	}
	for cur := el; cur != nil; cur = cur.Parent() {
		if cur.Matches(r.containers) {
			return true
		}
	}
	return false
}

// ToolOrigin reports whether the class or id of el names a script manager
// or browser extension.
func (r *RemovalRules) ToolOrigin(el Element) bool {
	if r.toolRe == nil {
		return false
	}
	class, _ := el.Attr("class")
	id, _ := el.Attr("id")
	return r.toolRe.MatchString(class) || r.toolRe.MatchString(id)
}

// Floating reports whether el is taken out of the normal flow.
func Floating(el Element) bool {
	switch strings.ToLower(strings.TrimSpace(el.ComputedStyle("position"))) {
	case "fixed", "sticky":
		return true
	}
	switch strings.ToLower(strings.TrimSpace(el.ComputedStyle("float"))) {
	case "", "none":
		return false
	}
	return true
}

// Judge classifies el.
func (r *RemovalRules) Judge(el Element) Verdict {
	if r.Structural(el) {
		return Verdict{Candidate: true, Remove: true, Reason: "structural"}
	}
	if !r.Candidate(el) {
		return Verdict{}
	}
	if Floating(el) && !r.InContainer(el) {
		return Verdict{Candidate: true, Remove: true, Reason: "floating outside content"}
	}
	if r.ToolOrigin(el) {
		return Verdict{Candidate: true, Remove: true, Reason: "tool origin"}
	}
	return Verdict{Candidate: true, Reason: "kept"}
}
