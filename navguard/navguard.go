// Package navguard builds the redirect guard embedded in saved pages.
//
// The guard is advisory. It patches globals of the reopened document and
// can be undone by any script that runs before it or keeps references to
// the original functions; it is not a security boundary.
package navguard

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed guard.js
var guardSource string

var guardTmpl = template.Must(template.New("guard").Parse(guardSource))

// Policy lists the substrings that mark a callback or script as a redirect.
type Policy struct {
	// TimerTokens reject setTimeout/setInterval callbacks whose source
	// contains any of them.
	TimerTokens []string `mapstructure:"timer_tokens" yaml:"timer_tokens"`
	// ScriptTokens make the periodic scan remove inline scripts.
	ScriptTokens []string `mapstructure:"script_tokens" yaml:"script_tokens"`
	// ScanInterval is the period of the script and meta refresh scan.
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
}

// DefaultPolicy returns the built-in token lists.
func DefaultPolicy() Policy {
	return Policy{
		TimerTokens:  []string{"location", "csdn", `\x`, "//www"},
		ScriptTokens: []string{"location.href", "csdn.net", `\x`},
		ScanInterval: 100 * time.Millisecond,
	}
}

// IsZero reports whether p has no tokens and no interval.
func (p Policy) IsZero() bool {
	return len(p.TimerTokens) == 0 && len(p.ScriptTokens) == 0 && p.ScanInterval == 0
}

// Blocks reports whether a timer callback with the given source text is
// rejected. The embedded script applies the same test.
func (p Policy) Blocks(src string) bool {
	for _, tok := range p.TimerTokens {
		if tok != "" && strings.Contains(src, tok) {
			return true
		}
	}
	return false
}

// Script renders the guard for p.
func (p Policy) Script() (string, error) {
	timer, err := jsonList(p.TimerTokens)
	if err != nil {
		return "", fmt.Errorf("navguard: timer tokens: %w", err)
	}
	script, err := jsonList(p.ScriptTokens)
	if err != nil {
		return "", fmt.Errorf("navguard: script tokens: %w", err)
	}
	interval := p.ScanInterval
	if interval <= 0 {
		interval = DefaultPolicy().ScanInterval
	}
	var b strings.Builder
	err = guardTmpl.Execute(&b, map[string]any{
		"TimerTokens":  timer,
		"ScriptTokens": script,
		"ScanMillis":   interval.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("navguard: render: %w", err)
	}
	return b.String(), nil
}

// jsonList encodes tokens as a JS array literal. encoding/json escapes '<'
// so a token cannot close the surrounding script element.
func jsonList(tokens []string) (string, error) {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
