// Package redact strips secret-shaped substrings out of terminal output and
// hook payloads before anything leaves the machine over the chat transport.
package redact

import (
	"fmt"
	"regexp"
	"sync/atomic"
)

// Marker replaces every matched secret.
const Marker = "«redacted»"

// pattern pairs a compiled regexp with a short name for test introspection
// and the replacement template applied to each match. Most patterns replace
// their whole match with Marker; the dotenv pattern captures the key and
// any opening quote in submatches so the key survives redaction.
type pattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// MatchCounter receives per-pattern redaction hit counts as Redact runs.
// internal/metrics.Registry satisfies this structurally, so redact has no
// import-time dependency on the metrics package.
type MatchCounter interface {
	Add(pattern string, n int)
}

// ruleset is the part of a Redactor's behavior that config hot-reload can
// swap out without disturbing in-flight Redact calls: the active pattern
// list and whether redaction runs at all.
type ruleset struct {
	patterns []pattern
	enabled  bool
}

// Redactor applies an ordered list of secret-shaped patterns to text. Its
// active ruleset is held in an atomic.Value so Reconfigure can be called
// from the config file watcher's goroutine while Redact runs concurrently
// from request-handling goroutines. The zero value is not usable;
// construct with New.
type Redactor struct {
	counter MatchCounter
	state   atomic.Value // ruleset
}

// New builds a Redactor with the default pattern set: bearer tokens,
// GitHub/OpenAI/Google/AWS-style API keys, JWTs, PEM private key blocks,
// and dotenv-style uppercase-key assignments.
func New() *Redactor {
	r := &Redactor{}
	r.state.Store(ruleset{patterns: defaultPatterns(), enabled: true})
	return r
}

// WithCounter attaches a match counter that Redact reports per-pattern hit
// counts to. Returns the Redactor so it can be chained onto New().
func (r *Redactor) WithCounter(c MatchCounter) *Redactor {
	r.counter = c
	return r
}

// WithAdditionalPatterns compiles exprs and appends them to the active
// pattern set as whole-match-replaced rules, named additional_N by
// position. Returns an error naming the offending expression if any fail
// to compile, leaving r unmodified.
func (r *Redactor) WithAdditionalPatterns(exprs []string) (*Redactor, error) {
	extra, err := compileAdditional(exprs)
	if err != nil {
		return nil, err
	}
	cur := r.state.Load().(ruleset)
	cur.patterns = append(append([]pattern{}, cur.patterns...), extra...)
	r.state.Store(cur)
	return r, nil
}

// Disable turns off redaction entirely; Redact becomes a passthrough.
// Returns the Redactor so it can be chained onto New().
func (r *Redactor) Disable() *Redactor {
	cur := r.state.Load().(ruleset)
	cur.enabled = false
	r.state.Store(cur)
	return r
}

// Reconfigure atomically replaces the active ruleset with the built-in
// patterns plus additionalPatternExprs, honoring enabled. It is the entry
// point config hot-reload uses to apply an edited configuration without
// restarting the daemon; a bad expression is rejected and the previous
// ruleset keeps running.
func (r *Redactor) Reconfigure(enabled bool, additionalPatternExprs []string) error {
	extra, err := compileAdditional(additionalPatternExprs)
	if err != nil {
		return err
	}
	r.state.Store(ruleset{patterns: append(defaultPatterns(), extra...), enabled: enabled})
	return nil
}

func compileAdditional(exprs []string) ([]pattern, error) {
	compiled := make([]pattern, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("additional redaction pattern %q: %w", expr, err)
		}
		compiled = append(compiled, pattern{name: fmt.Sprintf("additional_%d", i), re: re, replacement: Marker})
	}
	return compiled, nil
}

func defaultPatterns() []pattern {
	return []pattern{
		{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), Marker},
		{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`), Marker},
		{"openai_style_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), Marker},
		{"aws_access_key_id", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Marker},
		{"google_api_key", regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), Marker},
		{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9._-]+\.[A-Za-z0-9._-]+`), Marker},
		{"pem_private_key", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+PRIVATE KEY-----.*?-----END [A-Z ]+PRIVATE KEY-----`), Marker},
		// Matches only the key/quote/value span, leaving any closing quote
		// and the rest of the line untouched so "$1$2" + Marker never
		// swallows the key.
		{"dotenv_secret_assignment", regexp.MustCompile(`(?m)^([A-Z_][A-Z0-9_]*\s*=\s*)(['"]?)([^'"\n]+)`), "$1$2" + Marker},
	}
}

// Redact applies every pattern in order, replacing each match with its
// configured replacement. Applying Redact to already-redacted text is a
// no-op: Marker itself matches none of the patterns. If a MatchCounter is
// attached, each pattern's hit count for this call is reported to it.
func (r *Redactor) Redact(input string) string {
	rs := r.state.Load().(ruleset)
	if !rs.enabled {
		return input
	}
	out := input
	for _, p := range rs.patterns {
		if r.counter != nil {
			if n := len(p.re.FindAllString(out, -1)); n > 0 {
				r.counter.Add(p.name, n)
			}
		}
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}

// PatternNames returns the name of each configured pattern, in application
// order. Exposed for tests that need to verify coverage without depending
// on exact regexp syntax.
func (r *Redactor) PatternNames() []string {
	rs := r.state.Load().(ruleset)
	names := make([]string, len(rs.patterns))
	for i, p := range rs.patterns {
		names[i] = p.name
	}
	return names
}
