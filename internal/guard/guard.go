// Package guard implements the stateless input/output guards that sit at
// the adapter boundary: the input guard wraps outgoing prompt content
// with session metadata, and the output guard redacts secrets from
// adapter output before it is forwarded as a chunk.
package guard

import "regexp"

// patternSpec is one built-in redaction rule: a name used in the
// replacement marker and the regex that finds it.
type patternSpec struct {
	name    string
	pattern string
}

// builtinPatterns mirrors the fixed set specified for the output guard:
// bearer tokens, basic-auth headers, JWTs, AWS keys, GitHub PATs, PEM
// private key blocks, and generic api_key=/secret= assignments.
var builtinPatterns = []patternSpec{
	{name: "aws-key", pattern: `AKIA[0-9A-Z]{16}`},
	{name: "bearer-token", pattern: `Bearer [A-Za-z0-9\-._~+/]+=*`},
	{name: "basic-auth", pattern: `Basic [A-Za-z0-9+/]+=*`},
	{name: "jwt", pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`},
	{name: "github-pat", pattern: `(ghp_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{36,})`},
	{name: "private-key", pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
	{name: "secret-assignment", pattern: `(?i)(api[_-]?key|secret)\s*[:=]\s*\S+`},
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// OutputGuard redacts secrets from adapter output before it is
// forwarded upstream as a chunk. It is stateless and safe for
// concurrent use after construction.
type OutputGuard struct {
	patterns []compiledPattern
}

// NewOutputGuard compiles the fixed built-in pattern set.
func NewOutputGuard() *OutputGuard {
	g := &OutputGuard{}
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			continue // built-ins are all valid; defensive only
		}
		g.patterns = append(g.patterns, compiledPattern{
			name:        p.name,
			regex:       re,
			replacement: "[REDACTED:" + p.name + "]",
		})
	}
	return g
}

// Redact replaces any matches of the built-in patterns in input with a
// marker identifying which pattern fired. Content with no matches is
// returned unchanged (the identity property the guards are required to
// preserve).
func (g *OutputGuard) Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, p := range g.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// InputGuard wraps outgoing prompt content with a stable delimiter and
// session/client metadata preamble, so the child assistant can be told
// which session and client it is operating on without changing the
// wire protocol.
type InputGuard struct{}

// NewInputGuard builds an InputGuard. It carries no state; the type
// exists to mirror the OutputGuard shape and leave room for future
// configuration without changing call sites.
func NewInputGuard() *InputGuard {
	return &InputGuard{}
}

const wrapDelimiter = "----"

// Wrap prepends a metadata preamble to content. Content with an empty
// sessionID and clientID is returned unchanged (the identity property
// the guards are required to preserve when there is nothing to annotate).
func (g *InputGuard) Wrap(content, sessionID, clientID string) string {
	if sessionID == "" && clientID == "" {
		return content
	}
	preamble := wrapDelimiter + "\nsession_id: " + sessionID + "\nclient_id: " + clientID + "\n" + wrapDelimiter + "\n"
	return preamble + content
}
