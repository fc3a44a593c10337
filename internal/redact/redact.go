// Package redact scrubs secret-shaped substrings from text and structured
// payloads before they are persisted, streamed, or logged.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Sentinel replaces every redacted match.
const Sentinel = "[REDACTED]"

// Pattern is one secret shape. Replace is an expansion template
// (regexp.Expand syntax) used when part of the match must survive,
// such as the key name in key=value pairs.
type Pattern struct {
	Name    string
	Re      *regexp.Regexp
	Replace string
}

// Compile builds a whole-match pattern from a configured expression.
func Compile(name, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("redaction pattern %s: %w", name, err)
	}
	return Pattern{Name: name, Re: re, Replace: Sentinel}, nil
}

func mustPattern(name, expr, replace string) Pattern {
	return Pattern{Name: name, Re: regexp.MustCompile(expr), Replace: replace}
}

// secretKeys names the keys whose whole value is a secret. A quoted JSON
// value is consumed up to its closing quote; a bare value up to whitespace.
const secretKeys = `api[_-]?key|secret|token|password|passwd|pwd|access[_-]?key|client[_-]?secret|cookie|set-cookie|session[_-]?id`

// DefaultPatterns is the built-in heuristic set.
func DefaultPatterns() []Pattern {
	return []Pattern{
		mustPattern("private_key", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, Sentinel),
		mustPattern("jwt", `\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`, Sentinel),
		mustPattern("bearer", `(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`, "${1} "+Sentinel),
		mustPattern("url_credentials", `(://[^/\s:@]+:)[^@\s/]+@`, "${1}"+Sentinel+"@"),
		mustPattern("key_value_json", `(?i)((?:`+secretKeys+`)"\s*:\s*)"(?:[^"\\]|\\.)*"`, `${1}"`+Sentinel+`"`),
		mustPattern("key_value", `(?i)((?:`+secretKeys+`)\s*[:=]\s*)(?:"(?:[^"\\]|\\.)*"|(?:\\.|[^\s"\\])+)`, "${1}"+Sentinel),
		mustPattern("openai_key", `\bsk-(?:proj-|ant-)?[A-Za-z0-9_-]{16,}`, Sentinel),
		mustPattern("stripe_key", `\b[sprk]k_(?:live|test)_[A-Za-z0-9]{16,}`, Sentinel),
		mustPattern("github_token", `\bgh[pousr]_[A-Za-z0-9]{20,}`, Sentinel),
		mustPattern("github_pat", `\bgithub_pat_[A-Za-z0-9_]{20,}`, Sentinel),
		mustPattern("aws_access_key", `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`, Sentinel),
		mustPattern("slack_token", `\bxox[abprs]-[A-Za-z0-9-]{10,}`, Sentinel),
		mustPattern("google_api_key", `\bAIza[0-9A-Za-z_-]{35}\b`, Sentinel),
	}
}

// Redactor applies an ordered pattern list.
type Redactor struct {
	patterns []Pattern
}

// New returns a redactor with the default patterns followed by extra.
func New(extra ...Pattern) *Redactor {
	return &Redactor{patterns: append(DefaultPatterns(), extra...)}
}

// Patterns returns the active pattern names.
func (r *Redactor) Patterns() []string {
	names := make([]string, 0, len(r.patterns))
	for _, p := range r.patterns {
		names = append(names, p.Name)
	}
	return names
}

// Text replaces every secret-shaped substring with the sentinel.
func (r *Redactor) Text(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, p := range r.patterns {
		if p.Replace == "" || p.Replace == Sentinel {
			s = p.Re.ReplaceAllLiteralString(s, Sentinel)
			continue
		}
		s = p.Re.ReplaceAllString(s, p.Replace)
	}
	return s
}

// Value redacts an arbitrary payload. It serializes v, redacts the JSON
// text, and re-parses it so callers keep a renderable shape. When the
// redacted text no longer parses the redacted string is returned; when v
// cannot be serialized at all the sentinel is returned.
func (r *Redactor) Value(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return r.Text(t)
	case []byte:
		return r.Text(string(t))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Sentinel
	}
	redacted := r.Text(string(data))
	var out any
	if err := json.Unmarshal([]byte(redacted), &out); err != nil {
		return redacted
	}
	return out
}

// JSON redacts raw JSON and returns JSON; invalid input is treated as text.
func (r *Redactor) JSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	if !json.Valid(raw) {
		b, _ := json.Marshal(r.Text(string(raw)))
		return b
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	b, err := json.Marshal(r.Value(v))
	if err != nil {
		b, _ = json.Marshal(Sentinel)
	}
	return b
}

// LimitText bounds text to max bytes, cutting on a rune boundary and
// appending a truncation marker. max <= 0 disables the limit.
func LimitText(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + fmt.Sprintf("\n... [truncated %d bytes]", len(text)-cut)
}
