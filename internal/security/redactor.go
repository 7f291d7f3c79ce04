package security

import (
	"cmp"
	"encoding/json"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// RedactPlaceholder replaces every redacted value.
const RedactPlaceholder = "***REDACTED***"

// secretKey matches JSON object keys whose string values are always
// redacted, whatever they contain.
var secretKey = regexp.MustCompile(`(?i)(secret|token|passw(or)?d|api_?key|credential|authorization)`)

// Rule is a named secret format.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Redactor scrubs secrets from log records, audit details and tool output.
// It knows secret formats (rules) and the literal credential values the
// gateway hands to tool servers. Safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	rules    []Rule
	literals []string
}

// NewRedactor returns a Redactor loaded with DefaultRules.
func NewRedactor() *Redactor {
	return &Redactor{rules: DefaultRules()}
}

// AddRule registers an additional secret format.
func (r *Redactor) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// AddLiteral registers one secret value. Empty values are ignored.
func (r *Redactor) AddLiteral(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = sortLiterals(append(slices.Clone(r.literals), secret))
}

// SyncCredentials replaces the literal values with the store's current
// contents.
func (r *Redactor) SyncCredentials(store *CredentialStore) {
	values := slices.DeleteFunc(store.Values(), func(v string) bool { return v == "" })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = sortLiterals(values)
}

// sortLiterals orders values longest first, so a secret that contains
// another is never left half-redacted.
func sortLiterals(values []string) []string {
	slices.SortStableFunc(values, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return values
}

// Redact returns s with credential values and secret formats replaced.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	rules, literals := r.rules, r.literals
	r.mu.RUnlock()

	for _, lit := range literals {
		s = strings.ReplaceAll(s, lit, RedactPlaceholder)
	}
	for _, rule := range rules {
		s = rule.Pattern.ReplaceAllString(s, RedactPlaceholder)
	}
	return s
}

// RedactJSON scrubs a tool input document. String values under
// secret-looking keys are replaced outright; every other string is passed
// through Redact. Input that is not valid JSON is redacted as text.
func (r *Redactor) RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(r.Redact(string(raw)))
	}
	out, err := json.Marshal(r.redactValue(doc, false))
	if err != nil {
		return raw
	}
	return out
}

func (r *Redactor) redactValue(v any, secret bool) any {
	switch val := v.(type) {
	case string:
		if secret && val != "" {
			return RedactPlaceholder
		}
		return r.Redact(val)
	case map[string]any:
		for k, sub := range val {
			val[k] = r.redactValue(sub, secret || secretKey.MatchString(k))
		}
		return val
	case []any:
		for i, sub := range val {
			val[i] = r.redactValue(sub, secret)
		}
		return val
	default:
		return v
	}
}

// DefaultRules covers credential formats that commonly appear in shell
// commands and tool output.
func DefaultRules() []Rule {
	return []Rule{
		{"anthropic", regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`)},
		{"openai", regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`)},
		{"github", regexp.MustCompile(`(ghp_|gho_|ghs_|github_pat_)[a-zA-Z0-9_]{20,}`)},
		{"aws_access_key", regexp.MustCompile(`AKIA[A-Z0-9]{16}`)},
		{"bearer", regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/\-]{16,}=*`)},
		{"password_flag", regexp.MustCompile(`(?i)(--password[= ]|password=)\S+`)},
		{"url_userinfo", regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`)},
	}
}
