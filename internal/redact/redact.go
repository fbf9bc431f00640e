// Package redact scrubs credentials out of typed session content before it is stored.
package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/HakAl/arkinput/internal/config"
)

// RedactedValue is the replacement for redacted content.
const RedactedValue = "[REDACTED]"

var (
	// sk-..., key-..., api_key=... style tokens.
	apiKeyPattern = regexp.MustCompile(`(?i)(sk-[a-z0-9_-]{20,}|key-[a-z0-9_-]{20,}|api[_-]?key[=:]["']?[a-z0-9_-]{20,})`)
	// 13-19 digit runs, optionally grouped by spaces or dashes.
	cardPattern = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
)

// Redactor rewrites content according to a RedactionConfig.
type Redactor struct {
	secrets bool
	custom  []*regexp.Regexp
}

// New compiles the configured patterns.
func New(cfg *config.RedactionConfig) (*Redactor, error) {
	r := &Redactor{secrets: cfg.RedactSecrets}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction pattern %q: %w", p, err)
		}
		r.custom = append(r.custom, re)
	}
	return r, nil
}

// Enabled reports whether the redactor would ever change content.
func (r *Redactor) Enabled() bool {
	return r.secrets || len(r.custom) > 0
}

// RedactContent returns content with secrets replaced by RedactedValue.
func (r *Redactor) RedactContent(content string) string {
	result := content

	if r.secrets {
		result = apiKeyPattern.ReplaceAllStringFunc(result, func(match string) string {
			lower := strings.ToLower(match)
			switch {
			case strings.HasPrefix(lower, "sk-"):
				return "sk-" + RedactedValue
			case strings.HasPrefix(lower, "key-"):
				return "key-" + RedactedValue
			}
			// api_key=... keeps the key name
			if i := strings.IndexAny(match, "=:"); i > 0 {
				return match[:i+1] + RedactedValue
			}
			return RedactedValue
		})
		result = cardPattern.ReplaceAllString(result, RedactedValue)
	}

	for _, re := range r.custom {
		result = re.ReplaceAllString(result, RedactedValue)
	}

	return result
}
