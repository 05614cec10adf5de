// Package render substitutes per-contact variables into a campaign's
// message template.
package render

import (
	"regexp"
	"strings"

	"github.com/pviana/lead-dispatcher/internal/sanitize"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Message replaces {key} placeholders with sanitized values. Lookups are
// case-insensitive ({nome}, {Nome} and {NOME} all resolve the same key);
// unresolved placeholders are left as literal text. Pure: the same template
// and variables always produce the same output.
func Message(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}

	lower := make(map[string]string, len(vars))
	for k, v := range vars {
		lower[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.ToLower(strings.TrimSpace(match[1 : len(match)-1]))
		val, ok := lower[key]
		if !ok {
			return match
		}
		return sanitize.Value(val)
	})
}
