package source

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrNotReadOnly wraps guard rejections so callers can distinguish them
// from engine errors.
type ErrNotReadOnly struct {
	Reason string
}

func (e *ErrNotReadOnly) Error() string {
	return fmt.Sprintf("statement rejected: %s", e.Reason)
}

var mutationKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|replace|attach|detach|vacuum|pragma|grant|revoke|copy|merge|import|install|load|call|set|reset|export)\b`)

// EnsureReadOnly rejects any statement that is not a single SELECT/WITH
// query. The model is instructed not to emit DML, but the guarantee here
// is programmatic: the scan runs on every statement regardless of where
// it came from.
func EnsureReadOnly(sqlText string) error {
	stripped := stripTrailingSemicolons(sqlText)
	if stripped == "" {
		return &ErrNotReadOnly{Reason: "empty statement"}
	}

	scannable := blankOutQuoted(stripped)
	if strings.Contains(scannable, ";") {
		return &ErrNotReadOnly{Reason: "multiple statements are not allowed"}
	}

	first := firstKeyword(scannable)
	if first != "select" && first != "with" {
		return &ErrNotReadOnly{Reason: fmt.Sprintf("only SELECT/WITH queries are allowed, got %q", strings.ToUpper(first))}
	}

	for _, loc := range mutationKeywords.FindAllStringIndex(scannable, -1) {
		// a keyword directly followed by "(" is a function call, e.g.
		// replace(name, 'a', 'b')
		rest := strings.TrimLeft(scannable[loc[1]:], " \t")
		if strings.HasPrefix(rest, "(") {
			continue
		}
		keyword := scannable[loc[0]:loc[1]]
		return &ErrNotReadOnly{Reason: fmt.Sprintf("mutating keyword %q is not allowed", strings.ToUpper(keyword))}
	}
	return nil
}

// blankOutQuoted replaces the contents of string literals and quoted
// identifiers with spaces so the keyword scan cannot be confused by
// quoted text.
func blankOutQuoted(sqlText string) string {
	out := []rune(sqlText)
	var quote rune
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			if c == quote {
				// doubled quote escapes itself
				if i+1 < len(out) && out[i+1] == quote {
					out[i+1] = ' '
					out[i] = ' '
					i++
					continue
				}
				quote = 0
				continue
			}
			out[i] = ' '
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			quote = c
		}
	}
	return string(out)
}

func firstKeyword(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for i, c := range trimmed {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' {
			return strings.ToLower(trimmed[:i])
		}
	}
	return strings.ToLower(trimmed)
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
