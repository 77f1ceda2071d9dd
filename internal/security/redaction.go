// Package security scrubs host diagnostics and card identifiers before they
// reach logs.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxDiagnostic bounds host output kept for logging.
const MaxDiagnostic = 2048

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	// Readers sometimes echo raw APDUs or UIDs; 8+ hex pairs look like either.
	uidLikePattern = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[ :-]?){3,}[0-9A-Fa-f]{2}\b`)
)

// RedactPayload removes secrets from free-form host output.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return out
}

// RedactHostOutput scrubs secrets and card identifiers from host stderr and
// keeps at most the last MaxDiagnostic bytes.
func RedactHostOutput(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	out := RedactPayload(trimmed)
	out = uidLikePattern.ReplaceAllStringFunc(out, MaskUID)
	if len(out) > MaxDiagnostic {
		cut := len(out) - MaxDiagnostic
		for cut < len(out) && !utf8.RuneStart(out[cut]) {
			cut++
		}
		out = "..." + out[cut:]
	}
	return out
}

// MaskUID hides all but the last four hex digits of a card UID.
func MaskUID(uid string) string {
	var digits int
	for _, r := range uid {
		if isHex(r) {
			digits++
		}
	}
	if digits <= 4 {
		return strings.Repeat("*", digits)
	}
	keep := 4
	var b strings.Builder
	seen := 0
	for _, r := range uid {
		if !isHex(r) {
			b.WriteRune(r)
			continue
		}
		seen++
		if seen > digits-keep {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
