package service

import (
	"regexp"
	"strings"
)

var (
	xmlTagPattern     = regexp.MustCompile(`<[^<>\s][^<>]*>`)
	whitespaceRuns    = regexp.MustCompile(`\s+`)
	commentLineMarker = "#"
)

// CleanCommandResidue tidies a text segment after command spans were
// removed: drops comment lines, strips XML-like tags, collapses whitespace
// runs and trims. Only segments that contained a command go through this;
// untouched messages keep their exact bytes.
func CleanCommandResidue(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), commentLineMarker) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")
	out = xmlTagPattern.ReplaceAllString(out, "")
	out = whitespaceRuns.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// StripCommandSyntax removes any command-shaped spans that survived
// parsing. Used by redaction as defense in depth on outbound text.
func StripCommandSyntax(text, prefix string) string {
	if prefix == "" || !strings.Contains(text, prefix) {
		return text
	}
	re := commandSpanPattern(prefix)
	return re.ReplaceAllString(text, "")
}

// commandSpanPattern matches one full command occurrence:
// <prefix>name or <prefix>name(args) with args free of parentheses.
func commandSpanPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(prefix) + `[A-Za-z][A-Za-z0-9_-]*(?:\([^()]*\))?`)
}
