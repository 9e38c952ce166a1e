// Package sanitize cleans text that arrives from outside simcore, such as
// test-case stderr and scenario-supplied asset names, before it is shown to
// clients, logged or recorded.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLength is the maximum length of a sanitized message.
const MaxMessageLength = 500

// MaxNameLength is the maximum length of a sanitized display name.
const MaxNameLength = 80

var (
	// reANSI matches CSI and OSC terminal escape sequences.
	reANSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	reExcessiveNewlines = regexp.MustCompile(`\n{3,}`)
	reSpaces            = regexp.MustCompile(`[ \t]{2,}`)
)

// Message strips terminal escapes and control characters, collapses blank
// runs and bounds the result to MaxMessageLength. Over-long input keeps its
// tail, where process errors usually are.
func Message(input string) string {
	if input == "" {
		return ""
	}
	s := reANSI.ReplaceAllString(input, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = stripControlChars(s)
	s = reExcessiveNewlines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(s) > MaxMessageLength {
		cut := len(s) - MaxMessageLength
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = "..." + s[cut:]
	}
	return s
}

// Name keeps printable characters on a single line, collapses whitespace and
// truncates to MaxNameLength runes.
func Name(input string) string {
	if input == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range reANSI.ReplaceAllString(input, "") {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsPrint(r):
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(reSpaces.ReplaceAllString(b.String(), " "))

	if utf8.RuneCountInString(s) > MaxNameLength {
		s = string([]rune(s)[:MaxNameLength])
	}
	return s
}

// stripControlChars drops control characters except newline and tab.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r < 0x20 || r == 0x7f) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
