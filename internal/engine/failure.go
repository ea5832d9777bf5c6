package engine

import (
	"strings"
	"unicode/utf8"
)

const maxTraceLineBytes = 256

// Summarize renders an error and an optional stack trace into a bounded message:
// at most maxBytes of error text followed by at most maxLines trace lines, with
// "..." marking anything cut.
func Summarize(err error, stack []byte, maxBytes, maxLines int) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(truncate(err.Error(), maxBytes))

	trace := strings.TrimSpace(string(stack))
	if trace == "" || maxLines <= 0 {
		return b.String()
	}
	lines := strings.Split(trace, "\n")
	for i, line := range lines {
		if i == maxLines {
			b.WriteString("\n...")
			break
		}
		b.WriteByte('\n')
		b.WriteString(truncate(line, maxTraceLineBytes))
	}
	return b.String()
}

// truncate cuts s to at most max bytes on a rune boundary, ending it with "..." when cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
