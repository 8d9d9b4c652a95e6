// Package quote reduces a reply to the content its author actually wrote,
// dropping quoted history from earlier messages.
package quote

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	onWrotePattern       = regexp.MustCompile(`(?i)^on\s.+\swrote:\s*$`)
	wroteTailPattern     = regexp.MustCompile(`(?i)\swrote:\s*$`)
	originalMsgPattern   = regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`)
	separatorPattern     = regexp.MustCompile(`^_{10,}$`)
	outlookFromPattern   = regexp.MustCompile(`(?i)^\*?from:\*?\s+\S`)
	outlookHeaderPattern = regexp.MustCompile(`(?i)^\*?(sent|date|to|subject):\*?\s`)
)

// StripQuoted returns the newest content of a message as plain text. The
// HTML body is preferred; plainFallback is used when there is no HTML or
// stripping leaves nothing. It never panics and never returns an empty
// string when either input has text.
func StripQuoted(htmlBody, plainFallback string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fallback(htmlBody, plainFallback)
		}
	}()

	if strings.TrimSpace(htmlBody) != "" {
		if text, err := stripHTML(htmlBody); err == nil {
			if s := StripPlain(text); s != "" {
				return s
			}
		}
	}
	if s := StripPlain(plainFallback); s != "" {
		return s
	}
	return fallback(htmlBody, plainFallback)
}

func fallback(htmlBody, plainFallback string) string {
	if s := strings.TrimSpace(plainFallback); s != "" {
		return s
	}
	return HTMLToText(htmlBody)
}

// StripPlain cuts a plain-text body at the first reply header and drops
// ">"-quoted lines.
func StripPlain(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

cut:
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		switch {
		case strings.HasPrefix(line, ">"):
			continue
		case onWrotePattern.MatchString(line),
			originalMsgPattern.MatchString(line),
			separatorPattern.MatchString(line):
			break cut
		case strings.HasPrefix(strings.ToLower(line), "on ") && i+1 < len(lines) &&
			wroteTailPattern.MatchString(" "+strings.TrimSpace(lines[i+1])):
			break cut
		case outlookFromPattern.MatchString(line) && outlookBlockFollows(lines, i+1):
			break cut
		}
		kept = append(kept, strings.TrimRight(lines[i], " \t"))
	}
	return strings.TrimSpace(collapseBlankLines(kept))
}

func outlookBlockFollows(lines []string, start int) bool {
	for j := start; j < len(lines) && j < start+3; j++ {
		if outlookHeaderPattern.MatchString(strings.TrimSpace(lines[j])) {
			return true
		}
	}
	return false
}

func collapseBlankLines(lines []string) string {
	var b strings.Builder
	blank := 0
	for _, l := range lines {
		if l == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// Snippet flattens text to one line and shortens it to at most n runes.
func Snippet(text string, n int) string {
	flat := strings.Join(strings.Fields(text), " ")
	if n <= 0 || utf8.RuneCountInString(flat) <= n {
		return flat
	}
	runes := []rune(flat)
	return strings.TrimSpace(string(runes[:n])) + "…"
}
