// Package msgid handles RFC 5322 message identifiers as they appear in
// Message-Id, In-Reply-To and References headers.
package msgid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// Normalize returns the canonical bracketed form "<local@host>" of raw, or ""
// when raw carries no identifier.
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimSpace(strings.Trim(value, "\""))
	value = strings.TrimSpace(strings.Trim(value, "<>"))
	value = strings.TrimSpace(strings.Trim(value, "\""))
	if value == "" || strings.ContainsAny(value, " \t\r\n<>") {
		return ""
	}
	return "<" + value + ">"
}

// ParseList extracts every identifier of a References-style header in the
// order they appear. A repeated id keeps only its last position, so the
// tail stays the most recent reference. A header without brackets is
// treated as whitespace separated bare ids.
func ParseList(values ...string) []string {
	var all []string
	add := func(candidate string) {
		if id := Normalize(candidate); id != "" {
			all = append(all, id)
		}
	}
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
		if len(matches) == 0 {
			for _, field := range strings.Fields(raw) {
				add(field)
			}
			continue
		}
		for _, match := range matches {
			add(match[1])
		}
	}

	if len(all) == 0 {
		return nil
	}
	lastAt := make(map[string]int, len(all))
	for i, id := range all {
		lastAt[id] = i
	}
	ids := make([]string, 0, len(lastAt))
	for i, id := range all {
		if lastAt[id] == i {
			ids = append(ids, id)
		}
	}
	return ids
}

// Last returns the most recent id of a root-to-leaf list, or "".
func Last(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// Chain appends parent to refs unless it is already the tail, producing the
// References list of a reply to parent.
func Chain(refs []string, parent string) []string {
	parent = Normalize(parent)
	out := make([]string, 0, len(refs)+1)
	for _, r := range refs {
		if id := Normalize(r); id != "" && id != parent {
			out = append(out, id)
		}
	}
	if parent != "" {
		out = append(out, parent)
	}
	return out
}

// Generate returns a fresh bracketed id under host.
func Generate(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "talentdesk.local"
	}
	return "<" + uuid.NewString() + "@" + host + ">"
}

// Strip removes the angle brackets, for APIs that add their own.
func Strip(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
