// Package address canonicalizes mailbox addresses so one human mailbox maps
// to one identity key.
package address

import (
	"strings"

	gomail "github.com/emersion/go-message/mail"
)

// Canonicalize returns the identity key of addr: lower-cased, with any
// "+tag" suffix removed from the local part. Display-name forms such as
// "Jane <jane@example.com>" are accepted.
//
// Blank or malformed input (no "@", empty local part or domain) yields "".
func Canonicalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if parsed, err := gomail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	} else {
		addr = strings.Trim(addr, "<> \t\"")
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	local, domain := addr[:at], addr[at+1:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	if local == "" || strings.ContainsAny(local, " \t<>") || strings.ContainsAny(domain, " \t<>@") {
		return ""
	}
	return strings.ToLower(local) + "@" + strings.ToLower(domain)
}

// SystemSet holds the addresses of the system's own mailboxes.
type SystemSet struct {
	members map[string]struct{}
}

// NewSystemSet canonicalizes addrs into a set. Malformed entries are ignored.
func NewSystemSet(addrs ...string) SystemSet {
	s := SystemSet{members: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		if c := Canonicalize(a); c != "" {
			s.members[c] = struct{}{}
		}
	}
	return s
}

// Contains reports whether addr belongs to a system mailbox.
func (s SystemSet) Contains(addr string) bool {
	c := Canonicalize(addr)
	if c == "" {
		return false
	}
	_, ok := s.members[c]
	return ok
}

// Len returns the number of distinct system addresses.
func (s SystemSet) Len() int {
	return len(s.members)
}
