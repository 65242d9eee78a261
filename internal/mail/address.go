// Package mail builds and delivers letter emails.
package mail

import (
	"net/mail"
	"strings"
)

// ValidAddress reports whether addr is a single bare address such as
// "jane@example.com". Display names, groups and lists are rejected.
func ValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Name != "" || parsed.Address != addr {
		return false
	}
	at := strings.LastIndex(addr, "@")
	return at > 0 && at < len(addr)-1
}

// MergeRecipients returns the distinct non-blank addresses in first-seen
// order, comparing case-insensitively and skipping any listed in exclude.
func MergeRecipients(addrs []string, exclude ...string) []string {
	seen := make(map[string]bool, len(addrs)+len(exclude))
	for _, e := range exclude {
		seen[strings.ToLower(strings.TrimSpace(e))] = true
	}
	var out []string
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		key := strings.ToLower(a)
		if a == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}
