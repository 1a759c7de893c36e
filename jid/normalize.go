package jid

import "strings"

// Normalize returns the canonical lookup key of the passed identity: the
// device suffix is removed and, for anonymized identities, so is the
// instance suffix. Only the server part is lowercased.
//
// Normalize is idempotent. Suffixes that do not parse as numbers are still
// stripped. Strings that remain unparseable (such as those with an empty
// server) are returned trimmed, with their suffixes removed.
func Normalize(s string) string {
	j, err := Parse(s)
	if err == nil {
		return j.ToNonAD().String()
	}

	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return s
	}
	user, server := s[:at], strings.ToLower(s[at+1:])
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	if server == HiddenUserServer {
		if us := strings.IndexByte(user, '_'); us >= 0 {
			user = user[:us]
		}
	}
	stripped := user + "@" + server
	if j, err := Parse(stripped); err == nil {
		return j.ToNonAD().String()
	}
	return stripped
}

// LocalPart returns the normalized address without its server suffix. This
// is used as the last-resort display label for an identity.
func LocalPart(s string) string {
	n := Normalize(s)
	if at := strings.LastIndexByte(n, '@'); at >= 0 {
		return n[:at]
	}
	return n
}
