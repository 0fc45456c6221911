package identity

import (
	"net/mail"
	"regexp"
	"strings"
)

// MaxIdentifierLen bounds login identifiers (RFC 5321 path limit).
const MaxIdentifierLen = 254

var roleNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)

// NormalizeIdentifier performs case-insensitive canonicalization.
// Note: for now we only trim + lower-case. Unicode confusables are not folded.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateIdentifier checks that s is a plain email address: one "@",
// no display name, at most MaxIdentifierLen bytes.
func ValidateIdentifier(s string) error {
	const op = "identity.ValidateIdentifier"

	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return invalid(op, "identifier", "identifier is required")
	case len(s) > MaxIdentifierLen:
		return invalid(op, "identifier", "identifier too long")
	case strings.Count(s, "@") != 1:
		return invalid(op, "identifier", "identifier must be an email address")
	}

	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return invalid(op, "identifier", "identifier must be an email address")
	}

	local, domain, _ := strings.Cut(s, "@")
	if local == "" || domain == "" || !strings.Contains(domain, ".") || strings.HasSuffix(domain, ".") {
		return invalid(op, "identifier", "identifier must be an email address")
	}
	return nil
}

// NormalizeRoles validates role names and removes duplicates, keeping the
// first occurrence order. Role names are case-sensitive.
func NormalizeRoles(roles []string) ([]string, error) {
	const op = "identity.NormalizeRoles"

	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if !roleNameRe.MatchString(r) {
			return nil, invalid(op, "roles", "malformed role name")
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
