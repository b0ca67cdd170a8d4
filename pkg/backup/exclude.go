package backup

import (
	"path/filepath"
	"strings"
)

// sensitivePatterns are glob matchers applied to every path component of a
// candidate archive entry. Environment files, private key material, and
// anything labelled secret never leave the host, regardless of where in the
// tree they sit.
var sensitivePatterns = []string{
	".env*",
	"*.key",
	"*.pem",
	"*secrets*",
}

// excluded reports whether any component of rel matches the sensitive set.
// Components starting with a dot are always excluded. Matching is
// case-insensitive and fail-closed: a pattern error counts as a match, so a
// malformed rule can only over-redact, never leak.
func excluded(rel string) bool {
	for _, comp := range strings.Split(filepath.ToSlash(rel), "/") {
		if comp == "" || comp == "." {
			continue
		}
		if strings.HasPrefix(comp, ".") {
			return true
		}
		lower := strings.ToLower(comp)
		for _, pat := range sensitivePatterns {
			ok, err := filepath.Match(pat, lower)
			if err != nil || ok {
				return true
			}
		}
	}
	return false
}
