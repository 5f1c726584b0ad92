package models

import (
	"regexp"
	"strings"
)

const (
	// MaxErrorLength caps stored task error messages.
	MaxErrorLength = 2000

	// MaxTaskIDLength caps task identifiers (job id + kind + username).
	MaxTaskIDLength = 160

	// MaxPullLimit caps how many tasks one pull may lease.
	MaxPullLimit = 100
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._]{2,30}$`)
	accountRe  = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,30}$`)
	jobIDRe    = regexp.MustCompile(`^job:[a-f0-9]{32}$`)
)

// NormalizeUsername trims and lowercases a username. Empty after
// trimming normalizes to "".
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidUsername reports whether s is an acceptable external username.
// Callers normalize first.
func ValidUsername(s string) bool {
	return usernameRe.MatchString(s)
}

// ValidAccount reports whether s is an acceptable worker account id.
func ValidAccount(s string) bool {
	return accountRe.MatchString(s)
}

// ValidJobID reports whether s matches the minted job id shape.
func ValidJobID(s string) bool {
	return jobIDRe.MatchString(s)
}

// TruncateError clamps an error message to the persisted column size.
func TruncateError(s string) string {
	if len(s) > MaxErrorLength {
		return s[:MaxErrorLength]
	}
	return s
}
