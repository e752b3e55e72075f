// Package ratio implements glob-pattern allowlisting used in two
// places: restricting which asset_id values a Sentinel instance is
// permitted to request authorization for (internal/config's
// AssetIDAllowlist), and deciding which audit metadata keys must be
// redacted before a log line is emitted (internal/config's
// AuditConfig.RedactMetadataKeys).
//
// Grounded on the teacher's go.mod dependency surface (github.com/ryanuber/go-glob
// is required but no usage file was retrieved in this pack); authored
// from scratch against that library's documented Glob(pattern, subject)
// matcher, which is the simple '*'-only glob the teacher's own
// provider/region allowlisting would plausibly have used.
package ratio

import "github.com/ryanuber/go-glob"

// MatchAny reports whether subject matches any of patterns. An empty
// pattern list matches nothing; this is the caller's signal to treat
// "no allowlist configured" as "allow everything" at a higher layer,
// not inside MatchAny.
func MatchAny(patterns []string, subject string) bool {
	for _, p := range patterns {
		if glob.Glob(p, subject) {
			return true
		}
	}
	return false
}

// Allowlist wraps a fixed set of glob patterns for repeated matching.
type Allowlist struct {
	patterns []string
}

// NewAllowlist builds an Allowlist from patterns. A nil or empty slice
// produces an Allowlist whose Allows always returns true (no
// restriction configured).
func NewAllowlist(patterns []string) Allowlist {
	return Allowlist{patterns: patterns}
}

// Allows reports whether subject is permitted: true if no patterns were
// configured, or if subject matches at least one configured pattern.
func (a Allowlist) Allows(subject string) bool {
	if len(a.patterns) == 0 {
		return true
	}
	return MatchAny(a.patterns, subject)
}
