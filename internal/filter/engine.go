// Package filter implements the group discovery matching rules.
package filter

import "strings"

// PrivacyOpen is the remote privacy value of a public group.
const PrivacyOpen = "open"

// Candidate is a remote group offered for discovery.
type Candidate struct {
	Name    string
	Privacy string
}

// Criteria selects which remote groups are tracked.
type Criteria struct {
	// Name must be a case-sensitive substring of the group name. Empty
	// matches every name.
	Name string
	// PublicOnly keeps only groups whose privacy is "open", in any case.
	PublicOnly bool
}

// Match checks whether a group passes the criteria.
func Match(c Candidate, crit Criteria) bool {
	if !strings.Contains(c.Name, crit.Name) {
		return false
	}
	if crit.PublicOnly && !IsPublic(c.Privacy) {
		return false
	}
	return true
}

// IsPublic reports whether a privacy value denotes a public group.
func IsPublic(privacy string) bool {
	return strings.EqualFold(strings.TrimSpace(privacy), PrivacyOpen)
}
