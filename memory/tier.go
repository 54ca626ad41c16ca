// Package memory defines the typed records, tiers, and consolidation rules
// shared by the consolidation engine and the vector store boundary.
package memory

import "fmt"

// Tier is the retention bucket a memory currently occupies.
// Memories move from short-term toward archived as they are consolidated.
type Tier string

const (
	TierShortTerm  Tier = "SHORT_TERM"
	TierMediumTerm Tier = "MEDIUM_TERM"
	TierLongTerm   Tier = "LONG_TERM"
	TierArchived   Tier = "ARCHIVED"
)

// ParseTier converts a stored metadata value back into a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierShortTerm, TierMediumTerm, TierLongTerm, TierArchived:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown memory tier: %q", s)
	}
}

// Valid reports whether the tier is one of the four known buckets.
func (t Tier) Valid() bool {
	_, err := ParseTier(string(t))
	return err == nil
}
