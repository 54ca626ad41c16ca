package memory

import (
	"time"

	"github.com/pkg/errors"
)

// Rule describes one tier transition: when records in SourceTier become old
// and important enough, they are clustered, compressed by CompressionRatio,
// and written to TargetTier. Rules are static configuration and are evaluated
// in declaration order; a record's current tier determines which rule applies.
type Rule struct {
	// Name identifies the rule in logs and reports.
	Name string

	SourceTier Tier
	TargetTier Tier

	// AgeThreshold is the minimum age before a record becomes eligible.
	AgeThreshold time.Duration

	// ImportanceThreshold is the minimum importance score in [0,1].
	ImportanceThreshold float64

	// CompressionRatio is the target output length as a fraction of the
	// combined input length, in (0,1].
	CompressionRatio float64

	// PreserveKeywords are case-insensitive strings whose containing
	// sentences are kept verbatim with priority during compression.
	PreserveKeywords []string
}

// Validate checks rule invariants before the engine accepts it.
func (r Rule) Validate() error {
	if !r.SourceTier.Valid() {
		return errors.Errorf("rule %q: invalid source tier %q", r.Name, r.SourceTier)
	}
	if !r.TargetTier.Valid() {
		return errors.Errorf("rule %q: invalid target tier %q", r.Name, r.TargetTier)
	}
	if r.SourceTier == r.TargetTier {
		return errors.Errorf("rule %q: source and target tier are both %q", r.Name, r.SourceTier)
	}
	if r.AgeThreshold < 0 {
		return errors.Errorf("rule %q: negative age threshold", r.Name)
	}
	if r.ImportanceThreshold < 0 || r.ImportanceThreshold > 1 {
		return errors.Errorf("rule %q: importance threshold %v outside [0,1]", r.Name, r.ImportanceThreshold)
	}
	if r.CompressionRatio <= 0 || r.CompressionRatio > 1 {
		return errors.Errorf("rule %q: compression ratio %v outside (0,1]", r.Name, r.CompressionRatio)
	}
	return nil
}

// DefaultRules returns the standard short-term -> medium-term -> long-term
// consolidation ladder.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:                "short-to-medium",
			SourceTier:          TierShortTerm,
			TargetTier:          TierMediumTerm,
			AgeThreshold:        24 * time.Hour,
			ImportanceThreshold: 0.3,
			CompressionRatio:    0.5,
			PreserveKeywords:    []string{"revenue", "customer", "decision", "deadline"},
		},
		{
			Name:                "medium-to-long",
			SourceTier:          TierMediumTerm,
			TargetTier:          TierLongTerm,
			AgeThreshold:        7 * 24 * time.Hour,
			ImportanceThreshold: 0.5,
			CompressionRatio:    0.3,
			PreserveKeywords:    []string{"revenue", "strategy", "contract"},
		},
	}
}
