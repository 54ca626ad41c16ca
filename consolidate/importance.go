package consolidate

import (
	"math"
	"time"

	"github.com/hrygo/memtier/memory"
)

// Importance weights. Fixed; they sum to 1.0.
const (
	weightBusinessIntelligence = 0.30
	weightDecisionValue        = 0.25
	weightSentiment            = 0.15
	weightTopicConfidence      = 0.15
	weightRecency              = 0.15
)

// recencyWindow is the horizon over which recency decays linearly to zero.
const recencyWindow = 7 * 24 * time.Hour

// ImportanceScore computes the weighted importance of a record given its
// scoring inputs and age. Missing inputs contribute 0. The result is clamped
// to [0,1].
func ImportanceScore(in memory.ImportanceInputs, age time.Duration) float64 {
	score := weightBusinessIntelligence*in.BusinessIntelligence +
		weightDecisionValue*math.Min(in.DecisionValue, 1.0) +
		weightSentiment*math.Abs(in.Sentiment) +
		weightTopicConfidence*in.TopicConfidence +
		weightRecency*recencyScore(age)

	return clamp01(score)
}

// recencyScore decays linearly from 1 at age zero to 0 at one week.
func recencyScore(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Max(0, 1-age.Hours()/recencyWindow.Hours())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
