package consolidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hrygo/memtier/memory"
)

func TestImportanceScore(t *testing.T) {
	t.Run("all maxed fresh record scores one", func(t *testing.T) {
		in := memory.ImportanceInputs{
			BusinessIntelligence: 1,
			DecisionValue:        1,
			Sentiment:            -1,
			TopicConfidence:      1,
		}
		assert.InDelta(t, 1.0, ImportanceScore(in, 0), 1e-9)
	})

	t.Run("zero inputs old record scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, ImportanceScore(memory.ImportanceInputs{}, 10*24*time.Hour))
	})

	t.Run("weighted midpoint", func(t *testing.T) {
		in := memory.ImportanceInputs{
			BusinessIntelligence: 0.5,
			DecisionValue:        0.5,
			Sentiment:            0.5,
			TopicConfidence:      0.5,
		}
		// Recency at half the window is 0.5, so every term contributes half
		// its weight.
		assert.InDelta(t, 0.5, ImportanceScore(in, 84*time.Hour), 1e-9)
	})

	t.Run("decision value is capped at one", func(t *testing.T) {
		capped := ImportanceScore(memory.ImportanceInputs{DecisionValue: 1}, recencyWindow)
		inflated := ImportanceScore(memory.ImportanceInputs{DecisionValue: 5}, recencyWindow)
		assert.Equal(t, capped, inflated)
	})

	t.Run("sentiment magnitude counts", func(t *testing.T) {
		pos := ImportanceScore(memory.ImportanceInputs{Sentiment: 0.8}, recencyWindow)
		neg := ImportanceScore(memory.ImportanceInputs{Sentiment: -0.8}, recencyWindow)
		assert.Equal(t, pos, neg)
	})

	t.Run("recency decays linearly and floors at zero", func(t *testing.T) {
		assert.Equal(t, 1.0, recencyScore(0))
		assert.InDelta(t, 0.5, recencyScore(84*time.Hour), 1e-9)
		assert.Equal(t, 0.0, recencyScore(recencyWindow))
		assert.Equal(t, 0.0, recencyScore(30*24*time.Hour))
	})
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 0.25, clamp01(0.25))
	assert.Equal(t, 1.0, clamp01(1.5))
}
