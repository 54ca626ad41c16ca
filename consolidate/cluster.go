package consolidate

import (
	"log/slog"

	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

// DefaultSimilarityThreshold is the cosine similarity at which two memories
// are considered related enough to consolidate together.
const DefaultSimilarityThreshold = 0.7

// clusterBySimilarity groups records by single-linkage cosine similarity to
// the cluster seed. Records are visited in input order; each unclustered
// record seeds a new group and absorbs every later unclustered record within
// the threshold. Groups of size 1 are discarded.
//
// Comparisons are O(n²) per rule pass. Accepted: the eligible set is bounded
// by the browse query cap, so n stays in the hundreds.
func clusterBySimilarity(records []*memory.Record, threshold float64) [][]*memory.Record {
	clustered := make([]bool, len(records))
	var groups [][]*memory.Record

	for i, seed := range records {
		if clustered[i] {
			continue
		}
		clustered[i] = true
		group := []*memory.Record{seed}

		for j := i + 1; j < len(records); j++ {
			if clustered[j] {
				continue
			}
			other := records[j]
			if !vector.DimensionsMatch(seed.Embedding, other.Embedding) {
				// Data integrity condition: comparable records must share
				// the embedding model's dimensionality.
				slog.Warn("embedding dimension mismatch, similarity treated as zero",
					"seed", seed.ID, "seed_dims", len(seed.Embedding),
					"record", other.ID, "record_dims", len(other.Embedding))
				continue
			}
			if vector.CosineSimilarity(seed.Embedding, other.Embedding) >= threshold {
				clustered[j] = true
				group = append(group, other)
			}
		}

		if len(group) >= 2 {
			groups = append(groups, group)
		}
	}

	return groups
}
