// Package vector defines the vector store boundary consumed by the
// consolidation engine. Implementations: MockService (testing),
// chromem (embedded), sqlitevec (single file), pgvector (production).
package vector

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when a document does not exist in the store.
var ErrNotFound = errors.New("document not found")

// Document is a stored vector with its metadata map.
type Document struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Result is a similarity search hit.
type Result struct {
	Document
	Score float64 // cosine similarity, higher is closer
}

// BrowseFilter selects documents by metadata. Nil pointer fields are
// ignored. Browse results are ordered most-recent-first so a Limit acts as
// a hard truncation of the oldest candidates.
type BrowseFilter struct {
	OwnerID       *string
	RecordType    *string
	Tier          *string
	Consolidated  *bool
	Pending       *bool
	CreatedBefore *time.Time
}

// Service is the vector store interface.
type Service interface {
	// Upsert stores or replaces a document.
	Upsert(ctx context.Context, doc Document) error

	// Get retrieves a document by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Document, error)

	// QueryByMetadata returns documents matching the filter, newest first,
	// capped at limit. This is a browse, not a similarity search.
	QueryByMetadata(ctx context.Context, filter *BrowseFilter, limit int) ([]Document, error)

	// SearchSimilar returns up to topK documents matching the filter,
	// ordered by descending cosine similarity to the query vector.
	SearchSimilar(ctx context.Context, vec []float32, topK int, filter *BrowseFilter) ([]Result, error)

	// UpdateMetadata merges the patch into the document's metadata.
	UpdateMetadata(ctx context.Context, id string, patch map[string]any) error

	// Delete removes a document permanently.
	Delete(ctx context.Context, id string) error

	// Close releases resources held by the store.
	Close() error
}

// CosineSimilarity computes the normalized dot product of two vectors.
// Mismatched dimensions or a zero-magnitude vector yield 0 rather than an
// error; callers treat that as a data-integrity signal, not a failure.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DimensionsMatch reports whether two vectors are comparable.
func DimensionsMatch(a, b []float32) bool {
	return len(a) == len(b) && len(a) > 0
}
