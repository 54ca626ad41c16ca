package vector

import (
	"context"
	"sort"
	"sync"
)

// MockService is an in-memory Service implementation for testing.
// Error hooks let tests inject failures at specific boundaries, e.g. to
// simulate a crash between the two phases of a consolidation write.
type MockService struct {
	mu   sync.RWMutex
	docs map[string]Document

	// Optional fault injection hooks. When a hook returns a non-nil error
	// the operation fails before touching state.
	UpsertHook         func(doc Document) error
	UpdateMetadataHook func(id string) error
	QueryHook          func() error
}

// NewMockService creates an empty in-memory store.
func NewMockService() *MockService {
	return &MockService{docs: make(map[string]Document)}
}

// Upsert stores or replaces a document.
func (m *MockService) Upsert(_ context.Context, doc Document) error {
	if m.UpsertHook != nil {
		if err := m.UpsertHook(doc); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// Get retrieves a document by ID.
func (m *MockService) Get(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := cloneDocument(doc)
	return &clone, nil
}

// QueryByMetadata returns matching documents, newest first.
func (m *MockService) QueryByMetadata(_ context.Context, filter *BrowseFilter, limit int) ([]Document, error) {
	if m.QueryHook != nil {
		if err := m.QueryHook(); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for _, doc := range m.docs {
		if MatchesFilter(doc, filter) {
			out = append(out, cloneDocument(doc))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return CreatedAtField(out[i].Metadata).After(CreatedAtField(out[j].Metadata))
	})

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// SearchSimilar returns the topK most similar matching documents.
func (m *MockService) SearchSimilar(_ context.Context, vec []float32, topK int, filter *BrowseFilter) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Result
	for _, doc := range m.docs {
		if !MatchesFilter(doc, filter) {
			continue
		}
		if len(doc.Vector) == 0 {
			continue
		}
		results = append(results, Result{
			Document: cloneDocument(doc),
			Score:    CosineSimilarity(vec, doc.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// UpdateMetadata merges the patch into the stored metadata.
func (m *MockService) UpdateMetadata(_ context.Context, id string, patch map[string]any) error {
	if m.UpdateMetadataHook != nil {
		if err := m.UpdateMetadataHook(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		doc.Metadata[k] = v
	}
	m.docs[id] = doc
	return nil
}

// Delete removes a document.
func (m *MockService) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MockService) Close() error {
	return nil
}

// Len returns the number of stored documents.
func (m *MockService) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func cloneDocument(doc Document) Document {
	clone := Document{ID: doc.ID}
	if doc.Vector != nil {
		clone.Vector = append([]float32(nil), doc.Vector...)
	}
	if doc.Metadata != nil {
		clone.Metadata = make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// Ensure MockService implements Service.
var _ Service = (*MockService)(nil)
