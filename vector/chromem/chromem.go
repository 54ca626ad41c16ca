// Package chromem provides an embedded vector store backed by chromem-go,
// suitable for local development and tests that want real similarity search
// without a database server.
package chromem

import (
	"context"
	"strconv"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"

	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

const collectionName = "memories"

// Store implements vector.Service on top of an in-process chromem-go
// collection. chromem-go answers similarity queries; a sidecar index serves
// metadata browses, which chromem-go does not support natively.
type Store struct {
	db  *chromemgo.DB
	col *chromemgo.Collection

	mu   sync.RWMutex
	docs map[string]vector.Document
}

// New creates an in-memory store.
func New() (*Store, error) {
	return newStore(chromemgo.NewDB())
}

// NewPersistent creates a store persisted under the given path.
func NewPersistent(path string) (*Store, error) {
	db, err := chromemgo.NewPersistentDB(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "open persistent chromem db")
	}
	return newStore(db)
}

func newStore(db *chromemgo.DB) (*Store, error) {
	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create chromem collection")
	}
	return &Store{
		db:   db,
		col:  col,
		docs: make(map[string]vector.Document),
	}, nil
}

// Upsert stores or replaces a document.
func (s *Store) Upsert(ctx context.Context, doc vector.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		if err := s.col.Delete(ctx, nil, nil, doc.ID); err != nil {
			return errors.Wrapf(err, "replace document %s", doc.ID)
		}
	}

	if err := s.col.AddDocument(ctx, chromemgo.Document{
		ID:        doc.ID,
		Content:   vector.StringField(doc.Metadata, memory.KeyContent),
		Embedding: doc.Vector,
		Metadata:  filterMetadata(doc.Metadata),
	}); err != nil {
		return errors.Wrapf(err, "add document %s", doc.ID)
	}

	s.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// Get retrieves a document by ID.
func (s *Store) Get(_ context.Context, id string) (*vector.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, vector.ErrNotFound
	}
	clone := cloneDocument(doc)
	return &clone, nil
}

// QueryByMetadata browses the sidecar index, newest first.
func (s *Store) QueryByMetadata(_ context.Context, filter *vector.BrowseFilter, limit int) ([]vector.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []vector.Document
	for _, doc := range s.docs {
		if vector.MatchesFilter(doc, filter) {
			out = append(out, cloneDocument(doc))
		}
	}
	sortNewestFirst(out)

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// SearchSimilar delegates the vector math to chromem-go, pushing equality
// filters down as a where clause. Time-range constraints are applied after
// the fact from the sidecar index.
func (s *Store) SearchSimilar(ctx context.Context, vec []float32, topK int, filter *vector.BrowseFilter) ([]vector.Result, error) {
	if topK <= 0 {
		topK = 10
	}

	where := whereClause(filter)

	// chromem-go rejects nResults larger than the collection, so shrink
	// until the query is accepted.
	var results []chromemgo.Result
	for n := min(topK, s.col.Count()); n >= 1; n-- {
		var err error
		results, err = s.col.QueryEmbedding(ctx, vec, n, where, nil)
		if err == nil {
			break
		}
		if n == 1 {
			return nil, errors.Wrap(err, "chromem query")
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]vector.Result, 0, len(results))
	for _, res := range results {
		doc, ok := s.docs[res.ID]
		if !ok {
			continue
		}
		if filter != nil && filter.CreatedBefore != nil {
			ts := vector.CreatedAtField(doc.Metadata)
			if ts.IsZero() || ts.After(*filter.CreatedBefore) {
				continue
			}
		}
		out = append(out, vector.Result{
			Document: cloneDocument(doc),
			Score:    float64(res.Similarity),
		})
	}
	return out, nil
}

// UpdateMetadata merges the patch and rewrites the chromem document.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return vector.ErrNotFound
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		doc.Metadata[k] = v
	}

	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return errors.Wrapf(err, "rewrite document %s", id)
	}
	if err := s.col.AddDocument(ctx, chromemgo.Document{
		ID:        id,
		Content:   vector.StringField(doc.Metadata, memory.KeyContent),
		Embedding: doc.Vector,
		Metadata:  filterMetadata(doc.Metadata),
	}); err != nil {
		return errors.Wrapf(err, "rewrite document %s", id)
	}

	s.docs[id] = doc
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return vector.ErrNotFound
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return errors.Wrapf(err, "delete document %s", id)
	}
	delete(s.docs, id)
	return nil
}

// Close is a no-op; chromem-go persists on write.
func (s *Store) Close() error {
	return nil
}

// filterMetadata projects the filterable fields into the string-typed
// metadata chromem-go uses for where clauses.
func filterMetadata(md map[string]any) map[string]string {
	return map[string]string{
		memory.KeyOwnerID:      vector.StringField(md, memory.KeyOwnerID),
		memory.KeyRecordType:   vector.StringField(md, memory.KeyRecordType),
		memory.KeyTier:         vector.StringField(md, memory.KeyTier),
		memory.KeyConsolidated: strconv.FormatBool(vector.BoolField(md, memory.KeyConsolidated)),
		memory.KeyPending:      strconv.FormatBool(vector.BoolField(md, memory.KeyPending)),
	}
}

func whereClause(filter *vector.BrowseFilter) map[string]string {
	if filter == nil {
		return nil
	}
	where := make(map[string]string)
	if filter.OwnerID != nil {
		where[memory.KeyOwnerID] = *filter.OwnerID
	}
	if filter.RecordType != nil {
		where[memory.KeyRecordType] = *filter.RecordType
	}
	if filter.Tier != nil {
		where[memory.KeyTier] = *filter.Tier
	}
	if filter.Consolidated != nil {
		where[memory.KeyConsolidated] = strconv.FormatBool(*filter.Consolidated)
	}
	if filter.Pending != nil {
		where[memory.KeyPending] = strconv.FormatBool(*filter.Pending)
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

func cloneDocument(doc vector.Document) vector.Document {
	clone := vector.Document{ID: doc.ID}
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

func sortNewestFirst(docs []vector.Document) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0; j-- {
			ti := vector.CreatedAtField(docs[j].Metadata)
			tj := vector.CreatedAtField(docs[j-1].Metadata)
			if ti.After(tj) {
				docs[j], docs[j-1] = docs[j-1], docs[j]
			} else {
				break
			}
		}
	}
}

// Ensure Store implements vector.Service.
var _ vector.Service = (*Store)(nil)
