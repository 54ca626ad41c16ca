package chromem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func doc(id, owner string, tier memory.Tier, createdAt time.Time, vec []float32) vector.Document {
	return vector.Document{
		ID:     id,
		Vector: vec,
		Metadata: map[string]any{
			memory.KeyOwnerID:      owner,
			memory.KeyContent:      "content of " + id,
			memory.KeyRecordType:   memory.RecordTypeMemory,
			memory.KeyTier:         string(tier),
			memory.KeyCreatedAt:    createdAt.UTC().Format(time.RFC3339Nano),
			memory.KeyConsolidated: false,
		},
	}
}

func TestStoreUpsertGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	original := doc("r1", "owner-1", memory.TierShortTerm, time.Now(), []float32{1, 0, 0})
	require.NoError(t, store.Upsert(ctx, original))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, original.Vector, got.Vector)
	assert.Equal(t, "owner-1", got.Metadata[memory.KeyOwnerID])

	t.Run("upsert replaces", func(t *testing.T) {
		updated := original
		updated.Vector = []float32{0, 1, 0}
		require.NoError(t, store.Upsert(ctx, updated))

		got, err := store.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 1, 0}, got.Vector)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, vector.ErrNotFound)
	})
}

func TestStoreQueryByMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.Upsert(ctx, doc("old", "owner-1", memory.TierShortTerm, now.Add(-48*time.Hour), []float32{1, 0, 0})))
	require.NoError(t, store.Upsert(ctx, doc("new", "owner-1", memory.TierShortTerm, now, []float32{0, 1, 0})))
	require.NoError(t, store.Upsert(ctx, doc("other", "owner-2", memory.TierLongTerm, now, []float32{0, 0, 1})))

	owner := "owner-1"

	t.Run("newest first", func(t *testing.T) {
		docs, err := store.QueryByMetadata(ctx, &vector.BrowseFilter{OwnerID: &owner}, 0)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "new", docs[0].ID)
		assert.Equal(t, "old", docs[1].ID)
	})

	t.Run("created before", func(t *testing.T) {
		cutoff := now.Add(-24 * time.Hour)
		docs, err := store.QueryByMetadata(ctx, &vector.BrowseFilter{OwnerID: &owner, CreatedBefore: &cutoff}, 0)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "old", docs[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		docs, err := store.QueryByMetadata(ctx, nil, 2)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})
}

func TestStoreUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Upsert(ctx, doc("r1", "owner-1", memory.TierShortTerm, time.Now(), []float32{1, 0, 0})))

	err := store.UpdateMetadata(ctx, "r1", map[string]any{
		memory.KeyConsolidated: true,
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, true, got.Metadata[memory.KeyConsolidated])
	assert.Equal(t, "owner-1", got.Metadata[memory.KeyOwnerID])

	t.Run("filterable after the patch", func(t *testing.T) {
		consolidated := true
		docs, err := store.QueryByMetadata(ctx, &vector.BrowseFilter{Consolidated: &consolidated}, 0)
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})

	t.Run("unknown id", func(t *testing.T) {
		err := store.UpdateMetadata(ctx, "nope", map[string]any{"k": "v"})
		assert.ErrorIs(t, err, vector.ErrNotFound)
	})
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Upsert(ctx, doc("r1", "owner-1", memory.TierShortTerm, time.Now(), []float32{1, 0, 0})))
	require.NoError(t, store.Delete(ctx, "r1"))
	assert.ErrorIs(t, store.Delete(ctx, "r1"), vector.ErrNotFound)

	_, err := store.Get(ctx, "r1")
	assert.ErrorIs(t, err, vector.ErrNotFound)
}

func TestStoreSearchSimilar(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.Upsert(ctx, doc("exact", "owner-1", memory.TierShortTerm, now, []float32{1, 0, 0})))
	require.NoError(t, store.Upsert(ctx, doc("close", "owner-1", memory.TierShortTerm, now, []float32{0.9, 0.1, 0})))
	require.NoError(t, store.Upsert(ctx, doc("far", "owner-2", memory.TierShortTerm, now, []float32{0, 0, 1})))

	t.Run("ranked by similarity", func(t *testing.T) {
		results, err := store.SearchSimilar(ctx, []float32{1, 0, 0}, 2, nil)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "exact", results[0].Document.ID)
		assert.Equal(t, "close", results[1].Document.ID)
	})

	t.Run("owner filter pushes down", func(t *testing.T) {
		owner := "owner-2"
		results, err := store.SearchSimilar(ctx, []float32{0, 0, 1}, 5, &vector.BrowseFilter{OwnerID: &owner})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "far", results[0].Document.ID)
	})
}
