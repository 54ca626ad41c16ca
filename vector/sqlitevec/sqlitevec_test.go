package sqlitevec

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
	store, err := New(":memory:")
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
	now := time.Now()

	original := doc("r1", "owner-1", memory.TierShortTerm, now, []float32{0.25, -0.5, 1})
	require.NoError(t, store.Upsert(ctx, original))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, original.Vector, got.Vector, "embedding survives the blob round trip")
	assert.Equal(t, "owner-1", got.Metadata[memory.KeyOwnerID])
	assert.Equal(t, false, got.Metadata[memory.KeyConsolidated])

	t.Run("upsert replaces", func(t *testing.T) {
		updated := original
		updated.Vector = []float32{1, 1, 1}
		require.NoError(t, store.Upsert(ctx, updated))

		got, err := store.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 1, 1}, got.Vector)
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

	require.NoError(t, store.Upsert(ctx, doc("old", "owner-1", memory.TierShortTerm, now.Add(-48*time.Hour), nil)))
	require.NoError(t, store.Upsert(ctx, doc("new", "owner-1", memory.TierShortTerm, now, nil)))
	require.NoError(t, store.Upsert(ctx, doc("other", "owner-2", memory.TierLongTerm, now, nil)))

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

	t.Run("tier filter", func(t *testing.T) {
		tier := string(memory.TierLongTerm)
		docs, err := store.QueryByMetadata(ctx, &vector.BrowseFilter{Tier: &tier}, 0)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "other", docs[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		docs, err := store.QueryByMetadata(ctx, nil, 1)
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})
}

func TestStoreUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.Upsert(ctx, doc("r1", "owner-1", memory.TierShortTerm, now, nil)))

	err := store.UpdateMetadata(ctx, "r1", map[string]any{
		memory.KeyConsolidated:     true,
		memory.KeyConsolidatedInto: "cm-1",
	})
	require.NoError(t, err)

	t.Run("merged metadata is visible", func(t *testing.T) {
		got, err := store.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, true, got.Metadata[memory.KeyConsolidated])
		assert.Equal(t, "cm-1", got.Metadata[memory.KeyConsolidatedInto])
		assert.Equal(t, "owner-1", got.Metadata[memory.KeyOwnerID])
	})

	t.Run("filter columns track the patch", func(t *testing.T) {
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

	require.NoError(t, store.Upsert(ctx, doc("r1", "owner-1", memory.TierShortTerm, time.Now(), nil)))
	require.NoError(t, store.Delete(ctx, "r1"))
	assert.ErrorIs(t, store.Delete(ctx, "r1"), vector.ErrNotFound)
}

func TestStoreSearchSimilar(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.Upsert(ctx, doc("exact", "owner-1", memory.TierShortTerm, now, []float32{1, 0})))
	require.NoError(t, store.Upsert(ctx, doc("close", "owner-1", memory.TierShortTerm, now, []float32{0.9, 0.1})))
	require.NoError(t, store.Upsert(ctx, doc("far", "owner-1", memory.TierShortTerm, now, []float32{0, 1})))
	require.NoError(t, store.Upsert(ctx, doc("novec", "owner-1", memory.TierShortTerm, now, nil)))

	results, err := store.SearchSimilar(ctx, []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].Document.ID)
	assert.Equal(t, "close", results[1].Document.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestVectorCodec(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		vec := []float32{0, 1, -1, 0.123456, 3.4e38}
		assert.Equal(t, vec, decodeVector(encodeVector(vec)))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, encodeVector(nil))
		assert.Nil(t, decodeVector(nil))
	})
}
