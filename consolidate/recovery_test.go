package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/memtier/embedding"
	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

// TestRecoverFinalizesAfterCrash simulates a crash between the pending write
// and the source flagging, then verifies Recover completes the consolidation.
func TestRecoverFinalizesAfterCrash(t *testing.T) {
	ctx := context.Background()
	store := vector.NewMockService()
	engine := newTestEngine(t, store, embedding.NewMockService(8))

	similar := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	a := seedRecord(t, store, "Revenue note one about the quarter.", 48*time.Hour, similar)
	b := seedRecord(t, store, "Revenue note two about the quarter.", 48*time.Hour, similar)

	// Phase 1 (pending upsert) succeeds; phase 2 (metadata updates) fails.
	store.UpdateMetadataHook = func(string) error {
		return errors.New("simulated crash")
	}

	report, err := engine.Consolidate(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ConsolidationsPerformed)
	require.Equal(t, 3, store.Len(), "pending record was written before the crash")

	// The store is back; run recovery.
	store.UpdateMetadataHook = nil

	recovery, err := engine.Recover(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, recovery.Scanned)
	assert.Equal(t, 1, recovery.Finalized)
	assert.Equal(t, 0, recovery.RolledBack)

	t.Run("sources are flagged", func(t *testing.T) {
		for _, id := range []string{a.ID, b.ID} {
			doc, err := store.Get(ctx, id)
			require.NoError(t, err)
			rec, err := memory.RecordFromMetadata(doc.ID, doc.Vector, doc.Metadata)
			require.NoError(t, err)
			assert.True(t, rec.Consolidated)
			assert.NotEmpty(t, rec.ConsolidatedInto)
		}
	})

	t.Run("pending marker is cleared", func(t *testing.T) {
		pending := true
		recordType := memory.RecordTypeConsolidated
		docs, err := store.QueryByMetadata(ctx, &vector.BrowseFilter{
			RecordType: &recordType,
			Pending:    &pending,
		}, 0)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("second scan finds nothing", func(t *testing.T) {
		again, err := engine.Recover(ctx, testOwner)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Scanned)
	})
}

// TestRecoverRollsBackOrphan covers a pending record whose source set can no
// longer be completed: the orphan is deleted and flagged sources released.
func TestRecoverRollsBackOrphan(t *testing.T) {
	ctx := context.Background()
	store := vector.NewMockService()
	engine := newTestEngine(t, store, embedding.NewMockService(8))

	survivor := seedRecord(t, store, "Revenue note that survived.", 48*time.Hour, []float32{1, 0, 0, 0, 0, 0, 0, 0})

	// Hand-craft the crash leftover: a pending consolidated record that
	// references a source which no longer exists, with the surviving source
	// already flagged.
	cm := memory.NewConsolidatedMemory(testOwner, memory.TierMediumTerm)
	cm.SourceIDs = []string{survivor.ID, "vanished-record"}
	cm.Content = "Compressed revenue notes."
	cm.Pending = true
	require.NoError(t, store.Upsert(ctx, vector.Document{
		ID: cm.ID, Vector: []float32{1, 0, 0, 0, 0, 0, 0, 0}, Metadata: cm.ToMetadata(),
	}))
	require.NoError(t, store.UpdateMetadata(ctx, survivor.ID, map[string]any{
		memory.KeyConsolidated:     true,
		memory.KeyConsolidatedInto: cm.ID,
	}))

	recovery, err := engine.Recover(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, recovery.Scanned)
	assert.Equal(t, 0, recovery.Finalized)
	assert.Equal(t, 1, recovery.RolledBack)

	t.Run("orphan is deleted", func(t *testing.T) {
		_, err := store.Get(ctx, cm.ID)
		assert.ErrorIs(t, err, vector.ErrNotFound)
	})

	t.Run("survivor is released for future consolidation", func(t *testing.T) {
		doc, err := store.Get(ctx, survivor.ID)
		require.NoError(t, err)
		rec, err := memory.RecordFromMetadata(doc.ID, doc.Vector, doc.Metadata)
		require.NoError(t, err)
		assert.False(t, rec.Consolidated)
		assert.Empty(t, rec.ConsolidatedInto)
	})
}

// TestRecoverRollsBackSupersededPending covers the race where a crash leaves
// a pending record and a later run consolidates the same sources before
// recovery gets to them: the stale pending record must be rolled back, and
// the live consolidation's flags must survive untouched.
func TestRecoverRollsBackSupersededPending(t *testing.T) {
	ctx := context.Background()
	store := vector.NewMockService()
	engine := newTestEngine(t, store, embedding.NewMockService(8))

	similar := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	a := seedRecord(t, store, "Revenue note one about the quarter.", 48*time.Hour, similar)
	b := seedRecord(t, store, "Revenue note two about the quarter.", 48*time.Hour, similar)

	// First run crashes after the pending write, before any source is
	// flagged.
	store.UpdateMetadataHook = func(string) error {
		return errors.New("simulated crash")
	}
	report, err := engine.Consolidate(ctx, testOwner)
	require.NoError(t, err)
	require.Equal(t, 0, report.ConsolidationsPerformed)

	// The store comes back and a second run wins the sources.
	store.UpdateMetadataHook = nil
	rerun, err := engine.Consolidate(ctx, testOwner)
	require.NoError(t, err)
	require.Equal(t, 1, rerun.ConsolidationsPerformed)
	winner := rerun.NewMemoryIDs[0]

	recovery, err := engine.Recover(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, recovery.Scanned)
	assert.Equal(t, 0, recovery.Finalized, "a superseded pending record must never finalize")
	assert.Equal(t, 1, recovery.RolledBack)

	t.Run("only the winning consolidation survives", func(t *testing.T) {
		notPending := false
		recordType := memory.RecordTypeConsolidated
		docs, err := store.QueryByMetadata(ctx, &vector.BrowseFilter{
			RecordType: &recordType,
			Pending:    &notPending,
		}, 0)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, winner, docs[0].ID)
	})

	t.Run("source flags still point at the winner", func(t *testing.T) {
		for _, id := range []string{a.ID, b.ID} {
			doc, err := store.Get(ctx, id)
			require.NoError(t, err)
			rec, err := memory.RecordFromMetadata(doc.ID, doc.Vector, doc.Metadata)
			require.NoError(t, err)
			assert.True(t, rec.Consolidated)
			assert.Equal(t, winner, rec.ConsolidatedInto)
		}
	})
}

// TestRecoverIgnoresSettledRecords ensures a completed consolidation is never
// touched by a recovery scan.
func TestRecoverIgnoresSettledRecords(t *testing.T) {
	ctx := context.Background()
	store := vector.NewMockService()
	engine := newTestEngine(t, store, embedding.NewMockService(8))

	similar := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	seedRecord(t, store, "Revenue note one about the quarter.", 48*time.Hour, similar)
	seedRecord(t, store, "Revenue note two about the quarter.", 48*time.Hour, similar)

	report, err := engine.Consolidate(ctx, testOwner)
	require.NoError(t, err)
	require.Equal(t, 1, report.ConsolidationsPerformed)

	recovery, err := engine.Recover(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 0, recovery.Scanned)
}
