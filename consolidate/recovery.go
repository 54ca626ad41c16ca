package consolidate

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

// RecoveryReport summarizes one recovery scan.
type RecoveryReport struct {
	Scanned    int
	Finalized  int
	RolledBack int
}

// Recover scans for consolidated memories left pending by a crash between
// the two persistence phases and repairs each one: when every source record
// still exists and is not claimed by another consolidation, the pending one
// is completed (sources flagged, pending cleared); otherwise it is rolled
// back (its own flags released, pending record deleted). Either way the
// store ends in a consistent state with at most one live consolidation per
// source.
func (e *Engine) Recover(ctx context.Context, ownerID string) (*RecoveryReport, error) {
	pending := true
	recordType := memory.RecordTypeConsolidated
	filter := &vector.BrowseFilter{
		OwnerID:    &ownerID,
		RecordType: &recordType,
		Pending:    &pending,
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	docs, err := e.store.QueryByMetadata(storeCtx, filter, e.cfg.BrowseLimit)
	cancel()
	if err != nil {
		return nil, errors.Wrapf(ErrStoreUnavailable, "recovery scan: %v", err)
	}

	report := &RecoveryReport{Scanned: len(docs)}
	for _, doc := range docs {
		cm, err := memory.ConsolidatedFromMetadata(doc.ID, doc.Vector, doc.Metadata)
		if err != nil {
			slog.Warn("skipping malformed pending record", "id", doc.ID, "error", err)
			continue
		}
		if err := e.recoverPending(ctx, cm, report); err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			slog.Error("recovery of pending record failed", "id", cm.ID, "error", err)
		}
	}
	return report, nil
}

func (e *Engine) recoverPending(ctx context.Context, cm *memory.ConsolidatedMemory, report *RecoveryReport) error {
	var unflagged []string
	var flagged []string
	complete := true

	for _, sourceID := range cm.SourceIDs {
		storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		doc, err := e.store.Get(storeCtx, sourceID)
		cancel()
		if errors.Is(err, vector.ErrNotFound) {
			slog.Warn("pending record references missing source", "id", cm.ID, "source", sourceID)
			complete = false
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "load source %s", sourceID)
		}

		rec, err := memory.RecordFromMetadata(doc.ID, doc.Vector, doc.Metadata)
		if err != nil {
			slog.Warn("pending record references malformed source", "id", cm.ID, "source", sourceID, "error", err)
			complete = false
			continue
		}
		switch {
		case rec.Consolidated && rec.ConsolidatedInto == cm.ID:
			flagged = append(flagged, sourceID)
		case rec.Consolidated:
			// A later run already consolidated this source elsewhere. The
			// pending record lost the race and must not be finalized over
			// the live one; its rollback also must not touch this flag.
			slog.Warn("pending record source claimed by another consolidation",
				"id", cm.ID, "source", sourceID, "claimed_by", rec.ConsolidatedInto)
			complete = false
		default:
			unflagged = append(unflagged, sourceID)
		}
	}

	if complete {
		// Finalize: flag the stragglers, then clear the pending marker.
		for _, sourceID := range unflagged {
			patch := map[string]any{
				memory.KeyConsolidated:     true,
				memory.KeyConsolidatedInto: cm.ID,
			}
			if err := e.updateWithTimeout(ctx, sourceID, patch); err != nil {
				return errors.Wrapf(err, "finalize: flag source %s", sourceID)
			}
		}
		if err := e.updateWithTimeout(ctx, cm.ID, map[string]any{memory.KeyPending: false}); err != nil {
			return errors.Wrapf(err, "finalize: clear pending on %s", cm.ID)
		}
		slog.Info("finalized pending consolidation", "id", cm.ID, "sources", len(cm.SourceIDs))
		report.Finalized++
		return nil
	}

	// Roll back: release the sources that were already flagged, then drop
	// the orphaned consolidated record.
	for _, sourceID := range flagged {
		patch := map[string]any{
			memory.KeyConsolidated:     false,
			memory.KeyConsolidatedInto: "",
		}
		if err := e.updateWithTimeout(ctx, sourceID, patch); err != nil {
			return errors.Wrapf(err, "rollback: unflag source %s", sourceID)
		}
	}
	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	err := e.store.Delete(storeCtx, cm.ID)
	cancel()
	if err != nil && !errors.Is(err, vector.ErrNotFound) {
		return errors.Wrapf(err, "rollback: delete orphan %s", cm.ID)
	}
	slog.Info("rolled back orphaned consolidation", "id", cm.ID)
	report.RolledBack++
	return nil
}

func (e *Engine) updateWithTimeout(ctx context.Context, id string, patch map[string]any) error {
	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.store.UpdateMetadata(storeCtx, id, patch)
}
