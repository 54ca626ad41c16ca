// Package consolidate implements the tiered memory consolidation engine:
// rule evaluation, importance scoring, similarity clustering,
// keyword-preserving compression, and crash-safe two-phase persistence.
package consolidate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memtier/embedding"
	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

// Config configures the engine.
type Config struct {
	// Rules are evaluated in declaration order on every run.
	Rules []memory.Rule

	// BrowseLimit caps the eligibility query. Candidates beyond the cap are
	// deferred to a later pass (hard truncation, newest first).
	BrowseLimit int

	// SimilarityThreshold is the minimum cosine similarity for clustering.
	SimilarityThreshold float64

	// MaxRetries bounds per-group store retries on transient failures.
	MaxRetries int

	// RetryBackoff is the base delay between retries (grows linearly).
	RetryBackoff time.Duration

	// EmbedTimeout bounds a single embedding-provider call.
	EmbedTimeout time.Duration

	// StoreTimeout bounds a single vector-store call.
	StoreTimeout time.Duration
}

// DefaultConfig returns sensible engine defaults.
func DefaultConfig() Config {
	return Config{
		Rules:               memory.DefaultRules(),
		BrowseLimit:         1000,
		SimilarityThreshold: DefaultSimilarityThreshold,
		MaxRetries:          3,
		RetryBackoff:        200 * time.Millisecond,
		EmbedTimeout:        15 * time.Second,
		StoreTimeout:        10 * time.Second,
	}
}

// Report summarizes one Consolidate run.
type Report struct {
	ConsolidationsPerformed int
	MemoriesProcessed       int
	CompressionAchieved     float64
	NewMemoryIDs            []string
}

// Engine applies consolidation rules for an owner against the vector store,
// routing all embedding work through the caching embedder.
type Engine struct {
	store    vector.Service
	embedder embedding.Service
	cfg      Config
	stats    *statsCounter

	scheduler *Scheduler

	// running suppresses overlapping runs for the same owner.
	running sync.Map
}

// NewEngine validates the configuration and builds an engine. The embedder
// should normally be an embedding.CachedService so repeated compression of
// the same content stays cheap.
func NewEngine(store vector.Service, embedder embedding.Service, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if embedder == nil {
		return nil, errors.New("embedding service is required")
	}
	if cfg.BrowseLimit <= 0 {
		cfg.BrowseLimit = 1000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 15 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	for _, rule := range cfg.Rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		stats:    newStatsCounter(),
	}
	e.scheduler = newScheduler(e)
	return e, nil
}

// Close stops the engine's scheduler. In-flight runs finish on their own.
func (e *Engine) Close() {
	e.scheduler.stop()
}

// GetStats returns a snapshot of the process-wide counters.
func (e *Engine) GetStats() Stats {
	return e.stats.snapshot()
}

// Consolidate evaluates every configured rule for the owner and returns a
// report. Failures of individual records or groups are logged and reduce the
// report's coverage; a store failure on a rule's eligibility query aborts
// that rule only.
func (e *Engine) Consolidate(ctx context.Context, ownerID string) (*Report, error) {
	report := &Report{}

	for _, rule := range e.cfg.Rules {
		if err := e.applyRule(ctx, ownerID, rule, report); err != nil {
			if ctx.Err() != nil {
				finalizeReport(report)
				return report, err
			}
			slog.Error("rule evaluation aborted", "rule", rule.Name, "owner", ownerID, "error", err)
		}
	}

	finalizeReport(report)
	e.stats.record(report)
	return report, nil
}

func (e *Engine) applyRule(ctx context.Context, ownerID string, rule memory.Rule, report *Report) error {
	eligible, err := e.fetchEligible(ctx, ownerID, rule)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return nil
	}

	now := time.Now()
	var candidates []*memory.Record
	for _, rec := range eligible {
		if ImportanceScore(rec.Importance, rec.Age(now)) >= rule.ImportanceThreshold {
			candidates = append(candidates, rec)
		}
	}

	candidates = e.ensureEmbeddings(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return err
	}
	report.MemoriesProcessed += len(candidates)

	groups := clusterBySimilarity(candidates, e.cfg.SimilarityThreshold)
	slog.Info("rule evaluated", "rule", rule.Name, "owner", ownerID,
		"eligible", len(eligible), "candidates", len(candidates), "groups", len(groups))

	for _, group := range groups {
		cm, err := e.consolidateGroup(ctx, ownerID, rule, group)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Error("group consolidation skipped", "rule", rule.Name, "owner", ownerID,
				"group_size", len(group), "error", err)
			continue
		}
		report.ConsolidationsPerformed++
		report.NewMemoryIDs = append(report.NewMemoryIDs, cm.ID)
	}
	return nil
}

// fetchEligible browses the store for non-consolidated records in the rule's
// source tier that have aged past the threshold. This is a metadata browse,
// not a similarity search.
func (e *Engine) fetchEligible(ctx context.Context, ownerID string, rule memory.Rule) ([]*memory.Record, error) {
	cutoff := time.Now().Add(-rule.AgeThreshold)
	tier := string(rule.SourceTier)
	recordType := memory.RecordTypeMemory
	notConsolidated := false
	filter := &vector.BrowseFilter{
		OwnerID:       &ownerID,
		RecordType:    &recordType,
		Tier:          &tier,
		Consolidated:  &notConsolidated,
		CreatedBefore: &cutoff,
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	docs, err := e.store.QueryByMetadata(storeCtx, filter, e.cfg.BrowseLimit)
	if err != nil {
		return nil, errors.Wrapf(ErrStoreUnavailable, "eligibility query for rule %q: %v", rule.Name, err)
	}
	if len(docs) >= e.cfg.BrowseLimit {
		slog.Warn("eligibility query hit cap, oldest candidates deferred to a later pass",
			"rule", rule.Name, "owner", ownerID, "cap", e.cfg.BrowseLimit)
	}

	records := make([]*memory.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := memory.RecordFromMetadata(doc.ID, doc.Vector, doc.Metadata)
		if err != nil {
			slog.Warn("skipping malformed record", "id", doc.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ensureEmbeddings fills missing embeddings via the caching embedder and
// returns only the records that have one. A batch call is tried first; on
// failure each record is embedded individually so a single timeout skips one
// record instead of the whole rule pass.
func (e *Engine) ensureEmbeddings(ctx context.Context, records []*memory.Record) []*memory.Record {
	var missing []*memory.Record
	for _, rec := range records {
		if len(rec.Embedding) == 0 {
			missing = append(missing, rec)
		}
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, rec := range missing {
			texts[i] = rec.Content
		}

		batchCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout*time.Duration(len(missing)))
		vectors, err := e.embedder.EmbedBatch(batchCtx, texts)
		cancel()

		if err == nil {
			for i, vec := range vectors {
				missing[i].Embedding = vec
			}
		} else if ctx.Err() == nil {
			slog.Warn("batch embedding failed, retrying per record", "count", len(missing), "error", err)
			for _, rec := range missing {
				embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
				vec, err := e.embedder.Embed(embedCtx, rec.Content)
				cancel()
				if err != nil {
					slog.Warn("embedding failed, record skipped for this pass", "id", rec.ID, "error", err)
					continue
				}
				rec.Embedding = vec
			}
		}
	}

	embedded := make([]*memory.Record, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) > 0 {
			embedded = append(embedded, rec)
		}
	}
	return embedded
}

// consolidateGroup builds, embeds, and persists one consolidated memory.
func (e *Engine) consolidateGroup(ctx context.Context, ownerID string, rule memory.Rule, group []*memory.Record) (*memory.ConsolidatedMemory, error) {
	cm := buildConsolidatedMemory(ownerID, rule, group)

	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	vec, err := e.embedder.Embed(embedCtx, cm.Content)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, "embed consolidated content")
	}
	cm.Embedding = vec

	if err := e.persistGroup(ctx, cm, group); err != nil {
		return nil, err
	}
	return cm, nil
}

// buildConsolidatedMemory compresses a group into one artifact. Members are
// concatenated in input order with paragraph breaks; the importance score is
// the arithmetic mean of the members' scores.
func buildConsolidatedMemory(ownerID string, rule memory.Rule, group []*memory.Record) *memory.ConsolidatedMemory {
	contents := make([]string, len(group))
	sourceIDs := make([]string, len(group))
	var totalImportance float64
	now := time.Now()

	for i, rec := range group {
		contents[i] = rec.Content
		sourceIDs[i] = rec.ID
		totalImportance += ImportanceScore(rec.Importance, rec.Age(now))
	}
	concatenated := strings.Join(contents, "\n\n")

	cm := memory.NewConsolidatedMemory(ownerID, rule.TargetTier)
	cm.SourceIDs = sourceIDs
	cm.Content = compressContent(concatenated, rule.CompressionRatio, rule.PreserveKeywords)
	cm.Summary = buildSummary(cm.Content, rule.PreserveKeywords)
	cm.KeyPoints = extractKeyPoints(concatenated, rule.PreserveKeywords)
	cm.ImportanceScore = totalImportance / float64(len(group))
	cm.Pending = true
	return cm
}

// persistGroup writes the consolidated memory and tombstones its sources as
// one logical unit: the new record lands first tagged pending, then every
// source is flagged, then the pending marker is cleared. A crash at any point
// leaves a pending record that Recover can finalize or roll back.
func (e *Engine) persistGroup(ctx context.Context, cm *memory.ConsolidatedMemory, group []*memory.Record) error {
	doc := vector.Document{ID: cm.ID, Vector: cm.Embedding, Metadata: cm.ToMetadata()}
	err := withRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, func() error {
		storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
		return e.store.Upsert(storeCtx, doc)
	})
	if err != nil {
		return errors.Wrapf(err, "write pending consolidated memory %s", cm.ID)
	}

	for _, rec := range group {
		patch := map[string]any{
			memory.KeyConsolidated:     true,
			memory.KeyConsolidatedInto: cm.ID,
		}
		err := withRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, func() error {
			storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
			defer cancel()
			return e.store.UpdateMetadata(storeCtx, rec.ID, patch)
		})
		if err != nil {
			return errors.Wrapf(err, "flag source %s (pending record %s awaits recovery)", rec.ID, cm.ID)
		}
	}

	err = withRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, func() error {
		storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
		return e.store.UpdateMetadata(storeCtx, cm.ID, map[string]any{memory.KeyPending: false})
	})
	if err != nil {
		return errors.Wrapf(err, "clear pending marker on %s (awaits recovery)", cm.ID)
	}

	cm.Pending = false
	return nil
}

func finalizeReport(r *Report) {
	if r.MemoriesProcessed > 0 {
		r.CompressionAchieved = 1 - float64(r.ConsolidationsPerformed)/float64(r.MemoriesProcessed)
	}
}
