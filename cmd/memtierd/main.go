// memtierd runs recurring memory consolidation for a single owner. All
// configuration comes from MEMTIER_* environment variables; there are no
// flags.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hrygo/memtier/cache"
	"github.com/hrygo/memtier/consolidate"
	"github.com/hrygo/memtier/embedding"
	"github.com/hrygo/memtier/internal/profile"
	"github.com/hrygo/memtier/vector"
	"github.com/hrygo/memtier/vector/chromem"
	"github.com/hrygo/memtier/vector/pgvector"
	"github.com/hrygo/memtier/vector/sqlitevec"
)

func main() {
	prof := profile.FromEnv()
	if err := prof.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ownerID := os.Getenv("MEMTIER_OWNER_ID")
	if ownerID == "" {
		slog.Error("MEMTIER_OWNER_ID is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, prof)
	if err != nil {
		slog.Error("failed to open store", "driver", prof.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	embedder, err := embedding.NewOpenAIService(embedding.ProviderConfig{
		Provider:          prof.EmbeddingProvider,
		Model:             prof.EmbeddingModel,
		Dimensions:        prof.EmbeddingDims,
		APIKey:            prof.EmbeddingAPIKey,
		BaseURL:           prof.EmbeddingBaseURL,
		RequestsPerSecond: prof.EmbeddingRateLimit,
	})
	if err != nil {
		slog.Error("failed to create embedding provider", "error", err)
		os.Exit(1)
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Capacity = prof.CacheCapacity
	cacheCfg.TTL = prof.CacheTTL
	embCache := cache.New(cacheCfg)
	defer embCache.Close()
	cached := embedding.NewCachedService(embedder, embCache)

	engineCfg := consolidate.DefaultConfig()
	engineCfg.SimilarityThreshold = prof.SimilarityThreshold
	engine, err := consolidate.NewEngine(store, cached, engineCfg)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Repair anything a previous run left half-written before scheduling.
	recovery, err := engine.Recover(ctx, ownerID)
	if err != nil {
		slog.Error("startup recovery failed", "error", err)
		os.Exit(1)
	}
	if recovery.Scanned > 0 {
		slog.Info("startup recovery complete",
			"scanned", recovery.Scanned,
			"finalized", recovery.Finalized,
			"rolled_back", recovery.RolledBack)
	}

	jobID, err := engine.Schedule(ownerID, prof.ScheduleInterval)
	if err != nil {
		slog.Error("failed to schedule consolidation", "error", err)
		os.Exit(1)
	}
	slog.Info("memtierd started",
		"owner", ownerID,
		"driver", prof.Driver,
		"interval", prof.ScheduleInterval,
		"job", jobID)

	<-ctx.Done()
	engine.Unschedule(jobID)

	stats := engine.GetStats()
	slog.Info("memtierd stopped",
		"total_consolidations", stats.TotalConsolidations,
		"memories_consolidated", stats.MemoriesConsolidated)
}

func openStore(ctx context.Context, prof *profile.Profile) (vector.Service, error) {
	switch prof.Driver {
	case profile.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return pgvector.New(connectCtx, pgvector.Config{
			DSN:        prof.DSN,
			Dimensions: prof.EmbeddingDims,
		})
	case profile.DriverSQLite:
		return sqlitevec.New(prof.DSN)
	default:
		return chromem.NewPersistent(prof.Data)
	}
}
