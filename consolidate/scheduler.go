package consolidate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	cron "github.com/robfig/cron/v3"
)

// Schedule registers a recurring background consolidation for the owner and
// returns a job ID for later removal. Registration never blocks; run
// failures are logged and never cancel future runs.
func (e *Engine) Schedule(ownerID string, interval time.Duration) (string, error) {
	return e.scheduler.schedule(ownerID, interval)
}

// Unschedule removes a previously registered job. Returns false when the job
// ID is unknown.
func (e *Engine) Unschedule(jobID string) bool {
	return e.scheduler.unschedule(jobID)
}

// Scheduler drives recurring consolidation runs on a shared cron instance.
type Scheduler struct {
	engine *Engine

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
}

func newScheduler(e *Engine) *Scheduler {
	return &Scheduler{
		engine:  e,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) schedule(ownerID string, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", errors.Errorf("schedule interval must be positive, got %v", interval)
	}

	jobID := uuid.NewString()
	entryID := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.runOwner(ownerID)
	}))

	s.mu.Lock()
	s.entries[jobID] = entryID
	if !s.started {
		s.cron.Start()
		s.started = true
	}
	s.mu.Unlock()

	slog.Info("consolidation scheduled", "owner", ownerID, "interval", interval, "job", jobID)
	return jobID, nil
}

func (s *Scheduler) unschedule(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[jobID]
	if !ok {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.entries, jobID)
	return true
}

// runOwner executes one scheduled run. A run still in flight for the same
// owner suppresses this tick instead of stacking up.
func (s *Scheduler) runOwner(ownerID string) {
	if _, loaded := s.engine.running.LoadOrStore(ownerID, struct{}{}); loaded {
		slog.Warn("previous consolidation still running, tick skipped", "owner", ownerID)
		return
	}
	defer s.engine.running.Delete(ownerID)

	report, err := s.engine.Consolidate(context.Background(), ownerID)
	if err != nil {
		slog.Error("scheduled consolidation failed", "owner", ownerID, "error", err)
		return
	}
	slog.Info("scheduled consolidation complete", "owner", ownerID,
		"performed", report.ConsolidationsPerformed, "processed", report.MemoriesProcessed)
}

// stop halts the cron loop and waits briefly for running jobs.
func (s *Scheduler) stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("scheduler stop timed out waiting for running jobs")
	}
}
