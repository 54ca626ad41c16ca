package consolidate

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/memtier/embedding"
	"github.com/hrygo/memtier/vector"
)

func TestScheduleRunsPeriodically(t *testing.T) {
	store := vector.NewMockService()
	var queries atomic.Int32
	store.QueryHook = func() error {
		queries.Add(1)
		return nil
	}
	engine := newTestEngine(t, store, embedding.NewMockService(8))

	// cron rounds sub-second intervals up to one second.
	jobID, err := engine.Schedule(testOwner, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	assert.Eventually(t, func() bool {
		return queries.Load() > 0
	}, 5*time.Second, 20*time.Millisecond, "scheduled run should query the store")

	assert.True(t, engine.Unschedule(jobID))
	assert.False(t, engine.Unschedule(jobID), "second removal reports unknown job")
}

func TestScheduleRejectsBadInterval(t *testing.T) {
	engine := newTestEngine(t, vector.NewMockService(), embedding.NewMockService(8))

	_, err := engine.Schedule(testOwner, 0)
	assert.Error(t, err)
	_, err = engine.Schedule(testOwner, -time.Second)
	assert.Error(t, err)
}

func TestScheduleIndependentJobs(t *testing.T) {
	engine := newTestEngine(t, vector.NewMockService(), embedding.NewMockService(8))

	first, err := engine.Schedule("owner-a", time.Hour)
	require.NoError(t, err)
	second, err := engine.Schedule("owner-b", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.True(t, engine.Unschedule(first))
	assert.True(t, engine.Unschedule(second))
}

func TestUnscheduleUnknownJob(t *testing.T) {
	engine := newTestEngine(t, vector.NewMockService(), embedding.NewMockService(8))
	assert.False(t, engine.Unschedule("never-registered"))
}
