package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fiffu/campwatch/lib/availability"
	"github.com/fiffu/campwatch/lib/models"
	"github.com/fiffu/campwatch/lib/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *Registry {
	db := testdb.New(t)
	return New(db, zaptest.NewLogger(t), DefaultPolicy()).WithClock(func() time.Time { return t0 })
}

// complete claims the job for a test poller and reports outcome for it.
func complete(t *testing.T, r *Registry, campgroundID string, outcome Outcome) (*models.PollingJob, error) {
	require.NoError(t, r.db.Model(&models.PollingJob{}).
		Where("campground_id = ?", campgroundID).
		Updates(map[string]any{"is_being_polled": true, "claimed_by": "tester", "claimed_at": t0}).Error)
	return r.Complete(context.Background(), campgroundID, "tester", outcome, t0)
}

func TestRegistry_DemandHooks(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.OnRequestCreated(ctx, "232447"))
	job, err := r.Get(ctx, "232447")
	require.NoError(t, err)
	assert.Equal(t, 1, job.ActiveScanCount)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, 15, job.PollFrequencyMinutes)
	assert.True(t, job.NextPollAt.Equal(t0), "new jobs are due immediately")

	require.NoError(t, r.OnRequestCreated(ctx, "232447"))
	job, _ = r.Get(ctx, "232447")
	assert.Equal(t, 2, job.ActiveScanCount)
	assert.Equal(t, 8, job.PollFrequencyMinutes)

	require.NoError(t, r.OnStatusChanged(ctx, "232447", "active", "paused"))
	require.NoError(t, r.OnStatusChanged(ctx, "232447", "paused", "cancelled"))
	job, _ = r.Get(ctx, "232447")
	assert.Equal(t, 1, job.ActiveScanCount, "only leaving active decrements")

	require.NoError(t, r.OnDeleted(ctx, "232447", "paused"))
	require.NoError(t, r.OnDeleted(ctx, "232447", "active"))
	require.NoError(t, r.OnRequestRemoved(ctx, "232447"))
	job, _ = r.Get(ctx, "232447")
	assert.Equal(t, 0, job.ActiveScanCount, "demand is floored at zero")

	require.NoError(t, r.OnRequestRemoved(ctx, "unknown"))
}

func TestRegistry_DemandPullsNextPollForward(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.OnRequestCreated(ctx, "c1"))
	job, err := complete(t, r, "c1", Outcome{Kind: OutcomeSuccess})
	require.NoError(t, err)
	assert.True(t, job.NextPollAt.Equal(t0.Add(15*time.Minute)))

	require.NoError(t, r.OnRequestCreated(ctx, "c1"))
	job, _ = r.Get(ctx, "c1")
	assert.True(t, job.NextPollAt.Equal(t0.Add(8*time.Minute)), "got %s", job.NextPollAt)
}

func TestRegistry_BackoffScenario(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.OnRequestCreated(ctx, "c1"))

	failure := Outcome{Kind: OutcomeTransient, Err: errors.New("upstream timeout")}
	for i, want := range []int{15, 30, 60, 120, 240, 240} {
		job, err := complete(t, r, "c1", failure)
		require.NoError(t, err)
		assert.Equal(t, i+1, job.ConsecutiveErrors)
		assert.Equal(t, want, job.PollFrequencyMinutes, "after %d failures", i+1)
		assert.True(t, job.NextPollAt.Equal(t0.Add(time.Duration(want)*time.Minute)))
		assert.Equal(t, "upstream timeout", job.LastError)
		assert.False(t, job.LastPolled.Valid)
	}

	job, err := complete(t, r, "c1", Outcome{Kind: OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, 0, job.ConsecutiveErrors)
	assert.Equal(t, 15, job.PollFrequencyMinutes)
	assert.Empty(t, job.LastError)
	assert.True(t, job.LastPolled.Valid)
}

func TestRegistry_BackoffByErrorKind(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.OnRequestCreated(ctx, "limited"))
	require.NoError(t, r.OnRequestCreated(ctx, "gone"))

	job, err := complete(t, r, "limited", OutcomeFromError(&availability.SourceError{Kind: availability.KindRateLimited}))
	require.NoError(t, err)
	assert.Equal(t, 60, job.PollFrequencyMinutes)

	job, err = complete(t, r, "gone", OutcomeFromError(&availability.SourceError{Kind: availability.KindNotFound}))
	require.NoError(t, err)
	assert.Equal(t, 240, job.PollFrequencyMinutes)
}

func TestRegistry_DueOrdering(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c", "idle"} {
		require.NoError(t, r.OnRequestCreated(ctx, id))
	}
	require.NoError(t, r.OnRequestRemoved(ctx, "idle"))
	require.NoError(t, r.SetPriority(ctx, "c", 3))
	require.NoError(t, r.ForcePoll(ctx, "a", t0.Add(-time.Minute)))

	// b is not due yet
	_, err := complete(t, r, "b", Outcome{Kind: OutcomeSuccess})
	require.NoError(t, err)

	jobs, err := r.Due(ctx, t0, 10)
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.CampgroundID
	}
	assert.Equal(t, []string{"c", "a"}, ids)

	jobs, err = r.Due(ctx, t0, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = r.Due(ctx, t0, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRegistry_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.OnRequestCreated(ctx, "c1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := r.Claim(ctx, "c1", fmt.Sprintf("worker-%d", i), t0)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	jobs, err := r.Due(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "claimed jobs are not due")

	job, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, "c1", job.ClaimedBy))
	won, err := r.Claim(ctx, "c1", "again", t0)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRegistry_StaleClaimIsReclaimed(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.OnRequestCreated(ctx, "c1"))

	won, err := r.Claim(ctx, "c1", "crashed", t0)
	require.NoError(t, err)
	require.True(t, won)

	later := t0.Add(11 * time.Minute)
	jobs, err := r.Due(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	won, err = r.Claim(ctx, "c1", "rescuer", later)
	require.NoError(t, err)
	assert.True(t, won)

	job, _ := r.Get(ctx, "c1")
	assert.Equal(t, "rescuer", job.ClaimedBy)

	// The original poller finishing late must not clear or reschedule the rescuer's claim.
	_, err = r.Complete(ctx, "c1", "crashed", Outcome{Kind: OutcomeSuccess}, later)
	assert.ErrorIs(t, err, ErrClaimLost)
	require.NoError(t, r.Release(ctx, "c1", "crashed"))

	job, _ = r.Get(ctx, "c1")
	assert.True(t, job.IsBeingPolled)
	assert.Equal(t, "rescuer", job.ClaimedBy)
	assert.False(t, job.LastPolled.Valid)
	assert.True(t, job.NextPollAt.Equal(t0))

	job, err = r.Complete(ctx, "c1", "rescuer", Outcome{Kind: OutcomeSuccess}, later)
	require.NoError(t, err)
	assert.False(t, job.IsBeingPolled)
	assert.Empty(t, job.ClaimedBy)
	assert.True(t, job.LastPolled.Valid)
}

func TestRegistry_AdminOperations(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.OnRequestCreated(ctx, "c1"))
	require.NoError(t, r.OnRequestCreated(ctx, "c2"))
	_, err := complete(t, r, "c2", Outcome{Kind: OutcomeTransient})
	require.NoError(t, err)

	assert.ErrorIs(t, r.ForcePoll(ctx, "missing", t0), ErrJobNotFound)
	assert.ErrorIs(t, r.SetPriority(ctx, "missing", 2), ErrJobNotFound)
	assert.ErrorIs(t, r.SetPriority(ctx, "c1", 0), ErrInvalidPriority)

	jobs, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Jobs)
	assert.Equal(t, int64(2), stats.Active)
	assert.Equal(t, int64(1), stats.Erroring)
	assert.Equal(t, int64(0), stats.BeingPolled)
	require.NotNil(t, stats.NextPollAt)
	assert.True(t, stats.NextPollAt.Equal(t0))
}
