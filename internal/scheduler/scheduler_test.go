package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/nexusops/ticketsync/internal/queue"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q := queue.New(queue.Config{Addr: mr.Addr()}, nil, nil)
	s := New(Config{RedisAddr: mr.Addr(), Tick: time.Hour}, q, nil, nil)
	return s, q
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.Schedule(context.Background(), ScheduledJob{
		Name: "bad", Cron: "*/x * * * *", JobType: queue.JobDataSync, Enabled: true,
	})
	require.ErrorIs(t, err, ErrInvalidCron)
}

func TestScheduleComputesNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	id, err := s.Schedule(context.Background(), ScheduledJob{
		Name: "every-5", Cron: "*/5 * * * *", JobType: queue.JobDataSync, Enabled: true,
	})
	require.NoError(t, err)

	sj, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sj.NextRun)
	require.True(t, sj.NextRun.After(time.Now().UTC()))
}

func TestTriggerMaterializesJobAndRecomputesNextRun(t *testing.T) {
	s, q := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.Schedule(ctx, ScheduledJob{
		Name: "hourly", Cron: "0 * * * *", JobType: queue.JobReport, Enabled: true,
	})
	require.NoError(t, err)

	jobID, err := s.Trigger(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, queue.JobReport, job.Type)
	require.Equal(t, id, job.Metadata.ParentID)

	sj, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), sj.RunCount)
	require.NotNil(t, sj.LastRun)

	hist := s.History(id)
	require.Len(t, hist, 1)
	require.True(t, hist[0].Success)
}

func TestSetEnabledFalseClearsNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.Schedule(ctx, ScheduledJob{
		Name: "daily", Cron: "0 0 * * *", JobType: queue.JobBackup, Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.SetEnabled(ctx, id, false))

	sj, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, sj.Enabled)
	require.Nil(t, sj.NextRun)
}

func TestUnscheduleRemovesEntry(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.Schedule(ctx, ScheduledJob{
		Name: "once", Cron: "* * * * *", JobType: queue.JobCleanup, Enabled: false,
	})
	require.NoError(t, err)

	require.NoError(t, s.Unschedule(ctx, id))

	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}
