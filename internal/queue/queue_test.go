package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return New(Config{Addr: mr.Addr()}, nil, nil)
}

func TestEnqueueClaimFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	idA, err := q.Enqueue(ctx, JobDataSync, nil, EnqueueOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	idB, err := q.Enqueue(ctx, JobDataSync, nil, EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	idC, err := q.Enqueue(ctx, JobDataSync, nil, EnqueueOptions{Priority: PriorityNormal})
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, idB, first.ID)

	second, err := q.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, idA, second.ID)

	third, err := q.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, idC, third.ID)
}

func TestClaimNextIdleReturnsNil(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.ClaimNext(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestCompleteSetsTerminalState(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobReport, nil, EnqueueOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id, map[string]interface{}{"rows": 10}))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)

	err = q.Complete(ctx, id, nil)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestReapStaleLeasesRequeues(t *testing.T) {
	q := newTestQueue(t)
	q.cfg.LeaseDuration = time.Millisecond
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobDataSync, nil, EnqueueOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	reaped, err := q.ReapStaleLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
}

func TestCancelRejectsTerminal(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobCleanup, nil, EnqueueOptions{Priority: PriorityLow})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, id, "operator request"))

	err = q.Cancel(ctx, id, "again")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}
