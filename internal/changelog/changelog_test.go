package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return New(Config{Addr: mr.Addr()}, nil, nil)
}

func TestAppendThenReadDelivers(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.RegisterConsumer(ctx, "incident", "sync-engine"))

	_, err := l.Append(ctx, "incident", ChangeEvent{SysID: "abc", Table: "incident", Kind: "updated", Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	entries, err := l.Read(ctx, "incident", "sync-engine", "consumer-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "abc", entries[0].Event.SysID)
}

func TestAckRemovesFromPending(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.RegisterConsumer(ctx, "incident", "fanout"))

	_, err := l.Append(ctx, "incident", ChangeEvent{SysID: "xyz", Table: "incident"})
	require.NoError(t, err)

	entries, err := l.Read(ctx, "incident", "fanout", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	pendingBefore, err := l.Pending(ctx, "incident", "fanout")
	require.NoError(t, err)
	require.Equal(t, int64(1), pendingBefore)

	require.NoError(t, l.Ack(ctx, "incident", "fanout", entries[0].ID))

	pendingAfter, err := l.Pending(ctx, "incident", "fanout")
	require.NoError(t, err)
	require.Equal(t, int64(0), pendingAfter)
}

func TestRegisterConsumerIdempotent(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.RegisterConsumer(ctx, "change_task", "g"))
	require.NoError(t, l.RegisterConsumer(ctx, "change_task", "g"))
}
