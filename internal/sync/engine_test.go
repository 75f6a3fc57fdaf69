package sync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/nexusops/ticketsync/internal/changelog"
	"github.com/nexusops/ticketsync/internal/conflict"
	"github.com/nexusops/ticketsync/internal/upstream"
)

func newFakeBackedEngine(t *testing.T) (*Engine, *upstream.MockClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cl := changelog.New(changelog.Config{Addr: mr.Addr()}, nil, nil)
	mc := upstream.NewMock()
	// The engine talks to *store.Store concretely and has no nil-store guard,
	// so these tests build it without a store and only exercise paths that
	// never reach processRecord: conflict memoisation, pruning, and SyncAll's
	// context check.
	return New(mc, nil, cl, nil, nil), mc
}

func TestMemoKeyScopesByTableAndSysID(t *testing.T) {
	require.Equal(t, "incident:aaa", conflict.MemoKey("incident", "aaa"))
}

func TestSyncAllStopsOnCancelledContext(t *testing.T) {
	// An already-cancelled context makes SyncAll return the context error
	// before it syncs the first table.
	e, _ := newFakeBackedEngine(t)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SyncAll(ctx, []string{"incident", "change_task"}, Opts{Policy: conflict.PolicyNewestWins})
	require.Error(t, err)
}

func TestPruneResolvedConflictsClearsResolvedOnly(t *testing.T) {
	e, _ := newFakeBackedEngine(t)
	defer e.Close()

	pending := &conflict.Conflict{SysID: "a", Status: conflict.StatusPending}
	resolved := &conflict.Conflict{SysID: "b", Status: conflict.StatusResolved}
	e.pendingConflicts["incident:a"] = pending
	e.pendingConflicts["incident:b"] = resolved

	e.pruneResolvedConflicts()

	require.Len(t, e.pendingConflicts, 1)
	require.Contains(t, e.pendingConflicts, "incident:a")
}

func TestConflictsReturnsOnlyPending(t *testing.T) {
	e, _ := newFakeBackedEngine(t)
	defer e.Close()

	e.pendingConflicts["incident:a"] = &conflict.Conflict{SysID: "a", Status: conflict.StatusPending}
	e.pendingConflicts["incident:b"] = &conflict.Conflict{SysID: "b", Status: conflict.StatusResolved}

	got := e.Conflicts()
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].SysID)
}

func TestMaxTimePicksLater(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	require.Equal(t, later, maxTime(now, later))
	require.Equal(t, later, maxTime(later, now))
}
