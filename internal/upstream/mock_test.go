package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockClientQueryFiltersBySince(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	all, err := m.Query(ctx, Query{Table: "incident", Since: time.Now().Add(-100 * time.Hour), Limit: 50})
	require.NoError(t, err)
	require.NotEmpty(t, all)

	recent, err := m.Query(ctx, Query{Table: "incident", Since: time.Now().Add(-12 * time.Hour), Limit: 50})
	require.NoError(t, err)
	require.Less(t, len(recent), len(all))
}

func TestMockClientCreateThenGet(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	created, err := m.Create(ctx, "incident", Record{"short_description": "new issue"})
	require.NoError(t, err)
	sysID := SysID(created)
	require.Len(t, sysID, 32)

	fetched, err := m.Get(ctx, "incident", sysID)
	require.NoError(t, err)
	require.Equal(t, "new issue", fetched["short_description"])
}

func TestMockClientGetMissingReturnsNotFound(t *testing.T) {
	m := NewMock()
	_, err := m.Get(context.Background(), "incident", "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMockClientUpdateBumpsSysUpdatedOn(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	created, err := m.Create(ctx, "incident", Record{"short_description": "x"})
	require.NoError(t, err)
	sysID := SysID(created)

	before, _ := SysUpdatedOn(created)
	time.Sleep(5 * time.Millisecond)

	updated, err := m.Update(ctx, "incident", sysID, Record{"state": "2"})
	require.NoError(t, err)
	after, ok := SysUpdatedOn(updated)
	require.True(t, ok)
	require.True(t, after.After(before) || after.Equal(before))
}
