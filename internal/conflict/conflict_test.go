package conflict

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusops/ticketsync/internal/upstream"
)

func TestDetectReturnsNilWhenNoDivergence(t *testing.T) {
	rec := upstream.Record{"state": "2", "priority": "2", "short_description": "x", "assignment_group": "g"}
	require.Nil(t, Detect("incident", "aaa", rec, rec))
}

func TestDetectFindsDivergentFields(t *testing.T) {
	stored := upstream.Record{"state": "2", "priority": "2", "short_description": "x", "assignment_group": "g"}
	up := upstream.Record{"state": "6", "priority": "2", "short_description": "x", "assignment_group": "g"}
	c := Detect("incident", "aaa", stored, up)
	require.NotNil(t, c)
	require.Equal(t, []string{"state"}, c.DivergentFields)
	require.Equal(t, StatusPending, c.Status)
}

func TestResolveNewestWinsPrefersLaterUpdatedOn(t *testing.T) {
	stored := upstream.Record{
		"state": "2", "priority": "2", "short_description": "x", "assignment_group": "g",
		"sys_updated_on": "2025-01-01T10:00:00Z",
	}
	up := upstream.Record{
		"state": "6", "priority": "2", "short_description": "x", "assignment_group": "g",
		"sys_updated_on": "2025-01-01T11:00:00Z",
	}
	c := Detect("incident", "aaa", stored, up)
	require.NotNil(t, c)

	winner := Resolve(c, PolicyNewestWins)
	require.Equal(t, WinnerUpstream, c.Winner)
	require.Equal(t, StatusResolved, c.Status)
	require.Equal(t, up["state"], winner["state"])
}

func TestResolveNewestWinsKeepsNewerStored(t *testing.T) {
	stored := upstream.Record{
		"state": "2", "priority": "2", "short_description": "x", "assignment_group": "g",
		"sys_updated_on": "2025-01-01T10:00:00Z",
	}
	up := upstream.Record{
		"state": "6", "priority": "2", "short_description": "x", "assignment_group": "g",
		"sys_updated_on": "2025-01-01T09:00:00Z",
	}
	c := Detect("incident", "aaa", stored, up)
	winner := Resolve(c, PolicyNewestWins)
	require.Equal(t, WinnerStored, c.Winner)
	require.Equal(t, stored["state"], winner["state"])
}

func TestResolveStoredWins(t *testing.T) {
	stored := upstream.Record{"state": "2", "priority": "2", "short_description": "x", "assignment_group": "g"}
	up := upstream.Record{"state": "6", "priority": "2", "short_description": "x", "assignment_group": "g"}
	c := Detect("incident", "aaa", stored, up)
	winner := Resolve(c, PolicyStoredWins)
	require.Equal(t, WinnerStored, c.Winner)
	require.Equal(t, "2", winner["state"])
}

func TestResolveManualLeavesCallerChoice(t *testing.T) {
	stored := upstream.Record{"state": "2", "priority": "2", "short_description": "x", "assignment_group": "g"}
	up := upstream.Record{"state": "6", "priority": "2", "short_description": "x", "assignment_group": "g"}
	c := Detect("incident", "aaa", stored, up)

	require.Nil(t, Resolve(c, PolicyManual))
	require.Equal(t, StatusPending, c.Status)

	winner := ResolveManual(c, WinnerUpstream)
	require.Equal(t, StatusResolved, c.Status)
	require.Equal(t, "6", winner["state"])
}
