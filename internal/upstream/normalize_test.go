package upstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldStringUnwrapsReferenceContainer(t *testing.T) {
	r := Record{"state": map[string]interface{}{"value": "2", "display_value": "In Progress"}}
	s, ok := FieldString(r, "state")
	require.True(t, ok)
	require.Equal(t, "In Progress", s)
}

func TestFieldStringBareScalar(t *testing.T) {
	r := Record{"priority": "1"}
	s, ok := FieldString(r, "priority")
	require.True(t, ok)
	require.Equal(t, "1", s)
}

func TestFieldStringAbsent(t *testing.T) {
	_, ok := FieldString(Record{}, "state")
	require.False(t, ok)
}

func TestDivergentFieldsDetectsCriticalDrift(t *testing.T) {
	stored := Record{
		"state":              "2",
		"priority":           "2",
		"short_description":  "same",
		"assignment_group":   "team-a",
	}
	upstream := Record{
		"state":              "6",
		"priority":           "2",
		"short_description":  "same",
		"assignment_group":   "team-a",
	}
	diverged := DivergentFields(stored, upstream)
	require.Equal(t, []string{"state"}, diverged)
}

func TestDivergentFieldsIgnoresNonCritical(t *testing.T) {
	stored := Record{"state": "2", "priority": "2", "short_description": "a", "assignment_group": "g", "comments": "x"}
	upstream := Record{"state": "2", "priority": "2", "short_description": "a", "assignment_group": "g", "comments": "y"}
	require.Empty(t, DivergentFields(stored, upstream))
}
