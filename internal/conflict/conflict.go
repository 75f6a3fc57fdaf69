// Package conflict implements the conflict resolver (C5): field-level
// divergence detection between stored and upstream records, and pluggable
// resolution policies.
package conflict

import (
	"time"

	"github.com/nexusops/ticketsync/internal/upstream"
)

// ResolutionStatus is a Conflict's lifecycle state.
type ResolutionStatus string

const (
	StatusPending  ResolutionStatus = "pending"
	StatusResolved ResolutionStatus = "resolved"
)

// Winner tags which snapshot a resolution chose.
type Winner string

const (
	WinnerStored   Winner = "stored"
	WinnerUpstream Winner = "upstream"
	WinnerNone     Winner = ""
)

// Conflict records one detected divergence (§3).
type Conflict struct {
	SysID           string                 `json:"sys_id"`
	EntityType      string                 `json:"entity_type"`
	Stored          upstream.Record        `json:"stored"`
	Upstream        upstream.Record        `json:"upstream"`
	DivergentFields []string               `json:"divergent_fields"`
	Status          ResolutionStatus       `json:"status"`
	Winner          Winner                 `json:"winner"`
	DetectedAt      time.Time              `json:"detected_at"`
}

// Policy is a pluggable resolution strategy (§4.4).
type Policy string

const (
	PolicyUpstreamWins Policy = "upstream-wins"
	PolicyStoredWins   Policy = "stored-wins"
	PolicyNewestWins   Policy = "newest-wins" // default
	PolicyManual       Policy = "manual"
)

// Detect returns a Conflict if stored and upstream diverge on any critical
// field, or nil if they agree.
func Detect(entityType, sysID string, stored, upstreamRec upstream.Record) *Conflict {
	diverged := upstream.DivergentFields(stored, upstreamRec)
	if len(diverged) == 0 {
		return nil
	}
	return &Conflict{
		SysID:           sysID,
		EntityType:      entityType,
		Stored:          stored,
		Upstream:        upstreamRec,
		DivergentFields: diverged,
		Status:          StatusPending,
		Winner:          WinnerNone,
		DetectedAt:      time.Now().UTC(),
	}
}

// Resolve applies policy to c, returning the winning record and tagging c
// resolved. Manual resolutions are left pending; the caller (HTTP API) must
// supply an explicit winner via ResolveManual.
func Resolve(c *Conflict, policy Policy) upstream.Record {
	switch policy {
	case PolicyUpstreamWins:
		c.Winner = WinnerUpstream
	case PolicyStoredWins:
		c.Winner = WinnerStored
	case PolicyManual:
		return nil
	default: // newest-wins; a tie goes to upstream
		storedTS, _ := upstream.SysUpdatedOn(c.Stored)
		upstreamTS, ok := upstream.SysUpdatedOn(c.Upstream)
		if ok && !upstreamTS.Before(storedTS) {
			c.Winner = WinnerUpstream
		} else {
			c.Winner = WinnerStored
		}
	}
	c.Status = StatusResolved
	if c.Winner == WinnerUpstream {
		return c.Upstream
	}
	return c.Stored
}

// ResolveManual applies an operator-chosen winner to a pending manual conflict.
func ResolveManual(c *Conflict, winner Winner) upstream.Record {
	c.Winner = winner
	c.Status = StatusResolved
	if winner == WinnerUpstream {
		return c.Upstream
	}
	return c.Stored
}

// MemoKey is the memoisation key for a conflict, scoped table:sys_id (§4.4).
func MemoKey(table, sysID string) string {
	return table + ":" + sysID
}
