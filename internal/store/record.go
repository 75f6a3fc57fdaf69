// Package store implements the Postgres-backed document store (C4's
// persistence layer): a JSONB envelope per EntityRecord in a single
// entity_records table whose collection column names the tracked entity
// type's collection, with the unique sys_id index and secondary indices §6
// requires.
package store

import (
	"errors"
	"time"
)

// RelatedSLAEntry is subordinate to an EntityRecord (§3).
type RelatedSLAEntry struct {
	SysID            string    `json:"sys_id"`
	ParentNumber     string    `json:"parent_number"`
	BusinessPct      float64   `json:"business_percentage"`
	Start            time.Time `json:"start"`
	End              *time.Time `json:"end,omitempty"`
	Stage            string    `json:"stage"`
	Breached         bool      `json:"breached"`
	AssignmentGroup  string    `json:"assignment_group"`
}

// EntityRecord is the sync envelope wrapping one upstream ticket (§3).
type EntityRecord struct {
	SysID             string                 `json:"sys_id"`
	Number            string                 `json:"number"`
	EntityPayload     map[string]interface{} `json:"entity_payload"`
	RelatedSLAEntries []RelatedSLAEntry      `json:"related_sla_entries,omitempty"`
	SyncTimestamp     time.Time              `json:"sync_timestamp"`
	SchemaVersion     int                    `json:"schema_version"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	PartitionPrefix   string                 `json:"partition_prefix"`
}

// CurrentSchemaVersion is stamped on every record this build writes.
const CurrentSchemaVersion = 1

// PartitionPrefixOf derives the deterministic partition prefix: the first
// 8 characters of sys_id (§3 invariant).
func PartitionPrefixOf(sysID string) string {
	if len(sysID) < 8 {
		return sysID
	}
	return sysID[:8]
}

// ErrRecordNotFound is returned when a sys_id has no row in a collection.
var ErrRecordNotFound = errors.New("entity record not found")

// ErrStaleSyncTimestamp is returned when a write would decrease
// sync_timestamp for a sys_id, violating the monotonicity invariant (§3).
var ErrStaleSyncTimestamp = errors.New("sync_timestamp would regress")

// CollectionFor maps an upstream table name to its persisted collection
// name (§6 persisted-state layout).
func CollectionFor(table string) string {
	switch table {
	case "incident":
		return "sn_incidents_collection"
	case "change_task":
		return "sn_ctasks_collection"
	case "sc_task":
		return "sn_sctasks_collection"
	default:
		return "sn_groups"
	}
}
