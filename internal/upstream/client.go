// Package upstream abstracts the remote ServiceNow system-of-record. Only
// the abstract query/fetch/create/update capabilities are modelled here;
// the wire details of the ServiceNow REST dialect are an external concern
// (§1 out-of-scope).
package upstream

import (
	"context"
	"time"
)

// Record is an opaque upstream entity document before normalisation. Field
// values may still be wrapped in ServiceNow's `{value, display_value}`
// reference-container form; Normalize flattens them.
type Record map[string]interface{}

// Query selects a page of upstream records for one entity table.
type Query struct {
	Table      string
	Since      time.Time // sys_updated_on >= Since
	Limit      int
	Offset     int
}

// Client is the capability surface the Sync Engine (C4) depends on.
type Client interface {
	// Query returns up to Limit records for Table updated at or after Since,
	// ordered by sys_updated_on ascending, starting at Offset.
	Query(ctx context.Context, q Query) ([]Record, error)
	// Get fetches a single record by sys_id, or ErrNotFound.
	Get(ctx context.Context, table, sysID string) (Record, error)
	// Create inserts a new record and returns it with its assigned sys_id.
	Create(ctx context.Context, table string, fields Record) (Record, error)
	// Update applies a partial update and returns the updated record.
	Update(ctx context.Context, table, sysID string, fields Record) (Record, error)
}

// SysUpdatedOn extracts and normalises the sys_updated_on timestamp field,
// accepting either a bare RFC3339 string or a {value,display_value}
// container.
func SysUpdatedOn(r Record) (time.Time, bool) {
	raw, ok := r["sys_updated_on"]
	if !ok {
		return time.Time{}, false
	}
	s, ok := FieldString(Record{"v": raw}, "v")
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SysID extracts the record's sys_id as a flat string.
func SysID(r Record) string {
	s, _ := FieldString(r, "sys_id")
	return s
}
