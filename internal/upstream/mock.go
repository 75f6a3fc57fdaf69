package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a sys_id has no corresponding record.
var ErrNotFound = errors.New("upstream: record not found")

// MockClient is an in-memory Client seeded with demo incident/change/
// service-catalog records, used for local development and tests in place
// of a live ServiceNow instance.
type MockClient struct {
	mu      sync.Mutex
	nextSeq map[string]int
	records map[string]map[string]Record // table -> sys_id -> record
}

// NewMock constructs a MockClient pre-seeded with demo data across the
// three tracked entity tables.
func NewMock() *MockClient {
	m := &MockClient{
		nextSeq: make(map[string]int),
		records: make(map[string]map[string]Record),
	}
	m.seed()
	return m
}

func (m *MockClient) table(name string) map[string]Record {
	t, ok := m.records[name]
	if !ok {
		t = make(map[string]Record)
		m.records[name] = t
	}
	return t
}

func (m *MockClient) Query(ctx context.Context, q Query) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.table(q.Table)
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, _ := SysUpdatedOn(table[ids[i]])
		tj, _ := SysUpdatedOn(table[ids[j]])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var matched []Record
	for _, id := range ids {
		rec := table[id]
		updated, ok := SysUpdatedOn(rec)
		if ok && updated.Before(q.Since) {
			continue
		}
		matched = append(matched, cloneRecord(rec))
	}

	start := q.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (m *MockClient) Get(ctx context.Context, table, sysID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.table(table)[sysID]
	if !ok {
		return nil, fmt.Errorf("table %s sys_id %s: %w", table, sysID, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *MockClient) Create(ctx context.Context, table string, fields Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq[table]++
	sysID := fmt.Sprintf("%032x", m.nextSeq[table])
	now := time.Now().UTC().Format(time.RFC3339)

	rec := cloneRecord(fields)
	rec["sys_id"] = sysID
	rec["number"] = fmt.Sprintf("%s%06d", numberPrefix(table), m.nextSeq[table])
	rec["sys_created_on"] = now
	rec["sys_updated_on"] = now

	m.table(table)[sysID] = rec
	return cloneRecord(rec), nil
}

func (m *MockClient) Update(ctx context.Context, table, sysID string, fields Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	rec, ok := t[sysID]
	if !ok {
		return nil, fmt.Errorf("table %s sys_id %s: %w", table, sysID, ErrNotFound)
	}
	for k, v := range fields {
		rec[k] = v
	}
	rec["sys_updated_on"] = time.Now().UTC().Format(time.RFC3339)
	t[sysID] = rec
	return cloneRecord(rec), nil
}

func numberPrefix(table string) string {
	switch table {
	case "change_task":
		return "CTASK"
	case "sc_task":
		return "SCTASK"
	default:
		return "INC"
	}
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (m *MockClient) seed() {
	now := time.Now().UTC()
	seed := []struct {
		table   string
		sysID   string
		age     time.Duration
		state   string
		pri     string
		desc    string
		group   string
	}{
		{"incident", strings.Repeat("a", 32), 48 * time.Hour, "2", "2", "Checkout circuit breaker postmortem", "team-velocity"},
		{"incident", strings.Repeat("b", 32), 24 * time.Hour, "1", "1", "Payments webhook retry policy adjustments", "team-revenue"},
		{"incident", strings.Repeat("c", 32), 6 * time.Hour, "6", "3", "Search ranking regression on seasonal terms", "team-aurora"},
		{"change_task", strings.Repeat("d", 32), 72 * time.Hour, "1", "2", "Notification fanout partition rebalance", "team-signal"},
		{"sc_task", strings.Repeat("e", 32), 12 * time.Hour, "2", "3", "Identity service Redis pool tuning", "team-guardian"},
	}
	for _, s := range seed {
		created := now.Add(-s.age).Format(time.RFC3339)
		m.table(s.table)[s.sysID] = Record{
			"sys_id":             s.sysID,
			"number":             fmt.Sprintf("%s0001000", numberPrefix(s.table)),
			"state":              map[string]interface{}{"value": s.state, "display_value": stateLabel(s.state)},
			"priority":           map[string]interface{}{"value": s.pri, "display_value": priorityLabel(s.pri)},
			"short_description":  s.desc,
			"assignment_group":   map[string]interface{}{"value": s.group, "display_value": s.group},
			"sys_created_on":     created,
			"sys_updated_on":     created,
		}
	}
}

func stateLabel(v string) string {
	switch v {
	case "1":
		return "New"
	case "2":
		return "In Progress"
	case "6":
		return "Resolved"
	case "7":
		return "Closed"
	default:
		return "Unknown"
	}
}

func priorityLabel(v string) string {
	switch v {
	case "1":
		return "Critical"
	case "2":
		return "High"
	case "3":
		return "Moderate"
	default:
		return "Low"
	}
}

var _ Client = (*MockClient)(nil)
