package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/nexusops/ticketsync/internal/logger"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS entity_records (
	sys_id             TEXT PRIMARY KEY,
	collection         TEXT NOT NULL,
	number             TEXT NOT NULL,
	state              TEXT,
	priority           TEXT,
	short_description  TEXT,
	assignment_group   TEXT,
	partition_prefix   TEXT NOT NULL,
	entity_payload     JSONB NOT NULL,
	related_sla_entries JSONB,
	sync_timestamp     TIMESTAMPTZ NOT NULL,
	schema_version     INT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_records_collection ON entity_records (collection);
CREATE INDEX IF NOT EXISTS idx_entity_records_state ON entity_records (state);
CREATE INDEX IF NOT EXISTS idx_entity_records_priority ON entity_records (priority);
CREATE INDEX IF NOT EXISTS idx_entity_records_assignment_group ON entity_records (assignment_group);
CREATE INDEX IF NOT EXISTS idx_entity_records_number ON entity_records (number);
CREATE INDEX IF NOT EXISTS idx_entity_records_partition_prefix ON entity_records (partition_prefix);
CREATE INDEX IF NOT EXISTS idx_entity_records_updated_at ON entity_records (updated_at);
`

// Config configures the Postgres connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// Store is the Postgres-backed EntityRecord document store.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open connects to Postgres and configures the pool; callers that want
// embedded-migration management should run Migrate separately (§A ambient
// stack: golang-migrate owns schema evolution beyond this bootstrap DDL).
func Open(cfg Config, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("store")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	s := &Store{db: db, log: log}
	if cfg.MigrateOnStart {
		if err := s.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// EnsureSchema creates the entity_records table and its indices if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for health checks and sqlmock-backed tests.
func (s *Store) DB() *sql.DB { return s.db }

// Upsert inserts or overwrites an EntityRecord, enforcing the
// sync_timestamp monotonicity invariant (§3): a write with an older
// sync_timestamp than the stored row is not applied and returns
// ErrStaleSyncTimestamp.
func (s *Store) Upsert(ctx context.Context, collection string, rec EntityRecord) error {
	payload, err := json.Marshal(rec.EntityPayload)
	if err != nil {
		return fmt.Errorf("marshal entity_payload: %w", err)
	}
	slaEntries, err := json.Marshal(rec.RelatedSLAEntries)
	if err != nil {
		return fmt.Errorf("marshal related_sla_entries: %w", err)
	}

	state, _ := rec.EntityPayload["state"].(string)
	priority, _ := rec.EntityPayload["priority"].(string)
	shortDesc, _ := rec.EntityPayload["short_description"].(string)
	assignGroup, _ := rec.EntityPayload["assignment_group"].(string)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_records (
			sys_id, collection, number, state, priority, short_description,
			assignment_group, partition_prefix, entity_payload,
			related_sla_entries, sync_timestamp, schema_version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (sys_id) DO UPDATE SET
			number = EXCLUDED.number,
			state = EXCLUDED.state,
			priority = EXCLUDED.priority,
			short_description = EXCLUDED.short_description,
			assignment_group = EXCLUDED.assignment_group,
			entity_payload = EXCLUDED.entity_payload,
			related_sla_entries = EXCLUDED.related_sla_entries,
			sync_timestamp = EXCLUDED.sync_timestamp,
			schema_version = EXCLUDED.schema_version,
			updated_at = EXCLUDED.updated_at
		WHERE entity_records.sync_timestamp <= EXCLUDED.sync_timestamp
	`,
		rec.SysID, collection, rec.Number, state, priority, shortDesc, assignGroup,
		rec.PartitionPrefix, payload, slaEntries, rec.SyncTimestamp, rec.SchemaVersion,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert entity record %s: %w", rec.SysID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStaleSyncTimestamp
	}
	return nil
}

// Get fetches one EntityRecord by sys_id.
func (s *Store) Get(ctx context.Context, sysID string) (*EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sys_id, number, entity_payload, related_sla_entries, sync_timestamp,
		       schema_version, created_at, updated_at, partition_prefix
		FROM entity_records WHERE sys_id = $1
	`, sysID)
	return scanRecord(row)
}

// List returns a page of EntityRecords from a collection, optionally
// filtered by state/priority/assignment_group.
func (s *Store) List(ctx context.Context, collection string, filters map[string]string, limit, offset int) ([]EntityRecord, int64, error) {
	where := []string{"collection = $1"}
	args := []interface{}{collection}
	idx := 2
	for _, col := range []string{"state", "priority", "assignment_group"} {
		if v, ok := filters[col]; ok && v != "" {
			where = append(where, fmt.Sprintf("%s = $%d", col, idx))
			args = append(args, v)
			idx++
		}
	}
	whereClause := strings.Join(where, " AND ")

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM entity_records WHERE %s", whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entity records: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)
	listQuery := fmt.Sprintf(`
		SELECT sys_id, number, entity_payload, related_sla_entries, sync_timestamp,
		       schema_version, created_at, updated_at, partition_prefix
		FROM entity_records WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, idx, idx+1)

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list entity records: %w", err)
	}
	defer rows.Close()

	var records []EntityRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*EntityRecord, error) {
	rec, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func scanRecordRows(row scanner) (*EntityRecord, error) {
	return scanInto(row)
}

func scanInto(row scanner) (*EntityRecord, error) {
	var rec EntityRecord
	var payload, slaEntries []byte
	if err := row.Scan(
		&rec.SysID, &rec.Number, &payload, &slaEntries, &rec.SyncTimestamp,
		&rec.SchemaVersion, &rec.CreatedAt, &rec.UpdatedAt, &rec.PartitionPrefix,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan entity record: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.EntityPayload); err != nil {
			return nil, fmt.Errorf("decode entity_payload: %w", err)
		}
	}
	if len(slaEntries) > 0 {
		if err := json.Unmarshal(slaEntries, &rec.RelatedSLAEntries); err != nil {
			return nil, fmt.Errorf("decode related_sla_entries: %w", err)
		}
	}
	return &rec, nil
}
