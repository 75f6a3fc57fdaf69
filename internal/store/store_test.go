package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestPartitionPrefixOfTakesFirstEight(t *testing.T) {
	require.Equal(t, "abcdefgh", PartitionPrefixOf("abcdefghijklmnopqrstuvwxyz012345"))
}

func TestCollectionForMapsKnownTables(t *testing.T) {
	require.Equal(t, "sn_incidents_collection", CollectionFor("incident"))
	require.Equal(t, "sn_ctasks_collection", CollectionFor("change_task"))
	require.Equal(t, "sn_sctasks_collection", CollectionFor("sc_task"))
	require.Equal(t, "sn_groups", CollectionFor("unknown"))
}

func TestUpsertExecutesInsertOnConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO entity_records").WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now().UTC()
	rec := EntityRecord{
		SysID:           "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4",
		Number:          "INC0001000",
		EntityPayload:   map[string]interface{}{"state": "2"},
		SyncTimestamp:   now,
		SchemaVersion:   CurrentSchemaVersion,
		CreatedAt:       now,
		UpdatedAt:       now,
		PartitionPrefix: PartitionPrefixOf("a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"),
	}

	require.NoError(t, s.Upsert(context.Background(), "sn_incidents_collection", rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotFoundWhenNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM entity_records").WillReturnRows(
		sqlmock.NewRows([]string{"sys_id", "number", "entity_payload", "related_sla_entries",
			"sync_timestamp", "schema_version", "created_at", "updated_at", "partition_prefix"}),
	)

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
