package mysql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/domain"
)

const upsert = `INSERT INTO sync_mutations (id, name, entity_keys, status, error, started_at, settled_at)`

func TestMutationJournal_RecordPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mutation := &domain.OptimisticMutation{
		ID:   "mut-1",
		Name: "bid",
		Keys: []domain.EntityKey{
			domain.SingletonKey(domain.EntityAuction, "A1"),
			domain.ScopedListKey(domain.EntityBid, "A1", "recent"),
		},
		Status:    domain.MutationPending,
		StartedAt: started,
	}

	mock.ExpectExec(regexp.QuoteMeta(upsert)).
		WithArgs("mut-1", "bid", "auction:A1,bid:list:recent@A1", "pending", nil, started, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewMySQLMutationJournal(db).Record(context.Background(), mutation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutationJournal_RecordRolledBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settled := started.Add(300 * time.Millisecond)
	mutation := &domain.OptimisticMutation{
		ID:        "mut-2",
		Name:      "wishlist.add",
		Keys:      []domain.EntityKey{domain.ListKey(domain.EntityWishlist, "me")},
		Status:    domain.MutationRolledBack,
		Err:       errors.New("bid too low"),
		StartedAt: started,
		SettledAt: settled,
	}

	mock.ExpectExec(regexp.QuoteMeta(upsert)).
		WithArgs("mut-2", "wishlist.add", "wishlist:list:me", "rolled-back", "bid too low", started, settled).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, NewMySQLMutationJournal(db).Record(context.Background(), mutation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutationJournal_Recent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settled := started.Add(time.Second)
	rows := sqlmock.NewRows([]string{"id", "name", "entity_keys", "status", "error", "started_at", "settled_at"}).
		AddRow("mut-2", "bid", "auction:A1", "committed", nil, started, settled).
		AddRow("mut-1", "bid", "auction:A1", "pending", nil, started, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_mutations")).
		WithArgs(10).
		WillReturnRows(rows)

	records, err := NewMySQLMutationJournal(db).Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, domain.MutationCommitted, records[0].Status)
	assert.Equal(t, []string{"auction:A1"}, records[0].Keys)
	require.NotNil(t, records[0].SettledAt)
	assert.True(t, settled.Equal(*records[0].SettledAt))
	assert.Nil(t, records[1].SettledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutationJournal_RecentQueryFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_mutations")).WillReturnError(errors.New("connection reset"))

	_, err = NewMySQLMutationJournal(db).Recent(context.Background(), 5)
	assert.EqualError(t, err, "connection reset")
}

func TestMutationJournal_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sync_mutations")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewMySQLMutationJournal(db).EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
