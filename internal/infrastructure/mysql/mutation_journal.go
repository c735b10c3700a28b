package mysql

import (
	"context"
	"database/sql"
	"strings"

	"marketplace-sync/internal/domain"
)

const schema = `
    CREATE TABLE IF NOT EXISTS sync_mutations (
        id          VARCHAR(64)  NOT NULL PRIMARY KEY,
        name        VARCHAR(64)  NOT NULL,
        entity_keys TEXT         NOT NULL,
        status      VARCHAR(16)  NOT NULL,
        error       TEXT         NULL,
        started_at  DATETIME(3)  NOT NULL,
        settled_at  DATETIME(3)  NULL,
        INDEX idx_started_at (started_at)
    )
`

// MySQLMutationJournal keeps one row per optimistic mutation, updated as
// the mutation settles.
type MySQLMutationJournal struct {
	db *sql.DB
}

func NewMySQLMutationJournal(db *sql.DB) *MySQLMutationJournal {
	return &MySQLMutationJournal{db: db}
}

func (r *MySQLMutationJournal) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *MySQLMutationJournal) Record(ctx context.Context, mutation *domain.OptimisticMutation) error {
	query := `
        INSERT INTO sync_mutations (id, name, entity_keys, status, error, started_at, settled_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), error = VALUES(error), settled_at = VALUES(settled_at)
    `

	keys := make([]string, len(mutation.Keys))
	for i, key := range mutation.Keys {
		keys[i] = key.String()
	}

	var errMsg sql.NullString
	if mutation.Err != nil {
		errMsg = sql.NullString{String: mutation.Err.Error(), Valid: true}
	}
	var settledAt sql.NullTime
	if !mutation.SettledAt.IsZero() {
		settledAt = sql.NullTime{Time: mutation.SettledAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		mutation.ID, mutation.Name, strings.Join(keys, ","),
		string(mutation.Status), errMsg, mutation.StartedAt, settledAt)
	return err
}

func (r *MySQLMutationJournal) Recent(ctx context.Context, limit int) ([]domain.MutationRecord, error) {
	query := `
        SELECT id, name, entity_keys, status, error, started_at, settled_at
        FROM sync_mutations
        ORDER BY started_at DESC
        LIMIT ?
    `

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.MutationRecord{}
	for rows.Next() {
		var record domain.MutationRecord
		var keys, status string
		var errMsg sql.NullString
		var settledAt sql.NullTime

		err := rows.Scan(&record.ID, &record.Name, &keys, &status,
			&errMsg, &record.StartedAt, &settledAt)
		if err != nil {
			return nil, err
		}

		if keys != "" {
			record.Keys = strings.Split(keys, ",")
		}
		record.Status = domain.MutationStatus(status)
		record.Error = errMsg.String
		if settledAt.Valid {
			t := settledAt.Time
			record.SettledAt = &t
		}
		records = append(records, record)
	}

	return records, rows.Err()
}
