package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/mattn/go-sqlite3"
)

// SQLITE_MAX_VARIABLE_NUMBER of the bundled SQLite (3.32 and later).
const sqliteMaxParams = 32766

// SQLiteStore is a local target for development runs and tests. The table and
// its unique index on the conflict key must already exist.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var sqliteDialect = dialect{
	quote:       func(ident string) string { return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"` },
	placeholder: func(int) string { return "?" },
	excluded:    "excluded",
}

func (s *SQLiteStore) Upsert(ctx context.Context, table string, records []models.Record, key models.ConflictKey) error {
	if len(records) == 0 {
		return nil
	}
	op := "sqlite upsert " + table
	records = dedupeByKey(records, key)
	cols := models.Columns(records)
	chunks, err := chunkRecords(records, cols, sqliteMaxParams)
	if err != nil {
		return permanent(op, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(op, err)
	}
	defer tx.Rollback()

	for _, chunk := range chunks {
		query, args := buildOnConflictUpsert(sqliteDialect, sqliteDialect.quote(table), cols, chunk, key)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifySQLite(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(op, err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+sqliteDialect.quote(table)).Scan(&n); err != nil {
		return 0, classifySQLite("sqlite count "+table, err)
	}
	return n, nil
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

func classifySQLite(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return transient(op, err)
		}
	}
	return permanent(op, err)
}
