package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/BartekS5/opendata-import/pkg/models"
	mssql "github.com/microsoft/go-mssqldb"
)

// SQL Server rejects statements with more than 2100 parameters.
const sqlServerMaxParams = 2000

// Error numbers worth another attempt: deadlock victim, lock timeout and the
// Azure SQL throttling/failover family.
var sqlServerTransientNumbers = map[int32]bool{
	1205:  true,
	1222:  true,
	4060:  true,
	40197: true,
	40501: true,
	40613: true,
	49918: true,
	49919: true,
	49920: true,
}

// SQLServerStore upserts with MERGE. Batches wider than the parameter limit are
// split into several statements inside one transaction, so a batch still
// commits or fails as a whole.
type SQLServerStore struct {
	db     *sql.DB
	schema string
}

func NewSQLServerStore(db *sql.DB, schema string) *SQLServerStore {
	if schema == "" {
		schema = "dbo"
	}
	return &SQLServerStore{db: db, schema: schema}
}

func quoteTSQL(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func (s *SQLServerStore) target(table string) string {
	return quoteTSQL(s.schema) + "." + quoteTSQL(table)
}

func (s *SQLServerStore) Upsert(ctx context.Context, table string, records []models.Record, key models.ConflictKey) error {
	if len(records) == 0 {
		return nil
	}
	op := "sqlserver upsert " + table
	records = dedupeByKey(records, key)
	cols := models.Columns(records)

	chunks, err := chunkRecords(records, cols, sqlServerMaxParams)
	if err != nil {
		return permanent(op, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLServer(op, err)
	}
	defer tx.Rollback()

	for _, chunk := range chunks {
		query, args := buildMerge(s.target(table), cols, chunk, key)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifySQLServer(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifySQLServer(op, err)
	}
	return nil
}

func (s *SQLServerStore) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+s.target(table)).Scan(&n); err != nil {
		return 0, classifySQLServer("sqlserver count "+table, err)
	}
	return n, nil
}

func (s *SQLServerStore) Close(context.Context) error {
	return s.db.Close()
}

func buildMerge(target string, cols []string, records []models.Record, key models.ConflictKey) (string, []any) {
	quoted := make([]string, len(cols))
	source := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteTSQL(c)
		source[i] = "source." + quoted[i]
	}

	args := make([]any, 0, len(records)*len(cols))
	rows := make([]string, len(records))
	for i, r := range records {
		ph := make([]string, len(cols))
		for j, c := range cols {
			args = append(args, r[c])
			ph[j] = fmt.Sprintf("@p%d", len(args))
		}
		rows[i] = "(" + strings.Join(ph, ", ") + ")"
	}

	isKey := make(map[string]bool, len(key))
	on := make([]string, len(key))
	for i, k := range key {
		isKey[k] = true
		on[i] = fmt.Sprintf("target.%s = source.%s", quoteTSQL(k), quoteTSQL(k))
	}

	var sets []string
	for i, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("target.%s = source.%s", quoted[i], quoted[i]))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS target USING (VALUES %s) AS source (%s) ON %s",
		target, strings.Join(rows, ", "), strings.Join(quoted, ", "), strings.Join(on, " AND "))
	if len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(quoted, ", "), strings.Join(source, ", "))
	return b.String(), args
}

func classifySQLServer(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		if sqlServerTransientNumbers[msErr.Number] {
			return transient(op, err)
		}
		return permanent(op, err)
	}
	if isNetworkError(err) {
		return transient(op, err)
	}
	return permanent(op, err)
}
