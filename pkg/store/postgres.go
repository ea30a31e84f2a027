package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The extended protocol encodes the bind parameter count as an int16.
const postgresMaxParams = 65535

// pgExecer is the subset of *pgxpool.Pool the store uses.
type pgExecer interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore writes straight to Postgres with INSERT ... ON CONFLICT DO UPDATE.
// A batch above the parameter limit is written in several statements inside
// one transaction.
type PostgresStore struct {
	db     pgExecer
	pool   *pgxpool.Pool
	schema string
}

func NewPostgresStore(pool *pgxpool.Pool, schema string) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool, schema: schema}
}

func (s *PostgresStore) ident(table string) string {
	if s.schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{s.schema, table}.Sanitize()
}

func (s *PostgresStore) Upsert(ctx context.Context, table string, records []models.Record, key models.ConflictKey) error {
	if len(records) == 0 {
		return nil
	}
	op := "postgres upsert " + table
	records = dedupeByKey(records, key)
	cols := models.Columns(records)
	chunks, err := chunkRecords(records, cols, postgresMaxParams)
	if err != nil {
		return permanent(op, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classifyPostgres(op, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	for _, chunk := range chunks {
		query, args := buildOnConflictUpsert(postgresDialect, s.ident(table), cols, chunk, key)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return classifyPostgres(op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgres(op, err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM "+s.ident(table)).Scan(&n); err != nil {
		return 0, classifyPostgres("postgres count "+table, err)
	}
	return n, nil
}

func (s *PostgresStore) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var postgresDialect = dialect{
	quote:       func(ident string) string { return pgx.Identifier{ident}.Sanitize() },
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	excluded:    "EXCLUDED",
}

// classifyPostgres treats connection loss, serialization failures, deadlocks,
// resource exhaustion and admin shutdowns as transient.
func classifyPostgres(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P0"):
			return transient(op, err)
		default:
			return permanent(op, err)
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || isNetworkError(err) {
		return transient(op, err)
	}
	return permanent(op, err)
}
