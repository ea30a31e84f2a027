package etl

import (
	"context"

	"github.com/BartekS5/opendata-import/pkg/models"
)

// Importer produces rows from one external source and maps them to records.
type Importer interface {
	Name() string
	Fetch(ctx context.Context) ([]models.RawRow, error)
	Transform(ctx context.Context, rows []models.RawRow) TransformResult
}

// Store executes one batch upsert request against the target table.
type Store interface {
	Upsert(ctx context.Context, table string, records []models.Record, key models.ConflictKey) error
}

// Counter is implemented by stores that can report a table's row count.
type Counter interface {
	Count(ctx context.Context, table string) (int64, error)
}

// ColumnLister is implemented by stores that can report a table's column names.
// An empty result means the columns could not be determined.
type ColumnLister interface {
	Columns(ctx context.Context, table string) ([]string, error)
}

type Closer interface {
	Close(ctx context.Context) error
}
