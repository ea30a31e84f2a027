package models

import (
	"sort"
	"strings"
	"time"
)

// Record is one row destined for the target table: column name to scalar value
// (string, int64, float64, bool or nil).
type Record map[string]any

// RawRow is one parsed CSV row before mapping.
type RawRow struct {
	Shard  string
	Line   int
	Fields map[string]string
	// Headers lists the file's column names in order; rows of one file share it.
	Headers []string
}

// ConflictKey lists the columns whose combined value identifies a row for upserts.
type ConflictKey []string

// String renders the key the way PostgREST's on_conflict parameter expects it.
func (k ConflictKey) String() string {
	return strings.Join(k, ",")
}

// Missing returns the key columns that are absent or nil in r.
func (k ConflictKey) Missing(r Record) []string {
	var missing []string
	for _, col := range k {
		if v, ok := r[col]; !ok || v == nil {
			missing = append(missing, col)
		}
	}
	return missing
}

// Batch is a consecutive slice of the records handed to one upsert call.
type Batch struct {
	// Number is 1-based.
	Number  int
	Records []Record
}

// UpsertResult summarises one BatchUpsert call.
type UpsertResult struct {
	Table            string
	Committed        int
	BatchesCommitted int
	TotalBatches     int
	Requests         int
	// FailedBatch is the 1-based number of the batch that aborted the call, 0 on success.
	FailedBatch int
	Attempts    int
	Err         error
}

func (r UpsertResult) OK() bool { return r.Err == nil }

// TargetReport is the outcome of writing one run's records to one target.
type TargetReport struct {
	Name        string
	Table       string
	Optional    bool
	Committed   int
	CountBefore *int64
	CountAfter  *int64
	// DroppedColumns are record columns the target table does not have.
	DroppedColumns []string
	Upsert         UpsertResult
	Err            error
}

// RunReport is what one pipeline run logs and returns.
type RunReport struct {
	RunID       string
	Pipeline    string
	Fetched     int
	Transformed int
	Dropped     int
	DryRun      bool
	Duration    time.Duration
	Targets     []TargetReport
	// Err is the error that ended the run, nil on success.
	Err error
}

// Columns returns the sorted union of the keys of all records.
func Columns(records []Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
