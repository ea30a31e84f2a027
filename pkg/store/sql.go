package store

import (
	"fmt"
	"strings"

	"github.com/BartekS5/opendata-import/pkg/models"
)

// dialect captures what differs between the SQL backends' upsert statements.
type dialect struct {
	quote       func(ident string) string
	placeholder func(n int) string
	excluded    string
}

// buildOnConflictUpsert renders INSERT ... ON CONFLICT (key) DO UPDATE for
// Postgres and SQLite. Non-key columns take the incoming values; a key-only
// table does nothing on conflict. Records lacking one of cols insert NULL.
func buildOnConflictUpsert(d dialect, target string, cols []string, records []models.Record, key models.ConflictKey) (string, []any) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.quote(c)
	}

	args := make([]any, 0, len(records)*len(cols))
	rows := make([]string, len(records))
	for i, r := range records {
		ph := make([]string, len(cols))
		for j, c := range cols {
			args = append(args, r[c])
			ph[j] = d.placeholder(len(args))
		}
		rows[i] = "(" + strings.Join(ph, ", ") + ")"
	}

	isKey := make(map[string]bool, len(key))
	keyCols := make([]string, len(key))
	for i, k := range key {
		keyCols[i] = d.quote(k)
		isKey[k] = true
	}

	var sets []string
	for i, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = %s.%s", quoted[i], d.excluded, quoted[i]))
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) %s",
		target, strings.Join(quoted, ", "), strings.Join(rows, ", "), strings.Join(keyCols, ", "), action)
	return query, args
}

// chunkRecords splits records so that no statement binds more than maxParams
// values. Every chunk shares cols, so the whole batch writes the same columns.
func chunkRecords(records []models.Record, cols []string, maxParams int) ([][]models.Record, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: records have no columns", ErrInvalidRecord)
	}
	perChunk := maxParams / len(cols)
	if perChunk < 1 {
		return nil, fmt.Errorf("%w: %d columns exceed the parameter limit of %d", ErrInvalidRecord, len(cols), maxParams)
	}
	chunks := make([][]models.Record, 0, (len(records)+perChunk-1)/perChunk)
	for start := 0; start < len(records); start += perChunk {
		chunks = append(chunks, records[start:min(start+perChunk, len(records))])
	}
	return chunks, nil
}

// dedupeByKey keeps the last record for every conflict key value. A single SQL
// statement may not touch the same row twice, and applying the batch in order
// would leave the last record anyway.
func dedupeByKey(records []models.Record, key models.ConflictKey) []models.Record {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[keyString(r, key)] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]models.Record, 0, len(last))
	for i, r := range records {
		if last[keyString(r, key)] == i {
			out = append(out, r)
		}
	}
	return out
}

func keyString(r models.Record, key models.ConflictKey) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = fmt.Sprintf("%T:%v", r[k], r[k])
	}
	return strings.Join(parts, "\x1f")
}
