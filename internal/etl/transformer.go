package etl

import (
	"context"
	"sort"
	"strings"

	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/BartekS5/opendata-import/pkg/utils"
)

// TransformResult holds the records produced from a set of rows and the rows
// that had to be dropped.
type TransformResult struct {
	Records []models.Record
	Dropped int
	Errors  []*TransformError
}

// Transformer maps raw CSV rows to records following a pipeline definition.
type Transformer struct {
	def       *models.PipelineDefinition
	validator *Validator
	exclude   map[string]bool
}

func NewTransformer(def *models.PipelineDefinition) *Transformer {
	var required []string
	for _, f := range def.Fields {
		if f.Required {
			required = append(required, f.Column)
		}
	}
	exclude := make(map[string]bool, len(def.Exclude))
	for _, col := range def.Exclude {
		exclude[utils.SnakeCase(col)] = true
	}
	return &Transformer{
		def:       def,
		validator: NewValidator(def.ConflictKey, required),
		exclude:   exclude,
	}
}

// Transform maps every row independently; rows that fail are dropped and counted.
func (t *Transformer) Transform(_ context.Context, rows []models.RawRow) TransformResult {
	result := TransformResult{Records: make([]models.Record, 0, len(rows))}
	for _, row := range rows {
		rec, terr := t.TransformRow(row)
		if terr != nil {
			result.Dropped++
			result.Errors = append(result.Errors, terr)
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result
}

// TransformRow builds one record: passthrough columns first, then mapped
// fields, renames, constants and the shard column.
func (t *Transformer) TransformRow(row models.RawRow) (models.Record, *TransformError) {
	rec := make(models.Record)

	if t.def.Passthrough {
		// Headers that snake_case to the same column: the first one in file order wins.
		for _, header := range headerOrder(row) {
			raw, ok := row.Fields[header]
			col := utils.SnakeCase(strings.TrimSpace(header))
			if _, dup := rec[col]; !ok || col == "" || dup || t.exclude[col] {
				continue
			}
			rec[col] = utils.NormalizeValue(raw)
		}
	}

	for _, f := range t.def.Fields {
		val, err := utils.ConvertValue(firstNonEmpty(row.Fields, f.From), f)
		if err != nil {
			return nil, &TransformError{Shard: row.Shard, Line: row.Line, Column: f.Column, Reason: err.Error()}
		}
		rec[f.Column] = val
	}

	// Renames apply simultaneously, so swaps and chains do not depend on map order.
	renamed := make(map[string]any, len(t.def.Renames))
	for from, to := range t.def.Renames {
		if v, ok := rec[from]; ok {
			renamed[to] = v
		}
	}
	for from := range t.def.Renames {
		delete(rec, from)
	}
	for col, v := range renamed {
		rec[col] = v
	}

	for col, val := range t.def.Constants {
		rec[col] = val
	}
	if t.def.ShardColumn != "" && row.Shard != "" {
		rec[t.def.ShardColumn] = row.Shard
	}

	if missing := t.validator.Missing(rec); len(missing) > 0 {
		return nil, &TransformError{
			Shard:  row.Shard,
			Line:   row.Line,
			Column: strings.Join(missing, ","),
			Reason: "missing value",
		}
	}
	return rec, nil
}

// headerOrder returns the row's columns in file order, or sorted when the
// row does not carry its header.
func headerOrder(row models.RawRow) []string {
	if len(row.Headers) > 0 {
		return row.Headers
	}
	headers := make([]string, 0, len(row.Fields))
	for h := range row.Fields {
		headers = append(headers, h)
	}
	sort.Strings(headers)
	return headers
}

func firstNonEmpty(fields map[string]string, from []string) string {
	for _, name := range from {
		if v := strings.TrimSpace(fields[name]); v != "" {
			return v
		}
	}
	return ""
}
