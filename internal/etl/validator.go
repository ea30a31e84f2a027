package etl

import (
	"fmt"

	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/BartekS5/opendata-import/pkg/store"
)

// Validator checks that records carry values for the conflict key and any
// other required columns.
type Validator struct {
	key      models.ConflictKey
	required []string
}

func NewValidator(key models.ConflictKey, required []string) *Validator {
	return &Validator{key: key, required: required}
}

// Missing returns the key and required columns that are absent or nil in r.
func (v *Validator) Missing(r models.Record) []string {
	missing := v.key.Missing(r)
	for _, col := range v.required {
		if val, ok := r[col]; !ok || val == nil {
			missing = append(missing, col)
		}
	}
	return missing
}

// ValidateRecords fails on the first record with a missing column.
func (v *Validator) ValidateRecords(records []models.Record) error {
	for i, r := range records {
		if missing := v.Missing(r); len(missing) > 0 {
			return fmt.Errorf("%w: record %d has no value for %v", store.ErrInvalidRecord, i, missing)
		}
	}
	return nil
}
