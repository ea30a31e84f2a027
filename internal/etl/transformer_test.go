package etl

import (
	"context"
	"testing"

	"github.com/BartekS5/opendata-import/pkg/models"
)

func zefixDefinition() *models.PipelineDefinition {
	return &models.PipelineDefinition{
		Name:        "zefix",
		Table:       "zefix_companies",
		ConflictKey: models.ConflictKey{"uid"},
		ShardColumn: "canton",
		Constants:   map[string]any{"status": "ACTIVE", "source": "csv_import"},
		Fields: []models.FieldConfig{
			{Column: "uid", From: []string{"company_uid"}, Format: "che_uid"},
			{Column: "uid_raw", From: []string{"company_uid"}, Type: "int", Format: "che_uid_digits"},
			{Column: "name", From: []string{"company_legal_name"}, Required: true},
			{Column: "legal_form", From: []string{"company_type_fr", "company_type_de"}},
			{Column: "city", From: []string{"locality", "municipality"}},
		},
	}
}

func TestTransformMappedFields(t *testing.T) {
	tr := NewTransformer(zefixDefinition())

	rec, terr := tr.TransformRow(models.RawRow{
		Shard: "GE",
		Line:  2,
		Fields: map[string]string{
			"company_uid":        "CHE123456789",
			"company_legal_name": "  Société   Anonyme  ",
			"company_type_fr":    "",
			"company_type_de":    "Aktiengesellschaft",
			"municipality":       "Genève",
		},
	})
	if terr != nil {
		t.Fatalf("unexpected drop: %v", terr)
	}

	want := map[string]any{
		"uid":        "CHE-123.456.789",
		"uid_raw":    int64(123456789),
		"name":       "Société Anonyme",
		"legal_form": "Aktiengesellschaft",
		"city":       "Genève",
		"canton":     "GE",
		"status":     "ACTIVE",
		"source":     "csv_import",
	}
	for col, w := range want {
		if got := rec[col]; got != w {
			t.Errorf("%s = %#v, want %#v", col, got, w)
		}
	}
}

func TestTransformDropsRowsMissingKeyOrRequired(t *testing.T) {
	tr := NewTransformer(zefixDefinition())
	rows := []models.RawRow{
		{Shard: "ZH", Line: 2, Fields: map[string]string{"company_uid": "CHE-100.200.300", "company_legal_name": "Kept AG"}},
		{Shard: "ZH", Line: 3, Fields: map[string]string{"company_uid": "", "company_legal_name": "No UID AG"}},
		{Shard: "ZH", Line: 4, Fields: map[string]string{"company_uid": "CHE-100.200.301", "company_legal_name": " "}},
		{Shard: "ZH", Line: 5, Fields: map[string]string{"company_uid": "12345", "company_legal_name": "Short UID"}},
	}

	res := tr.Transform(context.Background(), rows)
	if len(res.Records) != 2 || res.Dropped != 2 || len(res.Errors) != 2 {
		t.Fatalf("records %d, dropped %d, errors %d; want 2, 2, 2", len(res.Records), res.Dropped, len(res.Errors))
	}
	if res.Errors[0].Line != 3 || res.Errors[0].Column != "uid" {
		t.Errorf("first drop = %+v, want line 3 column uid", res.Errors[0])
	}
	if res.Errors[1].Column != "name" {
		t.Errorf("second drop column = %q, want name", res.Errors[1].Column)
	}
	// A short UID is kept as given; only its numeric form is left empty.
	short := res.Records[1]
	if short["uid"] != "12345" || short["uid_raw"] != nil {
		t.Errorf("short UID record = %v", short)
	}
}

func TestTransformConversionErrorDropsRow(t *testing.T) {
	def := &models.PipelineDefinition{
		Name:        "counts",
		ConflictKey: models.ConflictKey{"id"},
		Fields: []models.FieldConfig{
			{Column: "id", From: []string{"ID"}, Type: "int"},
			{Column: "n", From: []string{"N"}, Type: "int"},
		},
	}
	res := NewTransformer(def).Transform(context.Background(), []models.RawRow{
		{Line: 2, Fields: map[string]string{"ID": "1", "N": "12"}},
		{Line: 3, Fields: map[string]string{"ID": "2", "N": "twelve"}},
	})
	if len(res.Records) != 1 || res.Dropped != 1 {
		t.Fatalf("records %d, dropped %d; want 1, 1", len(res.Records), res.Dropped)
	}
	if res.Errors[0].Column != "n" {
		t.Errorf("drop column = %q, want n", res.Errors[0].Column)
	}
}

func TestTransformPassthrough(t *testing.T) {
	def := &models.PipelineDefinition{
		Name:        "sitg",
		ConflictKey: models.ConflictKey{"egrid"},
		Passthrough: true,
		Exclude:     []string{"SHAPE Area"},
	}
	rec, terr := NewTransformer(def).TransformRow(models.RawRow{Fields: map[string]string{
		"EGRID":       "CH1234",
		"N° parcelle": " 42 ",
		"Commune":     "   ",
		"SHAPE Area":  "12.5",
	}})
	if terr != nil {
		t.Fatalf("unexpected drop: %v", terr)
	}

	if rec["egrid"] != "CH1234" {
		t.Errorf("egrid = %v", rec["egrid"])
	}
	if rec["n__parcelle"] != "42" {
		t.Errorf("n__parcelle = %#v", rec["n__parcelle"])
	}
	if v, ok := rec["commune"]; !ok || v != nil {
		t.Errorf("blank value should be present as nil, got %#v (present=%v)", v, ok)
	}
	if _, ok := rec["shape_area"]; ok {
		t.Error("excluded column leaked into the record")
	}
}

func TestTransformPassthroughCollisions(t *testing.T) {
	def := &models.PipelineDefinition{
		Name:        "sitg",
		ConflictKey: models.ConflictKey{"egrid"},
		Passthrough: true,
	}
	fields := map[string]string{"EGRID": "CH1", "Commune": "Genève", "COMMUNE": "Carouge", "commune": "Meyrin"}

	tests := []struct {
		name    string
		headers []string
		want    string
	}{
		{"first header in file order wins", []string{"EGRID", "COMMUNE", "Commune", "commune"}, "Carouge"},
		{"other file order", []string{"commune", "Commune", "EGRID", "COMMUNE"}, "Meyrin"},
		{"sorted without a header", nil, "Carouge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransformer(def)
			// Repeated runs must agree; map iteration order must not leak.
			for i := 0; i < 20; i++ {
				rec, terr := tr.TransformRow(models.RawRow{Fields: fields, Headers: tt.headers})
				if terr != nil {
					t.Fatalf("unexpected drop: %v", terr)
				}
				if rec["commune"] != tt.want {
					t.Fatalf("run %d: commune = %v, want %s", i, rec["commune"], tt.want)
				}
			}
		})
	}
}

func TestTransformRenames(t *testing.T) {
	tests := []struct {
		name    string
		renames map[string]string
		present []string
		absent  []string
		values  map[string]any
	}{
		{"mapped field", map[string]string{"city": "municipality"}, []string{"municipality", "uid"}, []string{"city"}, map[string]any{"municipality": "Genève"}},
		{"constants are added after renames", map[string]string{"status": "state"}, []string{"status"}, []string{"state"}, nil},
		{"unknown column ignored", map[string]string{"nope": "other"}, []string{"city"}, []string{"nope", "other"}, nil},
		{"swap", map[string]string{"city": "name", "name": "city"}, []string{"city", "name"}, nil, map[string]any{"city": "ACME", "name": "Genève"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := zefixDefinition()
			def.Renames = tt.renames
			rec, terr := NewTransformer(def).TransformRow(models.RawRow{
				Shard:  "GE",
				Line:   2,
				Fields: map[string]string{"company_uid": "CHE123456789", "company_legal_name": "ACME", "locality": "Genève"},
			})
			if terr != nil {
				t.Fatalf("unexpected drop: %v", terr)
			}
			for _, c := range tt.present {
				if _, ok := rec[c]; !ok {
					t.Errorf("column %q missing from %v", c, rec)
				}
			}
			for c, want := range tt.values {
				if rec[c] != want {
					t.Errorf("%s = %v, want %v", c, rec[c], want)
				}
			}
			for _, c := range tt.absent {
				if _, ok := rec[c]; ok {
					t.Errorf("column %q should be absent from %v", c, rec)
				}
			}
		})
	}
}

func TestTransformErrorMessage(t *testing.T) {
	e := &TransformError{Shard: "VD", Line: 7, Column: "uid", Reason: "missing value"}
	if got, want := e.Error(), "VD line 7: column uid: missing value"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
