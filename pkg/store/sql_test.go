package store

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/BartekS5/opendata-import/pkg/models"
)

func TestBuildOnConflictUpsertPostgres(t *testing.T) {
	records := []models.Record{
		{"uid": "CHE-1", "name": "Alpha"},
		{"uid": "CHE-2", "name": "Beta", "city": "Bern"},
	}
	query, args := buildOnConflictUpsert(postgresDialect, `"public"."companies"`, models.Columns(records), records, models.ConflictKey{"uid"})

	want := `INSERT INTO "public"."companies" ("city", "name", "uid") VALUES ($1, $2, $3), ($4, $5, $6) ` +
		`ON CONFLICT ("uid") DO UPDATE SET "city" = EXCLUDED."city", "name" = EXCLUDED."name"`
	if query != want {
		t.Fatalf("query mismatch\n got: %s\nwant: %s", query, want)
	}
	wantArgs := []any{nil, "Alpha", "CHE-1", "Bern", "Beta", "CHE-2"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestBuildOnConflictUpsertKeyOnly(t *testing.T) {
	query, _ := buildOnConflictUpsert(sqliteDialect, `"tags"`, []string{"a", "b"}, []models.Record{{"a": 1, "b": 2}}, models.ConflictKey{"a", "b"})
	if !strings.HasSuffix(query, `ON CONFLICT ("a", "b") DO NOTHING`) {
		t.Errorf("expected DO NOTHING for key-only table, got %s", query)
	}
	if !strings.Contains(query, "VALUES (?, ?)") {
		t.Errorf("expected sqlite placeholders, got %s", query)
	}
}

func TestBuildMerge(t *testing.T) {
	records := []models.Record{{"id": 1, "name": "x"}, {"id": 2, "name": "y"}}
	query, args := buildMerge("[dbo].[items]", []string{"id", "name"}, records, models.ConflictKey{"id"})

	want := "MERGE INTO [dbo].[items] WITH (HOLDLOCK) AS target " +
		"USING (VALUES (@p1, @p2), (@p3, @p4)) AS source ([id], [name]) " +
		"ON target.[id] = source.[id] " +
		"WHEN MATCHED THEN UPDATE SET target.[name] = source.[name] " +
		"WHEN NOT MATCHED THEN INSERT ([id], [name]) VALUES (source.[id], source.[name]);"
	if query != want {
		t.Fatalf("query mismatch\n got: %s\nwant: %s", query, want)
	}
	if len(args) != 4 {
		t.Errorf("expected 4 args, got %d", len(args))
	}
}

func TestQuoteIdentifiers(t *testing.T) {
	if got := quoteTSQL("we]ird"); got != "[we]]ird]" {
		t.Errorf("quoteTSQL = %s", got)
	}
	if got := sqliteDialect.quote(`a"b`); got != `"a""b"` {
		t.Errorf("sqlite quote = %s", got)
	}
	if got := postgresDialect.quote(`a"b`); got != `"a""b"` {
		t.Errorf("postgres quote = %s", got)
	}
}

func TestDedupeByKey(t *testing.T) {
	key := models.ConflictKey{"id"}

	unique := []models.Record{{"id": 1}, {"id": 2}}
	if got := dedupeByKey(unique, key); len(got) != 2 {
		t.Fatalf("unique input changed: %v", got)
	}

	dup := []models.Record{
		{"id": 1, "v": "first"},
		{"id": 2, "v": "only"},
		{"id": 1, "v": "last"},
	}
	got := dedupeByKey(dup, key)
	want := []models.Record{{"id": 2, "v": "only"}, {"id": 1, "v": "last"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dedupeByKey = %v, want %v", got, want)
	}

	// Values of different types never collide.
	mixed := []models.Record{{"id": 1}, {"id": "1"}}
	if got := dedupeByKey(mixed, key); len(got) != 2 {
		t.Errorf("int 1 and string \"1\" should stay distinct, got %v", got)
	}
}

func TestChunkRecords(t *testing.T) {
	records := make([]models.Record, 10)
	for i := range records {
		records[i] = models.Record{"id": i, "a": 1, "b": 2}
	}
	cols := []string{"a", "b", "id"}

	chunks, err := chunkRecords(records, cols, 9)
	if err != nil {
		t.Fatalf("chunkRecords: %v", err)
	}
	var sizes []int
	total := 0
	for _, c := range chunks {
		sizes = append(sizes, len(c))
		total += len(c)
	}
	if !reflect.DeepEqual(sizes, []int{3, 3, 3, 1}) || total != 10 {
		t.Errorf("chunk sizes = %v", sizes)
	}
	if chunks[3][0]["id"] != 9 {
		t.Errorf("order not kept: last chunk starts with %v", chunks[3][0])
	}

	if _, err := chunkRecords(records, cols, 2); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("too many columns: expected ErrInvalidRecord, got %v", err)
	}
}

func TestBuildOnConflictUpsertUsesSharedColumns(t *testing.T) {
	// A chunk whose records lack a batch column still binds it as NULL.
	query, args := buildOnConflictUpsert(sqliteDialect, `"t"`, []string{"city", "uid"}, []models.Record{{"uid": "a"}}, models.ConflictKey{"uid"})
	if !strings.Contains(query, `("city", "uid") VALUES (?, ?)`) {
		t.Errorf("unexpected query: %s", query)
	}
	if len(args) != 2 || args[0] != nil {
		t.Errorf("args = %v", args)
	}
}
