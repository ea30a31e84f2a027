package etl

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/BartekS5/opendata-import/pkg/models"
)

type fakeImporter struct {
	rows     []models.RawRow
	fetchErr error
	tr       *Transformer
}

func (f *fakeImporter) Name() string { return "fake" }

func (f *fakeImporter) Fetch(context.Context) ([]models.RawRow, error) {
	return f.rows, f.fetchErr
}

func (f *fakeImporter) Transform(ctx context.Context, rows []models.RawRow) TransformResult {
	return f.tr.Transform(ctx, rows)
}

func companyRows() []models.RawRow {
	return []models.RawRow{
		{Shard: "BE", Line: 2, Fields: map[string]string{"company_uid": "CHE100000001", "company_legal_name": "One"}},
		{Shard: "BE", Line: 3, Fields: map[string]string{"company_uid": "", "company_legal_name": "No key"}},
		{Shard: "BE", Line: 4, Fields: map[string]string{"company_uid": "CHE100000002", "company_legal_name": "Two"}},
		{Shard: "BE", Line: 5, Fields: map[string]string{"company_uid": "CHE100000003", "company_legal_name": "Three"}},
	}
}

func singleTarget(l *Loader) []Target {
	return []Target{{Name: "default", Table: "zefix_companies", Loader: l}}
}

func TestPipelineRun(t *testing.T) {
	s := newMemStore()
	imp := &fakeImporter{rows: companyRows(), tr: NewTransformer(zefixDefinition())}
	l := newTestLoader(t, s, Options{BatchSize: 2, MaxRetries: 1}, nil)

	report, err := NewPipeline(imp, models.ConflictKey{"uid"}, singleTarget(l), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.RunID == "" {
		t.Error("run id not set")
	}
	if report.Fetched != 4 || report.Transformed != 3 || report.Dropped != 1 || len(report.Targets) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	tr := report.Targets[0]
	if tr.Committed != 3 || tr.Upsert.Requests != 2 {
		t.Errorf("committed %d in %d requests, want 3 in 2", tr.Committed, tr.Upsert.Requests)
	}
	if tr.CountBefore == nil || *tr.CountBefore != 0 {
		t.Errorf("CountBefore = %v, want 0", tr.CountBefore)
	}
	if tr.CountAfter == nil || *tr.CountAfter != 3 {
		t.Errorf("CountAfter = %v, want 3", tr.CountAfter)
	}
	if report.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestPipelineDryRunWritesNothing(t *testing.T) {
	s := newMemStore()
	imp := &fakeImporter{rows: companyRows(), tr: NewTransformer(zefixDefinition())}
	l := newTestLoader(t, s, Options{BatchSize: 2}, nil)

	report, err := NewPipeline(imp, models.ConflictKey{"uid"}, singleTarget(l), true).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(s.calls) != 0 {
		t.Errorf("dry run issued %d upserts", len(s.calls))
	}
	if !report.DryRun || report.Transformed != 3 || len(report.Targets) != 1 || report.Targets[0].Committed != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestPipelineFetchErrorAborts(t *testing.T) {
	s := newMemStore()
	imp := &fakeImporter{
		fetchErr: &FetchError{Source: "fake", URL: "http://example.invalid", StatusCode: 502, Err: errors.New("bad gateway")},
		tr:       NewTransformer(zefixDefinition()),
	}
	l := newTestLoader(t, s, Options{BatchSize: 2}, nil)

	_, err := NewPipeline(imp, models.ConflictKey{"uid"}, singleTarget(l), false).Run(context.Background())
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if len(s.calls) != 0 {
		t.Errorf("no upsert expected after a failed fetch, got %d", len(s.calls))
	}
}

func TestPipelineReportsCommittedOnFailure(t *testing.T) {
	s := newMemStore()
	s.failFor = func(call int, _ []models.Record) error {
		if call >= 2 {
			return transientErr()
		}
		return nil
	}
	imp := &fakeImporter{rows: companyRows(), tr: NewTransformer(zefixDefinition())}
	l := newTestLoader(t, s, Options{BatchSize: 2, MaxRetries: 1}, nil)

	report, err := NewPipeline(imp, models.ConflictKey{"uid"}, singleTarget(l), false).Run(context.Background())
	var uerr *UpsertError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpsertError, got %v", err)
	}
	tr := report.Targets[0]
	if tr.Committed != 2 || uerr.Committed != 2 || uerr.Attempts != 2 {
		t.Errorf("committed %d (error says %d), attempts %d; want 2, 2, 2", tr.Committed, uerr.Committed, uerr.Attempts)
	}
	if tr.CountAfter != nil {
		t.Error("CountAfter should stay unset after a failed run")
	}
}

// columnStore is a memStore that reports a fixed column list.
type columnStore struct {
	*memStore
	cols []string
	err  error
}

func (c *columnStore) Columns(context.Context, string) ([]string, error) {
	return c.cols, c.err
}

func TestPipelineMultipleTargets(t *testing.T) {
	failing := func(int, []models.Record) error { return permanentErr() }

	tests := []struct {
		name           string
		secondFails    bool
		secondOptional bool
		wantErr        bool
	}{
		{"both succeed", false, false, false},
		{"optional target fails", true, true, false},
		{"required target fails", true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, secondary := newMemStore(), newMemStore()
			if tt.secondFails {
				secondary.failFor = failing
			}
			imp := &fakeImporter{rows: companyRows(), tr: NewTransformer(zefixDefinition())}
			targets := []Target{
				{Name: "primary", Table: "zefix_companies", Loader: newTestLoader(t, primary, Options{BatchSize: 10}, nil)},
				{Name: "mirror", Table: "companies", Optional: tt.secondOptional, Loader: newTestLoader(t, secondary, Options{BatchSize: 10}, nil)},
			}

			report, err := NewPipeline(imp, models.ConflictKey{"uid"}, targets, false).Run(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var uerr *UpsertError
				if !errors.As(err, &uerr) {
					t.Errorf("expected an UpsertError in %v", err)
				}
			}
			if len(report.Targets) != 2 {
				t.Fatalf("got %d target reports, want 2", len(report.Targets))
			}
			if len(primary.rows) != 3 || report.Targets[0].Committed != 3 {
				t.Errorf("primary has %d rows, report says %d; want 3", len(primary.rows), report.Targets[0].Committed)
			}
			if got := report.Targets[1].Err != nil; got != tt.secondFails {
				t.Errorf("mirror error = %v, want failure %v", report.Targets[1].Err, tt.secondFails)
			}
		})
	}
}

func TestPipelineFilterColumns(t *testing.T) {
	tests := []struct {
		name        string
		cols        []string
		listErr     error
		wantDropped bool
	}{
		{"drops unknown columns", []string{"name", "canton"}, nil, true},
		{"keeps everything on discovery failure", nil, errors.New("boom"), false},
		{"keeps everything for an empty table", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &columnStore{memStore: newMemStore(), cols: tt.cols, err: tt.listErr}
			imp := &fakeImporter{rows: companyRows(), tr: NewTransformer(zefixDefinition())}
			p := NewPipeline(imp, models.ConflictKey{"uid"}, singleTarget(newTestLoader(t, s, Options{BatchSize: 10}, nil)), false)
			p.FilterColumns = true

			report, err := p.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			dropped := report.Targets[0].DroppedColumns
			if got := len(dropped) > 0; got != tt.wantDropped {
				t.Fatalf("dropped columns = %v, want some: %v", dropped, tt.wantDropped)
			}
			for _, r := range s.rows {
				if _, ok := r["uid"]; !ok {
					t.Errorf("conflict key column removed: %v", r)
				}
				if _, ok := r["status"]; ok == tt.wantDropped {
					t.Errorf("status column present = %v, want %v", ok, !tt.wantDropped)
				}
			}
			if tt.wantDropped && (!slices.Contains(dropped, "status") || slices.Contains(dropped, "uid") || !slices.IsSorted(dropped)) {
				t.Errorf("dropped = %v, want sorted, with status and without uid", dropped)
			}
		})
	}
}
