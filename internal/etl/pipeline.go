package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BartekS5/opendata-import/pkg/logger"
	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/google/uuid"
)

// maxLoggedDrops limits how many dropped rows are logged individually per run.
const maxLoggedDrops = 10

// Target is one table the pipeline's records are written to.
type Target struct {
	Name  string
	Table string
	// Optional targets may fail without failing the run.
	Optional bool
	// Loader is nil on dry runs. Its store is also consulted for row counts
	// and, with FilterColumns, for the table's columns.
	Loader *Loader
}

type Pipeline struct {
	Importer Importer
	Targets  []Target
	Key      models.ConflictKey
	// FilterColumns drops record columns the target table does not have.
	FilterColumns bool
	DryRun        bool
}

func NewPipeline(imp Importer, key models.ConflictKey, targets []Target, dryRun bool) *Pipeline {
	return &Pipeline{
		Importer: imp,
		Targets:  targets,
		Key:      key,
		DryRun:   dryRun,
	}
}

// Run fetches and transforms once, then upserts into every target in order.
// The report is returned even on failure so callers can see how far the run got.
func (p *Pipeline) Run(ctx context.Context) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:    uuid.NewString(),
		Pipeline: p.Importer.Name(),
		DryRun:   p.DryRun,
	}
	log := logger.L().With("run_id", report.RunID, "pipeline", report.Pipeline)
	startTime := time.Now()
	defer func() { report.Duration = time.Since(startTime) }()

	log.Info("starting pipeline", "targets", len(p.Targets), "conflict_key", p.Key.String(), "dry_run", p.DryRun)

	// 1. Fetch
	rows, err := p.Importer.Fetch(ctx)
	if err != nil {
		log.Error("fetch failed", "error", err)
		report.Err = fmt.Errorf("pipeline %s: %w", report.Pipeline, err)
		return report, report.Err
	}
	report.Fetched = len(rows)

	// 2. Transform
	result := p.Importer.Transform(ctx, rows)
	report.Transformed = len(result.Records)
	report.Dropped = result.Dropped
	for n, terr := range result.Errors {
		if n == maxLoggedDrops {
			log.Debug("further dropped rows not logged", "remaining", len(result.Errors)-n)
			break
		}
		log.Debug("row dropped", "reason", terr.Error())
	}
	log.Info("rows transformed", "fetched", report.Fetched, "records", report.Transformed, "dropped", report.Dropped)

	// 3. Load (skipped on dry run)
	if p.DryRun {
		for _, t := range p.Targets {
			report.Targets = append(report.Targets, models.TargetReport{Name: t.Name, Table: t.Table, Optional: t.Optional})
			args := []any{"target", t.Name, "table", t.Table, "records", report.Transformed}
			if t.Loader != nil {
				args = append(args, "batches", len(Partition(result.Records, t.Loader.BatchSize())))
			}
			log.Info("[DRY RUN] would upsert records", args...)
		}
		return report, nil
	}

	var errs []error
	for _, t := range p.Targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		tr := p.load(ctx, log.With("target", t.Name, "table", t.Table), t, result.Records)
		report.Targets = append(report.Targets, tr)
		if tr.Err == nil {
			continue
		}
		if t.Optional {
			log.Warn("optional target failed", "target", t.Name, "error", tr.Err)
			continue
		}
		errs = append(errs, tr.Err)
	}
	if err := errors.Join(errs...); err != nil {
		report.Err = fmt.Errorf("pipeline %s: %w", report.Pipeline, err)
		return report, report.Err
	}

	log.Info("pipeline finished", "duration", time.Since(startTime).Round(time.Millisecond))
	return report, nil
}

// load writes records to one target and fills its report.
func (p *Pipeline) load(ctx context.Context, log *slog.Logger, t Target, records []models.Record) models.TargetReport {
	tr := models.TargetReport{Name: t.Name, Table: t.Table, Optional: t.Optional}
	if t.Loader == nil {
		tr.Err = fmt.Errorf("target %s: no loader", t.Name)
		return tr
	}
	start := time.Now()

	if p.FilterColumns {
		records, tr.DroppedColumns = p.filterColumns(ctx, log, t, records)
	}
	tr.CountBefore = count(ctx, log, t)

	upsert, err := t.Loader.BatchUpsert(ctx, t.Table, records, p.Key)
	tr.Upsert = upsert
	tr.Committed = upsert.Committed
	if err != nil {
		tr.Err = fmt.Errorf("target %s: %d of %d records committed: %w", t.Name, upsert.Committed, len(records), err)
		return tr
	}

	// 4. Stats
	tr.CountAfter = count(ctx, log, t)
	duration := time.Since(start)
	rate := 0.0
	if duration.Seconds() > 0 {
		rate = float64(tr.Committed) / duration.Seconds()
	}
	log.Info("target written",
		"committed", tr.Committed,
		"batches", upsert.BatchesCommitted,
		"requests", upsert.Requests,
		"duration", duration.Round(time.Millisecond),
		"rows_per_sec", fmt.Sprintf("%.2f", rate),
	)
	return tr
}

// filterColumns keeps only the columns the target table reports, plus the
// conflict key. It is best effort: when the columns cannot be listed the
// records pass through unchanged. The input records are not modified.
func (p *Pipeline) filterColumns(ctx context.Context, log *slog.Logger, t Target, records []models.Record) ([]models.Record, []string) {
	lister, ok := t.Loader.store.(ColumnLister)
	if !ok {
		return records, nil
	}
	cols, err := lister.Columns(ctx, t.Table)
	if err != nil {
		log.Warn("column discovery failed, writing all columns", "error", err)
		return records, nil
	}
	if len(cols) == 0 {
		log.Debug("table has no rows to discover columns from, writing all columns")
		return records, nil
	}

	known := make(map[string]bool, len(cols)+len(p.Key))
	for _, c := range cols {
		known[c] = true
	}
	for _, c := range p.Key {
		known[c] = true
	}

	dropped := make(map[string]bool)
	out := make([]models.Record, len(records))
	for i, r := range records {
		kept := make(models.Record, len(r))
		for k, v := range r {
			if known[k] {
				kept[k] = v
			} else {
				dropped[k] = true
			}
		}
		out[i] = kept
	}
	if len(dropped) == 0 {
		return records, nil
	}

	names := make([]string, 0, len(dropped))
	for k := range dropped {
		names = append(names, k)
	}
	sort.Strings(names)
	log.Info("dropping columns unknown to the target table", "columns", names)
	return out, names
}

// count is best effort; a failure is logged and leaves the count unset.
func count(ctx context.Context, log *slog.Logger, t Target) *int64 {
	c, ok := t.Loader.store.(Counter)
	if !ok {
		return nil
	}
	n, err := c.Count(ctx, t.Table)
	if err != nil {
		log.Warn("row count unavailable", "error", err)
		return nil
	}
	return &n
}
