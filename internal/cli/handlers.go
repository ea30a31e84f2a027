package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/BartekS5/opendata-import/internal/config"
	"github.com/BartekS5/opendata-import/internal/etl"
	"github.com/BartekS5/opendata-import/pkg/database"
	"github.com/BartekS5/opendata-import/pkg/logger"
	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/BartekS5/opendata-import/pkg/store"
	"github.com/spf13/cobra"
)

const closeTimeout = 10 * time.Second

// targetStore is what every store constructor returns.
type targetStore interface {
	etl.Store
	etl.Closer
}

func runImport(cmd *cobra.Command, a *app, opts *ImportOptions, names []string) error {
	ctx := cmd.Context()
	cfg := a.cfg
	if opts.Store != "" {
		cfg.Store = opts.Store
	}

	mapping, err := config.LoadMapping(mappingPath(cfg, opts.MappingFile))
	if err != nil {
		return err
	}
	defs, err := selectPipelines(mapping, names, opts.All)
	if err != nil {
		return err
	}

	// Store credentials are only checked when the STORE target is used.
	validate := cfg.Validate
	if opts.DryRun || !needsDefaultStore(defs) {
		validate = cfg.ValidateSettings
	}
	if err := validate(); err != nil {
		return err
	}

	// The STORE target is only needed by pipelines without destinations.
	var target targetStore
	if !opts.DryRun && needsDefaultStore(defs) {
		target, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(target)
	}

	var (
		reports []*models.RunReport
		errs    []error
	)
	for _, def := range defs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := runPipeline(ctx, cfg, def, opts, target)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			// Other pipelines still run; the process exits non-zero at the end.
			logger.Error("pipeline failed", "pipeline", def.Name, "error", err)
			errs = append(errs, err)
		}
	}

	printReports(cmd.OutOrStdout(), reports)
	return errors.Join(errs...)
}

func needsDefaultStore(defs []*models.PipelineDefinition) bool {
	for _, def := range defs {
		if len(def.Destinations) == 0 {
			return true
		}
	}
	return false
}

func runPipeline(ctx context.Context, cfg *config.Config, def *models.PipelineDefinition, opts *ImportOptions, target targetStore) (*models.RunReport, error) {
	importer := etl.NewCSVImporter(def,
		etl.WithFetchTimeout(cfg.Import.FetchTimeout),
		etl.WithFetchConcurrency(cfg.Import.FetchConcurrency),
	)

	loaderOpts := loaderOptions(cfg, def, opts)
	targets, closers, err := buildTargets(cfg, def, opts.DryRun, loaderOpts, target)
	for _, c := range closers {
		defer closeStore(c)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", def.Name, err)
	}

	logger.Info("running pipeline",
		"pipeline", def.Name,
		"targets", len(targets),
		"batch_size", loaderOpts.BatchSize,
		"max_retries", loaderOpts.MaxRetries,
	)
	p := etl.NewPipeline(importer, def.ConflictKey, targets, opts.DryRun)
	p.FilterColumns = def.FilterColumns
	return p.Run(ctx)
}

// buildTargets returns the pipeline's targets: its destinations when it has
// any, else the shared STORE target. Stores opened for destinations are
// returned for closing, also on error. Loaders are left nil on dry runs.
func buildTargets(cfg *config.Config, def *models.PipelineDefinition, dryRun bool, opts etl.Options, shared targetStore) ([]etl.Target, []etl.Closer, error) {
	if len(def.Destinations) == 0 {
		t := etl.Target{Name: cfg.Store, Table: def.Table}
		if !dryRun {
			loader, err := etl.NewLoader(shared, opts)
			if err != nil {
				return nil, nil, err
			}
			t.Loader = loader
		}
		return []etl.Target{t}, nil, nil
	}

	var (
		targets []etl.Target
		closers []etl.Closer
	)
	for _, d := range def.Destinations {
		t := etl.Target{Name: d.Name, Table: d.TargetTable(def), Optional: d.Optional}
		if dryRun {
			targets = append(targets, t)
			continue
		}
		rc, ok := config.DestinationREST(cfg.REST, d)
		if !ok {
			if d.Optional {
				logger.Warn("optional destination not configured, skipping",
					"pipeline", def.Name, "destination", d.Name, "url_env", d.URLEnv, "key_env", d.KeyEnv)
				continue
			}
			return targets, closers, fmt.Errorf("destination %s: %s and %s must be set", d.Name, d.URLEnv, d.KeyEnv)
		}
		s, err := store.NewRESTStore(restStoreConfig(rc))
		if err != nil {
			return targets, closers, fmt.Errorf("destination %s: %w", d.Name, err)
		}
		closers = append(closers, s)
		loader, err := etl.NewLoader(s, opts)
		if err != nil {
			return targets, closers, err
		}
		t.Loader = loader
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, closers, errors.New("no destination configured")
	}
	return targets, closers, nil
}

func restStoreConfig(rc config.RESTConfig) store.RESTConfig {
	return store.RESTConfig{
		BaseURL:    rc.URL,
		ServiceKey: rc.ServiceKey,
		Schema:     rc.Schema,
		Timeout:    rc.Timeout,
	}
}

// loaderOptions resolves batch size and retries: flag, then pipeline, then environment.
func loaderOptions(cfg *config.Config, def *models.PipelineDefinition, opts *ImportOptions) etl.Options {
	o := etl.Options{
		BatchSize:  cfg.Import.BatchSize,
		MaxRetries: cfg.Import.MaxRetries,
		BaseDelay:  cfg.Import.RetryBaseDelay,
		MaxDelay:   cfg.Import.RetryMaxDelay,
		BatchPause: cfg.Import.BatchPause,
	}
	if def.BatchSize > 0 {
		o.BatchSize = def.BatchSize
	}
	if def.MaxRetries != nil {
		o.MaxRetries = *def.MaxRetries
	}
	if opts.BatchSize > 0 {
		o.BatchSize = opts.BatchSize
	}
	if opts.MaxRetries >= 0 {
		o.MaxRetries = opts.MaxRetries
	}
	return o
}

func selectPipelines(mapping *models.MappingConfig, names []string, all bool) ([]*models.PipelineDefinition, error) {
	if all {
		if len(names) > 0 {
			return nil, errors.New("pass either pipeline names or --all, not both")
		}
		defs := make([]*models.PipelineDefinition, len(mapping.Pipelines))
		for i := range mapping.Pipelines {
			defs[i] = &mapping.Pipelines[i]
		}
		return defs, nil
	}
	if len(names) == 0 {
		return nil, errors.New("no pipeline given; name one or more pipelines or use --all")
	}

	defs := make([]*models.PipelineDefinition, 0, len(names))
	for _, name := range names {
		def := mapping.Find(name)
		if def == nil {
			return nil, fmt.Errorf("pipeline %q not found in mapping file", name)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// openStore builds the configured store; credentials come from cfg only.
func openStore(ctx context.Context, cfg *config.Config) (targetStore, error) {
	switch cfg.Store {
	case config.StoreREST:
		s, err := store.NewRESTStore(restStoreConfig(cfg.REST))
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.StorePostgres:
		pool, err := database.ConnectPostgres(ctx, cfg.Postgres.URL, database.PostgresOptions{
			MaxConns:        int32(cfg.Postgres.MaxConns),
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pool, cfg.Postgres.Schema), nil

	case config.StoreMongo:
		client, err := database.ConnectMongo(ctx, cfg.Mongo.ConnString)
		if err != nil {
			return nil, err
		}
		return store.NewMongoStore(client, cfg.Mongo.Database), nil

	case config.StoreSQLServer:
		db, err := database.ConnectSQLServer(ctx, cfg.SQL.ConnString)
		if err != nil {
			return nil, err
		}
		return store.NewSQLServerStore(db, cfg.SQL.Schema), nil

	case config.StoreSQLite:
		db, err := database.ConnectSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(db), nil

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func closeStore(s etl.Closer) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.Warn("closing store failed", "error", err)
	}
}

func runList(cmd *cobra.Command, a *app, mappingFile string) error {
	mapping, err := config.LoadMapping(mappingPath(a.cfg, mappingFile))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTABLE\tCONFLICT KEY\tSHARDS\tDESCRIPTION")
	for _, p := range mapping.Pipelines {
		shards := len(p.Source.Shards)
		if shards == 0 {
			shards = 1
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.Name, p.Table, p.ConflictKey.String(), shards, p.Description)
	}
	return w.Flush()
}

func runCount(cmd *cobra.Command, a *app, mappingFile, storeKind, name string) error {
	ctx := cmd.Context()
	cfg := a.cfg
	if storeKind != "" {
		cfg.Store = storeKind
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mapping, err := config.LoadMapping(mappingPath(cfg, mappingFile))
	if err != nil {
		return err
	}
	def := mapping.Find(name)
	if def == nil {
		return fmt.Errorf("pipeline %q not found in mapping file", name)
	}

	target, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(target)

	counter, ok := target.(etl.Counter)
	if !ok {
		return fmt.Errorf("store %q cannot count rows", cfg.Store)
	}
	n, err := counter.Count(ctx, def.Table)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", def.Table, n)
	return nil
}

func printReports(out io.Writer, reports []*models.RunReport) {
	if len(reports) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tTARGET\tTABLE\tFETCHED\tRECORDS\tDROPPED\tCOMMITTED\tSTATUS\tDURATION")
	for _, r := range reports {
		duration := r.Duration.Round(time.Millisecond)
		if len(r.Targets) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\t%d\t%d\t%d\t0\t%s\t%s\n",
				r.Pipeline, r.Fetched, r.Transformed, r.Dropped, status(r, nil), duration)
			continue
		}
		for i := range r.Targets {
			t := &r.Targets[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
				r.Pipeline, t.Name, t.Table, r.Fetched, r.Transformed, r.Dropped, t.Committed, status(r, t), duration)
		}
	}
	w.Flush()
}

func status(r *models.RunReport, t *models.TargetReport) string {
	switch {
	case t != nil && t.Upsert.FailedBatch > 0:
		return fmt.Sprintf("failed at batch %d/%d", t.Upsert.FailedBatch, t.Upsert.TotalBatches)
	case t != nil && t.Err != nil && t.Optional:
		return "failed (optional)"
	case t != nil && t.Err != nil, r.Err != nil && t == nil:
		return "failed"
	case r.DryRun:
		return "dry run"
	default:
		return "ok"
	}
}
