package cli

import (
	"github.com/BartekS5/opendata-import/internal/config"
	"github.com/spf13/cobra"
)

// ImportOptions holds the flags of the import command. Zero values defer to
// the pipeline definition, then to the environment.
type ImportOptions struct {
	MappingFile string
	All         bool
	Store       string
	BatchSize   int
	MaxRetries  int
	DryRun      bool
}

func newImportCmd(a *app) *cobra.Command {
	opts := &ImportOptions{}

	cmd := &cobra.Command{
		Use:   "import [pipeline...]",
		Short: "Fetch, transform and upsert one or more pipelines",
		Example: `  odimport import zefix
  odimport import --all --dry-run
  odimport import sitg_ddp --store postgres --batch-size 1000`,
		RunE: func(c *cobra.Command, args []string) error {
			if !c.Flags().Changed("max-retries") {
				opts.MaxRetries = -1
			}
			return runImport(c, a, opts, args)
		},
	}

	addMappingFlag(cmd, &opts.MappingFile)
	cmd.Flags().BoolVar(&opts.All, "all", false, "Run every pipeline in the mapping file")
	cmd.Flags().StringVar(&opts.Store, "store", "", "Target store: rest, postgres, mongo, sqlserver, sqlite (default from STORE)")
	cmd.Flags().IntVarP(&opts.BatchSize, "batch-size", "b", 0, "Records per upsert request (default from pipeline or BATCH_SIZE)")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "Retries per batch on transient errors (default from pipeline or MAX_RETRIES)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Fetch and transform only; write nothing")

	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var mappingFile string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the pipelines defined in the mapping file",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runList(c, a, mappingFile)
		},
	}
	addMappingFlag(cmd, &mappingFile)
	return cmd
}

func newCountCmd(a *app) *cobra.Command {
	var mappingFile, storeKind string

	cmd := &cobra.Command{
		Use:   "count <pipeline>",
		Short: "Print the current row count of a pipeline's target table",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runCount(c, a, mappingFile, storeKind, args[0])
		},
	}
	addMappingFlag(cmd, &mappingFile)
	cmd.Flags().StringVar(&storeKind, "store", "", "Target store (default from STORE)")
	return cmd
}

func addMappingFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "mapping", "m", "", "Path to the pipeline mapping file (default from MAPPING_FILE)")
}

func mappingPath(cfg *config.Config, flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Import.MappingFile
}
