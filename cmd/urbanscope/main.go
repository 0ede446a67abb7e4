// Package main implements the urbanscope CLI: a rate-limited, resumable
// harvester that catalogs urban-environment sequencing datasets and their
// publications from the NCBI identifier spaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/urbanscope/internal/config"
	"github.com/fyrsmithlabs/urbanscope/internal/harvest"
	"github.com/fyrsmithlabs/urbanscope/internal/logging"
)

var (
	configPath string
	version    = "dev"

	// Per-run overrides layered on top of file and environment config.
	flagQuery           string
	flagMaxPerDay       int
	flagRecentDays      int
	flagPageSize        int
	flagMaxTotal        int
	flagStopAfterNew    int
	flagRunInfoMaxRows  int
	flagSort            string
	flagFetchBioProject bool
	flagFetchBioSample  bool

	backfillYear int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "urbanscope",
	Short: "Harvest and catalog urban-environment omics datasets from NCBI",
	Long: `urbanscope harvests dataset and publication identifiers from the NCBI
E-utilities API, deduplicates them against a persistent seen-ID ledger,
links publications to their datasets, and appends finished records to an
append-only, size-bounded catalog. Derived exports (chunked JSON arrays,
a manifest, and a latest feed) are rebuilt at the end of each run.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	for _, c := range []*cobra.Command{dailyCmd, backfillCmd, crawlCmd} {
		c.Flags().StringVar(&flagQuery, "query", "", "override the search query")
		c.Flags().IntVar(&flagRunInfoMaxRows, "runinfo-max-rows", 0, "cap runinfo rows per dataset")
		c.Flags().BoolVar(&flagFetchBioProject, "fetch-bioproject", false, "enrich records with BioProject detail")
		c.Flags().BoolVar(&flagFetchBioSample, "fetch-biosample", false, "enrich records with BioSample attributes")
	}

	dailyCmd.Flags().IntVar(&flagMaxPerDay, "max-per-day", 0, "cap candidates per window")
	dailyCmd.Flags().IntVar(&flagRecentDays, "recent-days", 0, "size of the rolling window in days")

	backfillCmd.Flags().IntVar(&backfillYear, "year", 0, "calendar year to backfill")
	backfillCmd.Flags().IntVar(&flagMaxPerDay, "max-per-day", 0, "cap candidates per day")
	_ = backfillCmd.MarkFlagRequired("year")

	crawlCmd.Flags().IntVar(&flagPageSize, "page-size", 0, "esearch page size")
	crawlCmd.Flags().IntVar(&flagMaxTotal, "max-total", 0, "cap total candidates examined")
	crawlCmd.Flags().IntVar(&flagStopAfterNew, "stop-after-new", 0, "stop once this many new records were appended")
	crawlCmd.Flags().StringVar(&flagSort, "sort", "", "esearch sort order")

	rootCmd.AddCommand(dailyCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(exportCmd)
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Harvest the recent window of both identifier spaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHarvest(func(ctx context.Context, o *harvest.Orchestrator) error {
			return o.Daily(ctx)
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill-year",
	Short: "Harvest one calendar year day by day",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHarvest(func(ctx context.Context, o *harvest.Orchestrator) error {
			return o.BackfillYear(ctx, backfillYear)
		})
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Walk the full dataset listing with a pagination cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHarvest(func(ctx context.Context, o *harvest.Orchestrator) error {
			return o.Crawl(ctx)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Rebuild the derived export artifacts from the catalog",
	Long: `Rebuild the chunked JSON exports, manifest, and index from the catalog
part files. The rebuild is side-effect-free with respect to the catalog and
may be re-run at any time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		eng, err := harvest.NewEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		manifest, err := eng.Exporter.Rebuild(nil)
		if err != nil {
			return err
		}
		logger.Info(cmd.Context(), "exports rebuilt",
			zap.Int("total_records", manifest.TotalRecords),
			zap.Int("parts", len(manifest.Parts)))
		return nil
	},
}

// runHarvest builds the engine, installs signal handling, and executes one
// run mode.
func runHarvest(mode func(context.Context, *harvest.Orchestrator) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := harvest.NewEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	return mode(ctx, eng.Orchestrator)
}

// setup loads config, applies flag overrides, and builds the logger.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format

	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, logger, nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagQuery != "" {
		cfg.Harvest.Query = flagQuery
	}
	if flagMaxPerDay > 0 {
		cfg.Harvest.MaxPerDay = flagMaxPerDay
	}
	if flagRecentDays > 0 {
		cfg.Harvest.RecentDays = flagRecentDays
	}
	if flagPageSize > 0 {
		cfg.Harvest.PageSize = flagPageSize
	}
	if flagMaxTotal > 0 {
		cfg.Harvest.MaxTotal = flagMaxTotal
	}
	if flagStopAfterNew > 0 {
		cfg.Harvest.StopAfterNew = flagStopAfterNew
	}
	if flagRunInfoMaxRows > 0 {
		cfg.Harvest.RunInfoMaxRows = flagRunInfoMaxRows
	}
	if flagSort != "" {
		cfg.Harvest.Sort = flagSort
	}
	if flagFetchBioProject {
		cfg.Harvest.FetchBioProject = true
	}
	if flagFetchBioSample {
		cfg.Harvest.FetchBioSample = true
	}
}
