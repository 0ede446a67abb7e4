// internal/config/config.go
package config

import (
	"fmt"
	"time"
)

// DefaultQuery is the boolean search expression shipped with the harvester.
// It constrains results to urban/built-environment contexts, shotgun
// metagenomics or metatranscriptomics assays, and environmental (non-host,
// non-clinical) sampling, and excludes marker-gene studies and common
// non-urban environments.
const DefaultQuery = `(("urban" OR "city" OR "cities" OR metropolitan OR municipal OR ` +
	`"built environment" OR subway OR metro OR transit OR railway OR airport OR ` +
	`"public transit" OR "public transport" OR wastewater OR sewage OR stormwater OR ` +
	`street OR sidewalk OR pavement OR building OR buildings OR housing OR ` +
	`"surface swab" OR fomite OR air OR aerosol) AND ` +
	`("whole genome shotgun" OR "shotgun metagenom*" OR "shotgun sequencing" OR ` +
	`metagenom* OR metatranscriptom* OR "total RNA sequencing" OR ` +
	`"metatranscriptome sequencing") AND ` +
	`(environment* OR "built environment" OR wastewater OR sewage OR stormwater OR ` +
	`surface OR swab OR air OR aerosol) NOT ` +
	`(amplicon OR "marker gene" OR "16S" OR "16S rRNA" OR "18S" OR "ITS" OR ` +
	`"V3-V4" OR "V4 region" OR "barcod*" OR "RNA-seq" OR "single-cell" OR scRNA OR ` +
	`"whole exome" OR WES OR soil OR sediment OR marine OR ocean OR freshwater OR ` +
	`river OR lake OR forest OR agricultur* OR farm OR plant OR rhizosphere))`

// MaxPartBytes is the default size ceiling for catalog part files and
// export chunks (50 MB).
const MaxPartBytes = 50 * 1024 * 1024

// Config is the root harvester configuration.
type Config struct {
	Harvest HarvestConfig `koanf:"harvest"`
	Client  ClientConfig  `koanf:"client"`
	Storage StorageConfig `koanf:"storage"`
	Export  ExportConfig  `koanf:"export"`
	Logging LoggingConfig `koanf:"logging"`
}

// HarvestConfig bounds a single run.
type HarvestConfig struct {
	// Query is the esearch term shared by all run modes.
	Query string `koanf:"query"`
	// PageSize is the retmax per esearch page (crawl mode).
	PageSize int `koanf:"page_size"`
	// MaxPerDay caps candidates pulled per day window (daily, backfill).
	MaxPerDay int `koanf:"max_per_day"`
	// RecentDays is the reldate window for daily runs.
	RecentDays int `koanf:"recent_days"`
	// MaxTotal caps total candidates examined in a crawl; 0 = unbounded.
	MaxTotal int `koanf:"max_total"`
	// StopAfterNew ends a crawl once this many new records were emitted;
	// 0 = run to end of results.
	StopAfterNew int `koanf:"stop_after_new"`
	// RunInfoMaxRows caps runinfo rows flattened per dataset UID.
	RunInfoMaxRows int `koanf:"runinfo_max_rows"`
	// Sort is the esearch sort order for crawls.
	Sort string `koanf:"sort"`
	// FetchBioProject enables BioProject cross-reference enrichment.
	FetchBioProject bool `koanf:"fetch_bioproject"`
	// FetchBioSample enables BioSample attribute enrichment.
	FetchBioSample bool `koanf:"fetch_biosample"`
}

// ClientConfig configures the E-utilities fetch client.
type ClientConfig struct {
	BaseURL string `koanf:"base_url"`
	// Tool and Email identify the caller to NCBI; both are optional but
	// recommended. APIKey raises the rate-limit ceiling from 3 to 10 rps.
	Tool       string   `koanf:"tool"`
	Email      string   `koanf:"email"`
	APIKey     Secret   `koanf:"api_key"`
	Rate       float64  `koanf:"rate"`
	Burst      int      `koanf:"burst"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
}

// StorageConfig locates the durable engine state.
type StorageConfig struct {
	// DataDir holds the ledger, catalog parts, and enrichment caches.
	DataDir string `koanf:"data_dir"`
	// DocsDir holds derived artifacts (exports, manifest, latest, reports).
	DocsDir string `koanf:"docs_dir"`
	// MaxPartBytes is the catalog part file size ceiling.
	MaxPartBytes int64 `koanf:"max_part_bytes"`
}

// ExportConfig bounds the derived export artifacts.
type ExportConfig struct {
	// MaxChunkBytes is the export chunk size ceiling.
	MaxChunkBytes int64 `koanf:"max_chunk_bytes"`
	// LatestMaxItems caps entries considered for the latest.json payload.
	LatestMaxItems int `koanf:"latest_max_items"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Harvest.Query == "" {
		return fmt.Errorf("harvest query cannot be empty")
	}
	if c.Harvest.PageSize <= 0 {
		return fmt.Errorf("harvest page_size must be > 0, got %d", c.Harvest.PageSize)
	}
	if c.Harvest.MaxPerDay <= 0 {
		return fmt.Errorf("harvest max_per_day must be > 0, got %d", c.Harvest.MaxPerDay)
	}
	if c.Harvest.RecentDays <= 0 {
		return fmt.Errorf("harvest recent_days must be > 0, got %d", c.Harvest.RecentDays)
	}
	if c.Client.BaseURL == "" {
		return fmt.Errorf("client base_url cannot be empty")
	}
	if c.Client.Rate <= 0 {
		return fmt.Errorf("client rate must be > 0, got %v", c.Client.Rate)
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("client max_retries must be >= 0, got %d", c.Client.MaxRetries)
	}
	if c.Client.Timeout.Duration() <= 0 {
		return fmt.Errorf("client timeout must be > 0")
	}
	if c.Storage.DataDir == "" || c.Storage.DocsDir == "" {
		return fmt.Errorf("storage data_dir and docs_dir cannot be empty")
	}
	if c.Storage.MaxPartBytes <= 0 {
		return fmt.Errorf("storage max_part_bytes must be > 0, got %d", c.Storage.MaxPartBytes)
	}
	if c.Export.MaxChunkBytes <= 0 {
		return fmt.Errorf("export max_chunk_bytes must be > 0, got %d", c.Export.MaxChunkBytes)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Harvest.Query == "" {
		cfg.Harvest.Query = DefaultQuery
	}
	if cfg.Harvest.PageSize == 0 {
		cfg.Harvest.PageSize = 500
	}
	if cfg.Harvest.MaxPerDay == 0 {
		cfg.Harvest.MaxPerDay = 500
	}
	if cfg.Harvest.RecentDays == 0 {
		cfg.Harvest.RecentDays = 7
	}
	if cfg.Harvest.RunInfoMaxRows == 0 {
		cfg.Harvest.RunInfoMaxRows = 200000
	}
	if cfg.Harvest.Sort == "" {
		cfg.Harvest.Sort = "date"
	}

	if cfg.Client.BaseURL == "" {
		cfg.Client.BaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/"
	}
	if cfg.Client.Tool == "" {
		cfg.Client.Tool = "urbanscope-harvester"
	}
	if cfg.Client.Rate == 0 {
		// NCBI allows 3 rps anonymously, 10 rps with an API key.
		if cfg.Client.APIKey.IsSet() {
			cfg.Client.Rate = 10
		} else {
			cfg.Client.Rate = 3
		}
	}
	if cfg.Client.Burst == 0 {
		cfg.Client.Burst = 1
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = Duration(60 * time.Second)
	}
	if cfg.Client.MaxRetries == 0 {
		cfg.Client.MaxRetries = 6
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.DocsDir == "" {
		cfg.Storage.DocsDir = "docs"
	}
	if cfg.Storage.MaxPartBytes == 0 {
		cfg.Storage.MaxPartBytes = MaxPartBytes
	}

	if cfg.Export.MaxChunkBytes == 0 {
		cfg.Export.MaxChunkBytes = MaxPartBytes
	}
	if cfg.Export.LatestMaxItems == 0 {
		cfg.Export.LatestMaxItems = 5000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
