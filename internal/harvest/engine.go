// internal/harvest/engine.go
package harvest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
	"github.com/fyrsmithlabs/urbanscope/internal/classify"
	"github.com/fyrsmithlabs/urbanscope/internal/config"
	"github.com/fyrsmithlabs/urbanscope/internal/eutils"
	"github.com/fyrsmithlabs/urbanscope/internal/export"
	"github.com/fyrsmithlabs/urbanscope/internal/ledger"
	"github.com/fyrsmithlabs/urbanscope/internal/linker"
	"github.com/fyrsmithlabs/urbanscope/internal/logging"
)

// Engine bundles the durable state and components of the harvester. One
// engine per process; the ledger and catalog writer assume a single writer.
type Engine struct {
	Orchestrator *Orchestrator
	Exporter     *export.Builder

	ledger *ledger.Ledger
	writer *catalog.Writer
}

// NewEngine opens the durable state under the configured directories and
// wires the components together.
func NewEngine(cfg *config.Config, logger *logging.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.Storage.DataDir, err)
	}
	if err := os.MkdirAll(cfg.Storage.DocsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating docs dir %s: %w", cfg.Storage.DocsDir, err)
	}

	ldg, err := ledger.Open(filepath.Join(cfg.Storage.DataDir, "seen_ids.txt"))
	if err != nil {
		return nil, err
	}

	writer, err := catalog.NewWriter(cfg.Storage.DataDir, cfg.Storage.MaxPartBytes)
	if err != nil {
		ldg.Close()
		return nil, err
	}

	client, err := eutils.NewClient(cfg.Client)
	if err != nil {
		ldg.Close()
		writer.Close()
		return nil, err
	}

	lnk, err := linker.New(client, classify.NewHeuristic(), cfg.Storage.DataDir, linker.Options{
		FetchBioProject: cfg.Harvest.FetchBioProject,
		FetchBioSample:  cfg.Harvest.FetchBioSample,
		RunInfoMaxRows:  cfg.Harvest.RunInfoMaxRows,
	}, logger.Named("linker"))
	if err != nil {
		ldg.Close()
		writer.Close()
		return nil, err
	}

	reader := catalog.NewReader(cfg.Storage.DataDir)
	exporter, err := export.NewBuilder(reader, cfg.Storage.DocsDir, cfg.Export.MaxChunkBytes)
	if err != nil {
		ldg.Close()
		writer.Close()
		return nil, err
	}

	orch := New(cfg.Harvest, client, ldg, writer, lnk, exporter, cfg.Storage.DocsDir, logger.Named("harvest"))
	orch.LatestMaxItems = cfg.Export.LatestMaxItems

	return &Engine{
		Orchestrator: orch,
		Exporter:     exporter,
		ledger:       ldg,
		writer:       writer,
	}, nil
}

// Close flushes and closes the durable state.
func (e *Engine) Close() error {
	werr := e.writer.Close()
	lerr := e.ledger.Close()
	if werr != nil {
		return werr
	}
	return lerr
}
