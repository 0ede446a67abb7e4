// Package harvest drives a single run of the engine. The three run modes
// (daily incremental, full crawl, year backfill) are different traversal
// strategies over one shared inner loop: search a page, filter unseen
// candidates through the ledger, link and assemble records, append to the
// catalog, then mark seen. Appends always precede marks, so a crash between
// the two leaves a candidate that is safely reprocessed, never lost.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
	"github.com/fyrsmithlabs/urbanscope/internal/config"
	"github.com/fyrsmithlabs/urbanscope/internal/eutils"
	"github.com/fyrsmithlabs/urbanscope/internal/export"
	"github.com/fyrsmithlabs/urbanscope/internal/ledger"
	"github.com/fyrsmithlabs/urbanscope/internal/linker"
	"github.com/fyrsmithlabs/urbanscope/internal/logging"
)

// summaryBatchSize caps UIDs per esummary request.
const summaryBatchSize = 500

// latestTrackLimit caps records remembered per run for the latest feed.
const latestTrackLimit = 800

// Orchestrator owns the lifecycle of one run.
type Orchestrator struct {
	cfg      config.HarvestConfig
	client   *eutils.Client
	ledger   *ledger.Ledger
	writer   *catalog.Writer
	linker   *linker.Linker
	exporter *export.Builder
	logger   *logging.Logger
	docsDir  string

	// Now is the timestamp source, swappable in tests.
	Now func() time.Time

	// LatestMaxItems caps the latest feed; 0 means no item cap, only the
	// byte ceiling applies.
	LatestMaxItems int

	runID  string
	report *Report
	latest []*catalog.Record
}

// New wires an orchestrator from its injected components.
func New(
	cfg config.HarvestConfig,
	client *eutils.Client,
	ldg *ledger.Ledger,
	writer *catalog.Writer,
	lnk *linker.Linker,
	exporter *export.Builder,
	docsDir string,
	logger *logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		ledger:   ldg,
		writer:   writer,
		linker:   lnk,
		exporter: exporter,
		docsDir:  docsDir,
		logger:   logger,
		Now:      time.Now,
	}
}

// Daily runs one incremental pass over the recent window of both identifier
// spaces: datasets by direct search, publications by search plus
// dataset-link resolution.
func (o *Orchestrator) Daily(ctx context.Context) error {
	ctx = o.beginRun(ctx, "daily")

	win := eutils.SearchRequest{
		Query:       o.cfg.Query,
		RetMax:      o.cfg.MaxPerDay,
		RelDateDays: o.cfg.RecentDays,
		DateType:    "edat",
	}

	sraReq := win
	sraReq.DB = eutils.SpaceSRA
	if err := o.runPage(ctx, sraReq); err != nil {
		return o.endRun(ctx, err)
	}

	pubReq := win
	pubReq.DB = eutils.SpacePubMed
	if err := o.runPage(ctx, pubReq); err != nil {
		return o.endRun(ctx, err)
	}

	return o.endRun(ctx, nil)
}

// BackfillYear walks every day of one calendar year, harvesting both spaces
// with an explicit per-day date window. Already-seen candidates make
// re-running a partially backfilled year cheap.
func (o *Orchestrator) BackfillYear(ctx context.Context, year int) error {
	ctx = o.beginRun(ctx, fmt.Sprintf("backfill-%d", year))

	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	for n := 0; n < 366; n++ {
		day := start.AddDate(0, 0, n)
		if day.Year() != year {
			break
		}
		ds := day.Format("2006/01/02")

		dayReq := eutils.SearchRequest{
			Query:    o.cfg.Query,
			RetMax:   o.cfg.MaxPerDay,
			MinDate:  ds,
			MaxDate:  ds,
			DateType: "edat",
		}

		for _, space := range []eutils.Space{eutils.SpaceSRA, eutils.SpacePubMed} {
			req := dayReq
			req.DB = space
			if err := o.runPage(ctx, req); err != nil {
				return o.endRun(ctx, err)
			}
		}
	}

	return o.endRun(ctx, nil)
}

// Crawl walks the full dataset listing with a retstart/retmax cursor until
// the listing is exhausted or a configured bound trips.
func (o *Orchestrator) Crawl(ctx context.Context) error {
	ctx = o.beginRun(ctx, "crawl")

	retStart := 0
	totalSeen := 0
	newTotal := 0

	for {
		req := eutils.SearchRequest{
			DB:       eutils.SpaceSRA,
			Query:    o.cfg.Query,
			RetStart: retStart,
			RetMax:   o.cfg.PageSize,
			Sort:     o.cfg.Sort,
		}
		res, err := o.client.Search(ctx, req)
		if err != nil {
			// A lost page is logged and ends the crawl; everything already
			// appended and marked stays durable.
			o.logger.Warn(ctx, "crawl page failed",
				zap.Int("retstart", retStart), zap.Error(err))
			o.report.inc("page_errors", 1)
			break
		}
		if len(res.UIDs) == 0 {
			break
		}

		appended, err := o.ingestPage(ctx, eutils.SpaceSRA, res.UIDs)
		if err != nil {
			return o.endRun(ctx, err)
		}
		newTotal += appended
		totalSeen += len(res.UIDs)
		o.report.inc("pages", 1)

		if o.cfg.StopAfterNew > 0 && newTotal >= o.cfg.StopAfterNew {
			break
		}
		retStart += o.cfg.PageSize
		if retStart >= res.Count {
			break
		}
		if o.cfg.MaxTotal > 0 && totalSeen >= o.cfg.MaxTotal {
			break
		}
	}

	return o.endRun(ctx, nil)
}

// runPage searches one page and ingests it. A failed search loses the page,
// not the run.
func (o *Orchestrator) runPage(ctx context.Context, req eutils.SearchRequest) error {
	res, err := o.client.Search(ctx, req)
	if err != nil {
		o.logger.Warn(ctx, "search page failed",
			zap.String("space", string(req.DB)), zap.Error(err))
		o.report.inc("page_errors", 1)
		return nil
	}
	o.report.inc("pages", 1)
	_, err = o.ingestPage(ctx, req.DB, res.UIDs)
	return err
}

// ingestPage runs the shared inner loop for one page of candidates and
// returns how many records were appended. Per-candidate failures are counted
// and skipped; ledger and storage failures abort the run.
func (o *Orchestrator) ingestPage(ctx context.Context, space eutils.Space, uids []string) (int, error) {
	o.report.inc("candidates_input", len(uids))

	var unseen []string
	for _, uid := range uids {
		if o.ledger.Contains(string(space), uid) {
			o.report.inc("skipped_seen", 1)
			continue
		}
		unseen = append(unseen, uid)
	}
	o.report.inc("candidates_new", len(unseen))
	if len(unseen) == 0 {
		return 0, nil
	}

	summaries, err := o.summaries(ctx, space, unseen)
	if err != nil {
		o.logger.Warn(ctx, "summary fetch failed",
			zap.String("space", string(space)), zap.Error(err))
		o.report.inc("page_errors", 1)
		return 0, nil
	}

	if space == eutils.SpacePubMed {
		return o.ingestPublications(ctx, unseen, summaries)
	}
	return o.ingestDatasets(ctx, unseen, summaries)
}

// ingestDatasets appends one record per unseen dataset UID.
func (o *Orchestrator) ingestDatasets(ctx context.Context, uids []string, summaries map[string]eutils.Summary) (int, error) {
	appended := 0
	for _, uid := range uids {
		rec, err := o.linker.DatasetRecord(ctx, uid, summaries[uid], catalog.SourceSRASearch, "", o.Now())
		if err != nil {
			if o.candidateError(ctx, string(eutils.SpaceSRA), uid, err) {
				continue
			}
			return appended, err
		}
		if err := o.commit(ctx, rec); err != nil {
			return appended, err
		}
		appended++
	}
	return appended, nil
}

// ingestPublications resolves dataset links for a page of PMIDs and appends
// one pair record per (publication, dataset), or one unlinked record for
// publications with no dataset. The publication is marked seen only after
// every one of its records is durable, so a crash mid-publication retries
// the whole publication.
func (o *Orchestrator) ingestPublications(ctx context.Context, pmids []string, summaries map[string]eutils.Summary) (int, error) {
	links, err := o.linker.LinkDatasets(ctx, pmids)
	if err != nil {
		o.logger.Warn(ctx, "elink failed", zap.Error(err))
		o.report.inc("page_errors", 1)
		return 0, nil
	}

	// Pair rows need dataset summaries too.
	var targets []string
	for _, pmid := range pmids {
		targets = append(targets, links[pmid]...)
	}
	var sraSummaries map[string]eutils.Summary
	if len(targets) > 0 {
		if sraSummaries, err = o.summaries(ctx, eutils.SpaceSRA, targets); err != nil {
			o.logger.Warn(ctx, "dataset summary fetch failed", zap.Error(err))
			o.report.inc("page_errors", 1)
			return 0, nil
		}
	}

	appended := 0
	for _, pmid := range pmids {
		now := o.Now()
		datasets := links[pmid]

		if len(datasets) == 0 {
			rec := o.linker.UnlinkedPublication(pmid, summaries[pmid], now)
			if err := o.commit(ctx, rec); err != nil {
				return appended, err
			}
			o.report.inc("unlinked_emitted", 1)
			appended++
			continue
		}

		failed := false
		for _, sraUID := range datasets {
			rec, err := o.linker.DatasetRecord(ctx, sraUID, sraSummaries[sraUID], catalog.SourcePubMedLink, pmid, now)
			if err != nil {
				if o.candidateError(ctx, string(eutils.SpaceSRA), sraUID, err) {
					failed = true
					continue
				}
				return appended, err
			}
			if err := o.commit(ctx, rec); err != nil {
				return appended, err
			}
			o.report.inc("pairs_emitted", 1)
			appended++
		}

		if failed {
			// Leave the publication unmarked so the missing pair is retried
			// on the next run.
			continue
		}
		if err := o.ledger.MarkSeen(string(eutils.SpacePubMed), pmid); err != nil {
			return appended, fmt.Errorf("marking pmid %s: %w", pmid, err)
		}
	}
	return appended, nil
}

// commit appends the record, then marks its key seen. Append before mark:
// the inverse order could lose a record forever on a crash.
func (o *Orchestrator) commit(ctx context.Context, rec *catalog.Record) error {
	if err := o.writer.Append(rec); err != nil {
		return fmt.Errorf("appending %s: %w", rec.CompositeKey(), err)
	}
	if err := o.ledger.MarkSeen(rec.Space, rec.UID); err != nil {
		return fmt.Errorf("marking %s: %w", rec.CompositeKey(), err)
	}
	o.report.inc("records_appended", 1)
	if len(o.latest) < latestTrackLimit {
		o.latest = append(o.latest, rec)
	}
	return nil
}

// candidateError reports whether err is a per-candidate failure that should
// be swallowed. Context cancellation and storage errors are not.
func (o *Orchestrator) candidateError(ctx context.Context, space, uid string, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	retryable := errors.Is(err, eutils.ErrThrottled) || errors.Is(err, eutils.ErrUnavailable)
	skippable := errors.Is(err, eutils.ErrInvalidRequest) || errors.Is(err, eutils.ErrNotFound)
	if !retryable && !skippable {
		return false
	}
	o.logger.Warn(ctx, "candidate failed",
		zap.String("space", space), zap.String("uid", uid), zap.Error(err))
	o.report.inc("candidate_errors", 1)
	return true
}

// summaries fetches esummary data in bounded batches.
func (o *Orchestrator) summaries(ctx context.Context, space eutils.Space, uids []string) (map[string]eutils.Summary, error) {
	out := make(map[string]eutils.Summary, len(uids))
	for start := 0; start < len(uids); start += summaryBatchSize {
		end := start + summaryBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch, err := o.client.Summary(ctx, space, uids[start:end])
		if err != nil {
			return nil, err
		}
		for k, v := range batch {
			out[k] = v
		}
	}
	return out, nil
}

// beginRun resets per-run state and stamps the context so every log line of
// the run carries its ID and mode.
func (o *Orchestrator) beginRun(ctx context.Context, mode string) context.Context {
	o.runID = uuid.NewString()
	o.report = newReport(o.runID, mode)
	o.latest = nil
	return logging.WithFields(ctx,
		zap.String("run_id", o.runID), zap.String("mode", mode))
}

// endRun finishes a run regardless of outcome: caches and the report are
// always persisted, but derived exports are only rebuilt after a clean
// traversal.
func (o *Orchestrator) endRun(ctx context.Context, runErr error) error {
	if err := o.linker.SaveCaches(); err != nil {
		o.logger.Error(ctx, "saving enrichment caches", zap.Error(err))
	}

	o.report.finish(o.Now())
	if err := o.report.write(o.docsDir); err != nil {
		o.logger.Error(ctx, "writing run report", zap.Error(err))
	}

	if runErr != nil {
		o.logger.Error(ctx, "run aborted", zap.Error(runErr))
		return runErr
	}

	if err := o.exporter.WriteLatest(o.latest, o.LatestMaxItems); err != nil {
		return fmt.Errorf("writing latest feed: %w", err)
	}
	if _, err := o.exporter.Rebuild(nil); err != nil {
		return fmt.Errorf("rebuilding exports: %w", err)
	}

	o.logger.Info(ctx, "run complete",
		zap.Int("records_appended", o.report.Counters["records_appended"]),
		zap.Int("candidate_errors", o.report.Counters["candidate_errors"]))
	return nil
}
