// internal/linker/linker.go
package linker

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
	"github.com/fyrsmithlabs/urbanscope/internal/classify"
	"github.com/fyrsmithlabs/urbanscope/internal/eutils"
	"github.com/fyrsmithlabs/urbanscope/internal/logging"
)

// Options bounds a linker's enrichment behavior.
type Options struct {
	// FetchBioProject enables BioProject detail lookups.
	FetchBioProject bool
	// FetchBioSample enables BioSample attribute lookups.
	FetchBioSample bool
	// RunInfoMaxRows caps runinfo rows examined per dataset.
	RunInfoMaxRows int
}

// Linker assembles finished catalog records from candidates.
type Linker struct {
	client     *eutils.Client
	classifier classify.Classifier
	opts       Options
	logger     *logging.Logger

	bpCache    *Cache[BioProjectDetails]
	bpUIDCache *Cache[string]
	bsCache    *Cache[BioSampleDetails]
}

// New creates a linker whose enrichment caches persist under dataDir.
func New(client *eutils.Client, classifier classify.Classifier, dataDir string, opts Options, logger *logging.Logger) (*Linker, error) {
	bpCache, err := OpenCache[BioProjectDetails](filepath.Join(dataDir, "bioproject_cache.json"))
	if err != nil {
		return nil, err
	}
	bpUIDCache, err := OpenCache[string](filepath.Join(dataDir, "bioproject_uid_cache.json"))
	if err != nil {
		return nil, err
	}
	bsCache, err := OpenCache[BioSampleDetails](filepath.Join(dataDir, "biosample_cache.json"))
	if err != nil {
		return nil, err
	}
	return &Linker{
		client:     client,
		classifier: classifier,
		opts:       opts,
		logger:     logger,
		bpCache:    bpCache,
		bpUIDCache: bpUIDCache,
		bsCache:    bsCache,
	}, nil
}

// LinkDatasets resolves publication→dataset cross-references for a batch of
// PMIDs, keyed by PMID. PMIDs with no linked dataset are absent.
func (l *Linker) LinkDatasets(ctx context.Context, pmids []string) (map[string][]string, error) {
	return l.client.Link(ctx, eutils.SpacePubMed, eutils.SpaceSRA, pmids)
}

// DatasetRecord builds the catalog record for one dataset UID: runinfo rows
// are flattened into the metadata payload, the primary run drives
// classification, and BioProject/BioSample enrichment is attached when
// enabled. pmid is non-empty when the dataset was reached through a
// publication link, making the record a (publication, dataset) pair row.
func (l *Linker) DatasetRecord(ctx context.Context, uid string, sum eutils.Summary, source, pmid string, now time.Time) (*catalog.Record, error) {
	rows, err := l.client.RunInfo(ctx, uid, l.opts.RunInfoMaxRows)
	if err != nil {
		return nil, fmt.Errorf("runinfo for sra uid %s: %w", uid, err)
	}

	var primary map[string]string
	var runs []string
	for _, row := range rows {
		run := strings.TrimSpace(row["Run"])
		if run == "" {
			continue
		}
		if primary == nil {
			primary = row
		}
		runs = append(runs, run)
	}

	title := strings.TrimSpace(sum.Title)

	var bsDetails *BioSampleDetails
	if l.opts.FetchBioSample && primary != nil {
		if acc := strings.TrimSpace(primary["BioSample"]); acc != "" {
			if bsDetails, err = l.BioSampleDetails(ctx, acc); err != nil {
				return nil, err
			}
		}
	}

	prj := ""
	if primary != nil {
		prj = strings.ToUpper(strings.TrimSpace(primary["BioProject"]))
	}
	if prj == "" {
		prj = sum.BioProjectGuess
	}

	var bpDetails *BioProjectDetails
	if l.opts.FetchBioProject && prj != "" {
		if bpDetails, err = l.BioProjectDetails(ctx, prj); err != nil {
			return nil, err
		}
	}

	var attrs map[string]string
	if bsDetails != nil {
		attrs = bsDetails.Attributes
	}
	cls := l.classifier.Classify(classify.Input{
		Title:      title,
		RunInfo:    primary,
		Attributes: attrs,
	})

	geo := InferGeo(bsDetails, geoFallbacks(title, primary))

	study := &catalog.Study{
		StudyType:  cls.StudyType,
		AssayClass: cls.AssayClass,
		Confidence: cls.Confidence,
		City:       cls.City,
		Country:    cls.Country,
	}
	// Sample-declared geography beats title heuristics.
	if geo.City != "" {
		study.City = geo.City
	}
	if geo.Country != "" {
		study.Country = geo.Country
	}

	rec := &catalog.Record{
		Space:       string(eutils.SpaceSRA),
		UID:         uid,
		Revision:    now.UnixNano(),
		Year:        l.datasetYear(sum, primary, now),
		Source:      source,
		Title:       title,
		PMID:        pmid,
		SRAUID:      uid,
		BioProject:  prj,
		Study:       study,
		Links:       datasetLinks(uid, runs, bpDetails),
		Meta:        datasetMeta(primary, runs, geo, bpDetails, bsDetails),
		CollectedAt: now.UTC(),
	}
	if len(runs) > 0 {
		rec.Run = runs[0]
	}
	return rec, nil
}

// UnlinkedPublication builds the retention record for a publication with no
// linked dataset, so literature discovery is never silently dropped.
func (l *Linker) UnlinkedPublication(pmid string, sum eutils.Summary, now time.Time) *catalog.Record {
	title := strings.TrimSpace(sum.Title)
	cls := l.classifier.Classify(classify.Input{Title: title})
	return &catalog.Record{
		Space:    string(eutils.SpacePubMed),
		UID:      pmid,
		Revision: now.UnixNano(),
		Year:     l.publicationYear(sum, now),
		Source:   catalog.SourcePubMedUnlinked,
		Title:    title,
		PMID:     pmid,
		Study: &catalog.Study{
			StudyType:  cls.StudyType,
			AssayClass: cls.AssayClass,
			Confidence: cls.Confidence,
			City:       cls.City,
			Country:    cls.Country,
		},
		Links: map[string]string{
			"pubmed": "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		},
		CollectedAt: now.UTC(),
	}
}

// SaveCaches persists any enrichment fetched during the run.
func (l *Linker) SaveCaches() error {
	if err := l.bpCache.Save(); err != nil {
		return err
	}
	if err := l.bpUIDCache.Save(); err != nil {
		return err
	}
	return l.bsCache.Save()
}

func geoFallbacks(title string, row map[string]string) []string {
	out := []string{title}
	for _, k := range []string{"SampleName", "Sample", "Study", "BioProject"} {
		if v := strings.TrimSpace(row[k]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func datasetLinks(uid string, runs []string, bp *BioProjectDetails) map[string]string {
	links := map[string]string{
		"sra": "https://www.ncbi.nlm.nih.gov/sra/?term=" + uid,
	}
	if len(runs) > 0 {
		links["run"] = "https://www.ncbi.nlm.nih.gov/sra/?term=" + runs[0]
	}
	if bp != nil && bp.URL != "" {
		links["bioproject"] = bp.URL
	}
	return links
}

func datasetMeta(primary map[string]string, runs []string, geo Geo, bp *BioProjectDetails, bs *BioSampleDetails) map[string]any {
	meta := map[string]any{}
	if primary != nil {
		meta["runinfo"] = primary
	}
	if len(runs) > 0 {
		meta["runs"] = runs
	}
	if geo != (Geo{}) {
		meta["geo"] = geo
	}
	if bp != nil && bp.Error == "" {
		meta["bioproject"] = bp
	}
	if bs != nil && bs.Error == "" {
		meta["biosample"] = bs
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// datasetYear picks the catalog partition for a dataset: runinfo release
// date, then summary dates, then collection time.
func (l *Linker) datasetYear(sum eutils.Summary, row map[string]string, now time.Time) int {
	candidates := []string{
		row["ReleaseDate"],
		row["LoadDate"],
		sum.Items["CreateDate"],
		sum.Items["UpdateDate"],
	}
	for _, c := range candidates {
		if y := parseYear(c); y > 0 {
			return y
		}
	}
	return now.UTC().Year()
}

func (l *Linker) publicationYear(sum eutils.Summary, now time.Time) int {
	candidates := []string{
		sum.Items["PubDate"],
		sum.Items["EPubDate"],
		sum.Items["SortPubDate"],
	}
	for _, c := range candidates {
		if y := parseYear(c); y > 0 {
			return y
		}
	}
	return now.UTC().Year()
}

func parseYear(s string) int {
	m := yearRe.FindString(s)
	if m == "" {
		return 0
	}
	y, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return y
}
