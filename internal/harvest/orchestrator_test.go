package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
	"github.com/fyrsmithlabs/urbanscope/internal/config"
	"github.com/fyrsmithlabs/urbanscope/internal/ledger"
	"github.com/fyrsmithlabs/urbanscope/internal/logging"
)

// eutilsStub serves canned E-utilities responses for one scenario:
// publications A=9001, B=9002, C=9003; B links to dataset D1=7001; C links
// to nothing; the dataset search window is empty.
func eutilsStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/esearch.fcgi":
			if q.Get("db") == "pubmed" {
				fmt.Fprint(w, `<eSearchResult><Count>3</Count><IdList><Id>9001</Id><Id>9002</Id><Id>9003</Id></IdList></eSearchResult>`)
				return
			}
			fmt.Fprint(w, `<eSearchResult><Count>0</Count><IdList></IdList></eSearchResult>`)
		case "/esummary.fcgi":
			if q.Get("db") == "pubmed" {
				fmt.Fprint(w, `<eSummaryResult>
<DocSum><Id>9002</Id><Item Name="Title" Type="String">Subway wastewater metagenomics, 2024</Item><Item Name="PubDate" Type="String">2024 Mar 5</Item></DocSum>
<DocSum><Id>9003</Id><Item Name="Title" Type="String">Urban air microbiome perspective</Item><Item Name="PubDate" Type="String">2023 Nov</Item></DocSum>
</eSummaryResult>`)
				return
			}
			fmt.Fprint(w, `<eSummaryResult>
<DocSum><Id>7001</Id><Item Name="Title" Type="String">Metro surface shotgun metagenomes</Item><Item Name="CreateDate" Type="String">2024/03/01</Item></DocSum>
</eSummaryResult>`)
		case "/elink.fcgi":
			fmt.Fprint(w, `<eLinkResult>
<LinkSet><IdList><Id>9002</Id></IdList><LinkSetDb><DbTo>sra</DbTo><Link><Id>7001</Id></Link></LinkSetDb></LinkSet>
<LinkSet><IdList><Id>9003</Id></IdList></LinkSet>
</eLinkResult>`)
		case "/efetch.fcgi":
			fmt.Fprint(w, "Run,ReleaseDate,LibraryStrategy,BioProject,BioSample\nSRR5001,2024-03-01,WGS,PRJNA555,SAMN5001\n")
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Client.BaseURL = baseURL
	cfg.Client.Rate = 1000
	cfg.Client.Burst = 100
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Storage.DocsDir = filepath.Join(t.TempDir(), "docs")
	if err := applyTestDefaults(cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// applyTestDefaults mirrors Load's default handling for configs built by
// hand in tests.
func applyTestDefaults(cfg *config.Config) error {
	tmp, err := config.Load("")
	if err != nil {
		return err
	}
	if cfg.Harvest.Query == "" {
		cfg.Harvest = tmp.Harvest
	}
	if cfg.Client.Tool == "" {
		cfg.Client.Tool = tmp.Client.Tool
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = tmp.Client.Timeout
	}
	if cfg.Client.MaxRetries == 0 {
		cfg.Client.MaxRetries = 1
	}
	if cfg.Storage.MaxPartBytes == 0 {
		cfg.Storage.MaxPartBytes = tmp.Storage.MaxPartBytes
	}
	if cfg.Export.MaxChunkBytes == 0 {
		cfg.Export = tmp.Export
	}
	if cfg.Logging.Format == "" {
		cfg.Logging = tmp.Logging
	}
	return nil
}

func collectCatalog(t *testing.T, dataDir string) map[string]*catalog.Record {
	t.Helper()
	out := map[string]*catalog.Record{}
	require.NoError(t, catalog.NewReader(dataDir).Walk(nil, func(rec *catalog.Record) error {
		out[rec.CompositeKey()] = rec
		return nil
	}))
	return out
}

func TestDailyRunScenario(t *testing.T) {
	srv := eutilsStub(t)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)

	// Publication A was harvested by an earlier run.
	require.NoError(t, os.MkdirAll(cfg.Storage.DataDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Storage.DataDir, "seen_ids.txt"),
		[]byte("pubmed:9001\n"), 0o644))

	eng, err := NewEngine(cfg, logging.NewNop())
	require.NoError(t, err)

	require.NoError(t, eng.Orchestrator.Daily(context.Background()))
	require.NoError(t, eng.Close())

	recs := collectCatalog(t, cfg.Storage.DataDir)
	require.Len(t, recs, 2, "A skipped, B yields a pair row, C yields an unlinked row")

	pair := recs["sra:7001"]
	require.NotNil(t, pair, "B's linked dataset becomes a pair record")
	assert.Equal(t, catalog.SourcePubMedLink, pair.Source)
	assert.Equal(t, "9002", pair.PMID)
	assert.Equal(t, "SRR5001", pair.Run)
	assert.Equal(t, "PRJNA555", pair.BioProject)
	assert.Equal(t, 2024, pair.Year)

	unlinked := recs["pubmed:9003"]
	require.NotNil(t, unlinked, "publications without datasets are retained")
	assert.Equal(t, catalog.SourcePubMedUnlinked, unlinked.Source)
	assert.Equal(t, "9003", unlinked.PMID)
	assert.Equal(t, 2023, unlinked.Year)

	// Ledger grew to {A, B, C} plus the dataset key.
	ldg, err := ledger.Open(filepath.Join(cfg.Storage.DataDir, "seen_ids.txt"))
	require.NoError(t, err)
	defer ldg.Close()
	assert.True(t, ldg.Contains("pubmed", "9001"))
	assert.True(t, ldg.Contains("pubmed", "9002"))
	assert.True(t, ldg.Contains("pubmed", "9003"))
	assert.True(t, ldg.Contains("sra", "7001"))

	// Derived artifacts were rebuilt.
	for _, name := range []string{
		filepath.Join("db", "records_part000.json"),
		filepath.Join("db", "manifest.json"),
		filepath.Join("db", "index.json"),
		"latest.json",
		filepath.Join("debug", "latest_report.json"),
	} {
		_, err := os.Stat(filepath.Join(cfg.Storage.DocsDir, name))
		assert.NoError(t, err, "expected artifact %s", name)
	}
}

func TestDailyRunIdempotent(t *testing.T) {
	srv := eutilsStub(t)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)

	for i := 0; i < 2; i++ {
		eng, err := NewEngine(cfg, logging.NewNop())
		require.NoError(t, err)
		require.NoError(t, eng.Orchestrator.Daily(context.Background()))
		require.NoError(t, eng.Close())
	}

	// The second run found everything already seen; no duplicate appends.
	recs := collectCatalog(t, cfg.Storage.DataDir)
	assert.Len(t, recs, 3, "A, pair for B, unlinked C — exactly once each")
}

func TestCandidateFailureSkipsWithoutMarking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/esearch.fcgi":
			if r.URL.Query().Get("db") == "sra" {
				fmt.Fprint(w, `<eSearchResult><Count>1</Count><IdList><Id>8001</Id></IdList></eSearchResult>`)
				return
			}
			fmt.Fprint(w, `<eSearchResult><Count>0</Count><IdList></IdList></eSearchResult>`)
		case "/esummary.fcgi":
			fmt.Fprint(w, `<eSummaryResult><DocSum><Id>8001</Id><Item Name="Title" Type="String">Doomed dataset</Item></DocSum></eSummaryResult>`)
		case "/efetch.fcgi":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	eng, err := NewEngine(cfg, logging.NewNop())
	require.NoError(t, err)

	require.NoError(t, eng.Orchestrator.Daily(context.Background()),
		"a per-candidate failure must not abort the run")
	require.NoError(t, eng.Close())

	recs := collectCatalog(t, cfg.Storage.DataDir)
	assert.Empty(t, recs)

	// The failed candidate stays unmarked so the next run retries it.
	ldg, err := ledger.Open(filepath.Join(cfg.Storage.DataDir, "seen_ids.txt"))
	require.NoError(t, err)
	defer ldg.Close()
	assert.False(t, ldg.Contains("sra", "8001"))
}

func TestCrawlPagination(t *testing.T) {
	var searchCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/esearch.fcgi":
			searchCalls++
			// Two pages of one UID each.
			switch q.Get("retstart") {
			case "":
				fmt.Fprint(w, `<eSearchResult><Count>2</Count><IdList><Id>7001</Id></IdList></eSearchResult>`)
			default:
				fmt.Fprint(w, `<eSearchResult><Count>2</Count><IdList><Id>7002</Id></IdList></eSearchResult>`)
			}
		case "/esummary.fcgi":
			id := q.Get("id")
			fmt.Fprintf(w, `<eSummaryResult><DocSum><Id>%s</Id><Item Name="Title" Type="String">Dataset %s</Item><Item Name="CreateDate" Type="String">2024/01/01</Item></DocSum></eSummaryResult>`, id, id)
		case "/efetch.fcgi":
			fmt.Fprintf(w, "Run,ReleaseDate,LibraryStrategy\nSRR%s,2024-01-01,WGS\n", q.Get("id"))
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Harvest.PageSize = 1

	eng, err := NewEngine(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Orchestrator.Crawl(context.Background()))
	require.NoError(t, eng.Close())

	assert.Equal(t, 2, searchCalls, "cursor advances retstart until the listing is exhausted")

	recs := collectCatalog(t, cfg.Storage.DataDir)
	assert.Len(t, recs, 2)
	assert.Contains(t, recs, "sra:7001")
	assert.Contains(t, recs, "sra:7002")
}

func TestCrawlStopAfterNew(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/esearch.fcgi":
			fmt.Fprint(w, `<eSearchResult><Count>1000</Count><IdList><Id>7001</Id></IdList></eSearchResult>`)
		case "/esummary.fcgi":
			fmt.Fprint(w, `<eSummaryResult><DocSum><Id>7001</Id><Item Name="Title" Type="String">Dataset</Item></DocSum></eSummaryResult>`)
		case "/efetch.fcgi":
			fmt.Fprint(w, "Run,ReleaseDate,LibraryStrategy\nSRR1,2024-01-01,WGS\n")
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Harvest.PageSize = 1
	cfg.Harvest.StopAfterNew = 1

	eng, err := NewEngine(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Orchestrator.Crawl(context.Background()))
	require.NoError(t, eng.Close())

	recs := collectCatalog(t, cfg.Storage.DataDir)
	assert.Len(t, recs, 1, "crawl stops once the new-record budget is spent")
}

func TestBackfillYearWalksEveryDay(t *testing.T) {
	var searchCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/esearch.fcgi":
			searchCalls++
			assert.Equal(t, q.Get("mindate"), q.Get("maxdate"), "backfill windows are single days")
			assert.Equal(t, "edat", q.Get("datetype"))
			if q.Get("db") == "sra" && q.Get("mindate") == "2023/06/15" {
				fmt.Fprint(w, `<eSearchResult><Count>1</Count><IdList><Id>7100</Id></IdList></eSearchResult>`)
				return
			}
			fmt.Fprint(w, `<eSearchResult><Count>0</Count><IdList></IdList></eSearchResult>`)
		case "/esummary.fcgi":
			fmt.Fprint(w, `<eSummaryResult><DocSum><Id>7100</Id><Item Name="Title" Type="String">Tram stop dust metagenome</Item></DocSum></eSummaryResult>`)
		case "/efetch.fcgi":
			fmt.Fprint(w, "Run,ReleaseDate,LibraryStrategy\nSRR7100,2023-06-15,WGS\n")
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	eng, err := NewEngine(cfg, logging.NewNop())
	require.NoError(t, err)

	require.NoError(t, eng.Orchestrator.BackfillYear(context.Background(), 2023))
	require.NoError(t, eng.Close())

	// 365 days, two spaces each, stopping at the year boundary.
	assert.Equal(t, 365*2, searchCalls)

	recs := collectCatalog(t, cfg.Storage.DataDir)
	require.Len(t, recs, 1)
	rec := recs["sra:7100"]
	require.NotNil(t, rec)
	assert.Equal(t, catalog.SourceSRASearch, rec.Source)
	assert.Equal(t, "SRR7100", rec.Run)
	assert.Equal(t, 2023, rec.Year)
}

func TestAppendPrecedesMark(t *testing.T) {
	srv := eutilsStub(t)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	eng, err := NewEngine(cfg, logging.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	fixed := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	eng.Orchestrator.Now = func() time.Time { return fixed }

	require.NoError(t, eng.Orchestrator.Daily(context.Background()))

	// Every key in the ledger has a durable catalog record: the mark never
	// runs ahead of the append.
	recs := collectCatalog(t, cfg.Storage.DataDir)
	ldg, err := ledger.Open(filepath.Join(cfg.Storage.DataDir, "seen_ids.txt"))
	require.NoError(t, err)
	defer ldg.Close()

	for key, rec := range recs {
		assert.True(t, ldg.Contains(rec.Space, rec.UID), "appended %s must be marked", key)
		assert.Equal(t, fixed.UnixNano(), rec.Revision)
	}
}
