package linker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
	"github.com/fyrsmithlabs/urbanscope/internal/classify"
	"github.com/fyrsmithlabs/urbanscope/internal/config"
	"github.com/fyrsmithlabs/urbanscope/internal/eutils"
	"github.com/fyrsmithlabs/urbanscope/internal/logging"
)

func testLinker(t *testing.T, baseURL string, opts Options) *Linker {
	t.Helper()
	client, err := eutils.NewClient(config.ClientConfig{
		BaseURL: baseURL,
		Rate:    1000,
		Burst:   100,
		Timeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)

	l, err := New(client, classify.NewHeuristic(), t.TempDir(), opts, logging.NewNop())
	require.NoError(t, err)
	return l
}

func TestDatasetRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/efetch.fcgi", r.URL.Path)
		fmt.Fprint(w, "Run,ReleaseDate,LibraryStrategy,LibrarySource,BioProject,BioSample,SampleName\n"+
			"SRR100,2022-06-01,WGS,METAGENOMIC,PRJNA777,SAMN100,station-swab\n"+
			"SRR101,2022-06-01,WGS,METAGENOMIC,PRJNA777,SAMN101,station-swab-2\n")
	}))
	defer srv.Close()

	l := testLinker(t, srv.URL, Options{RunInfoMaxRows: 100})

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	sum := eutils.Summary{
		UID:   "7001",
		Title: "Subway wastewater shotgun metagenomes",
		Items: map[string]string{"CreateDate": "2022/06/01"},
	}
	rec, err := l.DatasetRecord(context.Background(), "7001", sum, catalog.SourcePubMedLink, "555", now)
	require.NoError(t, err)

	assert.Equal(t, "sra", rec.Space)
	assert.Equal(t, "7001", rec.UID)
	assert.Equal(t, "sra:7001", rec.CompositeKey())
	assert.Equal(t, catalog.SourcePubMedLink, rec.Source)
	assert.Equal(t, "555", rec.PMID)
	assert.Equal(t, "SRR100", rec.Run, "first run is the primary")
	assert.Equal(t, "PRJNA777", rec.BioProject)
	assert.Equal(t, 2022, rec.Year, "release date drives the partition")
	assert.Equal(t, now.UnixNano(), rec.Revision)

	require.NotNil(t, rec.Study)
	assert.Equal(t, "WGS", rec.Study.AssayClass)
	assert.Equal(t, "wastewater", rec.Study.StudyType)

	assert.Equal(t, []string{"SRR100", "SRR101"}, rec.Meta["runs"])
	assert.Contains(t, rec.Links, "sra")
	assert.Contains(t, rec.Links, "run")
}

func TestDatasetRecordBioProjectGuessFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Runinfo row lacks a BioProject column value.
		fmt.Fprint(w, "Run,ReleaseDate,LibraryStrategy\nSRR200,2024-01-15,WGS\n")
	}))
	defer srv.Close()

	l := testLinker(t, srv.URL, Options{RunInfoMaxRows: 100})

	sum := eutils.Summary{UID: "7002", Title: "t", BioProjectGuess: "PRJEB42"}
	rec, err := l.DatasetRecord(context.Background(), "7002", sum, catalog.SourceSRASearch, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "PRJEB42", rec.BioProject, "summary guess backfills a missing runinfo value")
}

func TestDatasetRecordNoRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Run,ReleaseDate\n")
	}))
	defer srv.Close()

	l := testLinker(t, srv.URL, Options{})

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	rec, err := l.DatasetRecord(context.Background(), "7003", eutils.Summary{}, catalog.SourceSRASearch, "", now)
	require.NoError(t, err)

	assert.Empty(t, rec.Run)
	assert.Equal(t, now.Year(), rec.Year, "collection time is the last-resort partition")
	require.NoError(t, rec.Validate())
}

func TestUnlinkedPublication(t *testing.T) {
	l := testLinker(t, "http://unused.invalid", Options{})

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	sum := eutils.Summary{
		UID:   "555",
		Title: "Airborne microbial communities of Hong Kong",
		Items: map[string]string{"PubDate": "2021 Jul 12"},
	}
	rec := l.UnlinkedPublication("555", sum, now)

	assert.Equal(t, "pubmed", rec.Space)
	assert.Equal(t, "555", rec.UID)
	assert.Equal(t, catalog.SourcePubMedUnlinked, rec.Source)
	assert.Equal(t, "555", rec.PMID)
	assert.Empty(t, rec.SRAUID)
	assert.Equal(t, 2021, rec.Year)
	require.NotNil(t, rec.Study)
	assert.Equal(t, "air", rec.Study.StudyType)
	assert.Equal(t, "Hong Kong", rec.Study.City)
	require.NoError(t, rec.Validate())
}
