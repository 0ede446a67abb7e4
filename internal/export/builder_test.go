package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
)

func fixedClock() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func seedCatalog(t *testing.T, dir string, recs ...*catalog.Record) {
	t.Helper()
	w, err := catalog.NewWriter(dir, 1024*1024)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Close())
}

func rec(uid string, year int, rev int64) *catalog.Record {
	return &catalog.Record{
		Space:       "sra",
		UID:         uid,
		Revision:    rev,
		Year:        year,
		Source:      catalog.SourceSRASearch,
		Title:       "record " + uid,
		CollectedAt: time.Unix(0, rev).UTC(),
	}
}

func newTestBuilder(t *testing.T, dataDir, docsDir string, maxBytes int64) *Builder {
	t.Helper()
	b, err := NewBuilder(catalog.NewReader(dataDir), docsDir, maxBytes)
	require.NoError(t, err)
	b.Now = fixedClock
	return b
}

func readChunk(t *testing.T, path string) []catalog.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var recs []catalog.Record
	require.NoError(t, json.Unmarshal(data, &recs), "chunk %s must be a valid JSON array", path)
	return recs
}

func TestRebuildSingleChunk(t *testing.T) {
	dataDir, docsDir := t.TempDir(), t.TempDir()
	seedCatalog(t, dataDir, rec("a", 2024, 1), rec("b", 2024, 2))

	b := newTestBuilder(t, dataDir, docsDir, 1024*1024)
	manifest, err := b.Rebuild(nil)
	require.NoError(t, err)

	assert.Equal(t, 2, manifest.TotalRecords)
	require.Len(t, manifest.Parts, 1)
	assert.Equal(t, "records_part000.json", manifest.Parts[0].Path)
	assert.Equal(t, []int{2024}, manifest.Years)

	info, err := os.Stat(filepath.Join(docsDir, "db", "records_part000.json"))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), manifest.Parts[0].Bytes, "manifest bytes must match the chunk on disk")

	recs := readChunk(t, filepath.Join(docsDir, "db", "records_part000.json"))
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].UID)
	assert.Equal(t, "b", recs[1].UID)
}

func TestRebuildChunksAtCeiling(t *testing.T) {
	dataDir, docsDir := t.TempDir(), t.TempDir()

	var recs []*catalog.Record
	for i := 0; i < 20; i++ {
		r := rec(string(rune('a'+i)), 2024, int64(i+1))
		recs = append(recs, r)
	}
	seedCatalog(t, dataDir, recs...)

	b := newTestBuilder(t, dataDir, docsDir, 800)
	manifest, err := b.Rebuild(nil)
	require.NoError(t, err)

	assert.Equal(t, 20, manifest.TotalRecords)
	assert.Greater(t, len(manifest.Parts), 1, "ceiling should have forced chunking")

	total := 0
	for _, p := range manifest.Parts {
		path := filepath.Join(docsDir, "db", p.Path)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), int64(800), "chunk %s exceeds ceiling", p.Path)
		assert.Equal(t, info.Size(), p.Bytes, "manifest bytes must match chunk %s on disk", p.Path)

		chunk := readChunk(t, path)
		assert.Len(t, chunk, p.Records)
		total += len(chunk)
	}
	assert.Equal(t, 20, total)
}

func TestRebuildLatestRevisionWins(t *testing.T) {
	dataDir, docsDir := t.TempDir(), t.TempDir()

	older := rec("dup", 2024, 10)
	older.Title = "old title"
	newer := rec("dup", 2024, 20)
	newer.Title = "new title"
	seedCatalog(t, dataDir, older, rec("keep", 2024, 5), newer)

	b := newTestBuilder(t, dataDir, docsDir, 1024*1024)
	manifest, err := b.Rebuild(nil)
	require.NoError(t, err)

	assert.Equal(t, 2, manifest.TotalRecords, "duplicate key must collapse to one record")

	recs := readChunk(t, filepath.Join(docsDir, "db", "records_part000.json"))
	byUID := map[string]catalog.Record{}
	for _, r := range recs {
		byUID[r.UID] = r
	}
	assert.Equal(t, "new title", byUID["dup"].Title)
	assert.Equal(t, int64(20), byUID["dup"].Revision)
}

func TestRebuildDeterministic(t *testing.T) {
	dataDir := t.TempDir()
	seedCatalog(t, dataDir, rec("a", 2023, 1), rec("b", 2024, 2), rec("c", 2024, 3))

	docs1, docs2 := t.TempDir(), t.TempDir()
	_, err := newTestBuilder(t, dataDir, docs1, 1024*1024).Rebuild(nil)
	require.NoError(t, err)
	_, err = newTestBuilder(t, dataDir, docs2, 1024*1024).Rebuild(nil)
	require.NoError(t, err)

	for _, name := range []string{"records_part000.json", "manifest.json", "index.json"} {
		d1, err := os.ReadFile(filepath.Join(docs1, "db", name))
		require.NoError(t, err)
		d2, err := os.ReadFile(filepath.Join(docs2, "db", name))
		require.NoError(t, err)
		assert.Equal(t, string(d1), string(d2), "%s must be identical across rebuilds", name)
	}
}

func TestRebuildWritesIndex(t *testing.T) {
	dataDir, docsDir := t.TempDir(), t.TempDir()
	seedCatalog(t, dataDir, rec("a", 2023, 1), rec("b", 2024, 2))

	b := newTestBuilder(t, dataDir, docsDir, 1024*1024)
	_, err := b.Rebuild(nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(docsDir, "db", "index.json"))
	require.NoError(t, err)

	var idx Index
	require.NoError(t, json.Unmarshal(data, &idx))
	assert.Equal(t, 2, idx.TotalRecords)
	assert.Equal(t, []string{"records_part000.json"}, idx.Parts)
	assert.Equal(t, []int{2023, 2024}, idx.Years)
	assert.Equal(t, "2026-08-24T12:00:00Z", idx.Generated)
}

func TestRebuildEmptyCatalog(t *testing.T) {
	dataDir, docsDir := t.TempDir(), t.TempDir()

	b := newTestBuilder(t, dataDir, docsDir, 1024*1024)
	manifest, err := b.Rebuild(nil)
	require.NoError(t, err)

	assert.Equal(t, 0, manifest.TotalRecords)
	require.Len(t, manifest.Parts, 1)
	assert.Equal(t, 0, manifest.Parts[0].Records)

	recs := readChunk(t, filepath.Join(docsDir, "db", "records_part000.json"))
	assert.Empty(t, recs)
}

func TestWriteLatestNewestFirst(t *testing.T) {
	docsDir := t.TempDir()
	b := newTestBuilder(t, t.TempDir(), docsDir, 1024*1024)

	items := []*catalog.Record{
		rec("oldest", 2024, 1),
		rec("newest", 2024, 30),
		rec("middle", 2024, 15),
	}
	require.NoError(t, b.WriteLatest(items, 0))

	data, err := os.ReadFile(filepath.Join(docsDir, "latest.json"))
	require.NoError(t, err)

	var payload LatestPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 3, payload.Count)
	require.Len(t, payload.Items, 3)
	assert.Equal(t, "newest", payload.Items[0].UID)
	assert.Equal(t, "middle", payload.Items[1].UID)
	assert.Equal(t, "oldest", payload.Items[2].UID)
}

func TestWriteLatestTrimsToCeiling(t *testing.T) {
	docsDir := t.TempDir()
	b := newTestBuilder(t, t.TempDir(), docsDir, 2000)

	var items []*catalog.Record
	for i := 0; i < 50; i++ {
		items = append(items, rec(string(rune('a'+i%26))+"x", 2024, int64(i+1)))
	}
	require.NoError(t, b.WriteLatest(items, 0))

	path := filepath.Join(docsDir, "latest.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(2000))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var payload LatestPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 50, payload.Count, "count reflects the full candidate set")
	assert.Less(t, len(payload.Items), 50, "items must have been trimmed")
	if len(payload.Items) > 0 {
		assert.Equal(t, int64(50), payload.Items[0].Revision, "newest item survives trimming")
	}
}

func TestWriteLatestMaxItems(t *testing.T) {
	docsDir := t.TempDir()
	b := newTestBuilder(t, t.TempDir(), docsDir, 1024*1024)

	items := []*catalog.Record{rec("a", 2024, 1), rec("b", 2024, 2), rec("c", 2024, 3)}
	require.NoError(t, b.WriteLatest(items, 2))

	data, err := os.ReadFile(filepath.Join(docsDir, "latest.json"))
	require.NoError(t, err)
	var payload LatestPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 2, payload.Count)
	require.Len(t, payload.Items, 2)
	assert.Equal(t, "c", payload.Items[0].UID)
}
