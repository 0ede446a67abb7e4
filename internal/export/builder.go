// Package export derives the published artifacts from the catalog: chunked
// JSON-array record files under docs/db/, a manifest and index describing
// them, and the size-capped latest.json feed. Everything here is derived
// state: a rebuild from the same catalog produces byte-identical chunk
// content.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
)

// Manifest describes one rebuild of the chunked exports.
type Manifest struct {
	Generated    string         `json:"generated"`
	TotalRecords int            `json:"total_records"`
	Parts        []ManifestPart `json:"parts"`
	Years        []int          `json:"years"`
}

// ManifestPart describes one chunk file.
type ManifestPart struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
	Bytes   int64  `json:"bytes"`
}

// Index is the compact sibling of the manifest, meant for clients that only
// need the part list.
type Index struct {
	Generated    string   `json:"generated"`
	TotalRecords int      `json:"total_records"`
	Parts        []string `json:"parts"`
	Years        []int    `json:"years"`
}

// Builder rebuilds the export artifacts from the catalog.
type Builder struct {
	reader   *catalog.Reader
	docsDir  string
	maxBytes int64

	// Now is the timestamp source, swappable in tests.
	Now func() time.Time
}

// NewBuilder creates a builder writing under docsDir.
func NewBuilder(reader *catalog.Reader, docsDir string, maxBytes int64) (*Builder, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max chunk bytes must be > 0, got %d", maxBytes)
	}
	return &Builder{
		reader:   reader,
		docsDir:  docsDir,
		maxBytes: maxBytes,
		Now:      time.Now,
	}, nil
}

// Rebuild regenerates the chunked record exports for the given years (nil =
// full catalog). The view is latest-revision-wins per composite key; record
// order follows the catalog's part-file order, so identical catalog state
// yields identical chunks.
func (b *Builder) Rebuild(years []int) (*Manifest, error) {
	dbDir := filepath.Join(b.docsDir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir %s: %w", dbDir, err)
	}

	revs, err := b.reader.LatestRevisions(years)
	if err != nil {
		return nil, err
	}

	cw, err := newChunkWriter(filepath.Join(dbDir, "records"), b.maxBytes)
	if err != nil {
		return nil, err
	}

	emitted := make(map[string]bool, len(revs))
	walkErr := b.reader.Walk(years, func(rec *catalog.Record) error {
		key := rec.CompositeKey()
		if rec.Revision != revs[key] || emitted[key] {
			return nil
		}
		emitted[key] = true
		return cw.append(rec)
	})
	if walkErr != nil {
		cw.abort()
		return nil, walkErr
	}

	parts, total, err := cw.finish()
	if err != nil {
		return nil, err
	}

	catalogYears := years
	if catalogYears == nil {
		if catalogYears, err = b.reader.Years(); err != nil {
			return nil, err
		}
	}
	if catalogYears == nil {
		catalogYears = []int{}
	}

	manifest := &Manifest{
		Generated:    b.Now().UTC().Format(time.RFC3339),
		TotalRecords: total,
		Parts:        parts,
		Years:        catalogYears,
	}
	if err := writeJSONAtomic(filepath.Join(dbDir, "manifest.json"), manifest); err != nil {
		return nil, err
	}

	index := &Index{
		Generated:    manifest.Generated,
		TotalRecords: manifest.TotalRecords,
		Years:        manifest.Years,
		Parts:        make([]string, len(parts)),
	}
	for i, p := range parts {
		index.Parts[i] = filepath.Base(p.Path)
	}
	if err := writeJSONAtomic(filepath.Join(dbDir, "index.json"), index); err != nil {
		return nil, err
	}

	return manifest, nil
}

// chunkWriter streams records into JSON-array part files, starting a new
// part before an entry would push the current one past the ceiling.
type chunkWriter struct {
	prefix   string
	maxBytes int64

	idx     int
	f       *os.File
	written int64
	nPart   int
	first   bool

	parts []ManifestPart
	total int
}

// closingBytes is the footprint of the array terminator ("\n]\n").
const closingBytes = 3

func newChunkWriter(prefix string, maxBytes int64) (*chunkWriter, error) {
	cw := &chunkWriter{prefix: prefix, maxBytes: maxBytes}
	if err := cw.openPart(); err != nil {
		return nil, err
	}
	return cw, nil
}

func (cw *chunkWriter) partPath(i int) string {
	return fmt.Sprintf("%s_part%03d.json", cw.prefix, i)
}

func (cw *chunkWriter) openPart() error {
	f, err := os.Create(cw.partPath(cw.idx))
	if err != nil {
		return fmt.Errorf("creating export chunk: %w", err)
	}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return fmt.Errorf("writing export chunk: %w", err)
	}
	cw.f = f
	cw.written = 2
	cw.nPart = 0
	cw.first = true
	return nil
}

func (cw *chunkWriter) append(rec *catalog.Record) error {
	blob, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing export record %s: %w", rec.CompositeKey(), err)
	}

	entry := blob
	if !cw.first {
		entry = append([]byte(",\n"), blob...)
	}

	if !cw.first && cw.written+int64(len(entry))+closingBytes > cw.maxBytes {
		if err := cw.closePart(); err != nil {
			return err
		}
		cw.idx++
		if err := cw.openPart(); err != nil {
			return err
		}
		entry = blob
	}

	n, err := cw.f.Write(entry)
	if err != nil {
		return fmt.Errorf("writing export chunk: %w", err)
	}
	cw.written += int64(n)
	cw.first = false
	cw.nPart++
	cw.total++
	return nil
}

func (cw *chunkWriter) closePart() error {
	if _, err := cw.f.WriteString("\n]\n"); err != nil {
		cw.f.Close()
		return fmt.Errorf("closing export chunk: %w", err)
	}
	if err := cw.f.Close(); err != nil {
		return fmt.Errorf("closing export chunk: %w", err)
	}
	cw.parts = append(cw.parts, ManifestPart{
		Path:    filepath.Base(cw.partPath(cw.idx)),
		Records: cw.nPart,
		Bytes:   cw.written + closingBytes,
	})
	return nil
}

func (cw *chunkWriter) finish() ([]ManifestPart, int, error) {
	if err := cw.closePart(); err != nil {
		return nil, 0, err
	}
	return cw.parts, cw.total, nil
}

func (cw *chunkWriter) abort() {
	if cw.f != nil {
		cw.f.Close()
	}
}

// writeJSONAtomic writes obj as indented JSON via a temp file and rename, so
// readers never observe a half-written artifact.
func writeJSONAtomic(path string, obj any) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
