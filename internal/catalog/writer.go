// internal/catalog/writer.go
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// partName formats a part filename: catalog_<year>_part<NNN>.jsonl.
func partName(year, seq int) string {
	return fmt.Sprintf("catalog_%04d_part%03d.jsonl", year, seq)
}

// part tracks one open part file.
type part struct {
	seq  int
	f    *os.File
	size int64
}

// Writer appends records to per-year part files, rotating to a new sequence
// number before an append would push the current part past the byte ceiling.
// Closed parts are never reopened or rewritten.
//
// Append is the unit of durability: the serialized line is written, flushed
// and fsynced before Append returns, so a crash leaves at worst one
// truncated trailing line, which readers discard.
type Writer struct {
	dir      string
	maxBytes int64
	parts    map[int]*part
}

// NewWriter creates a catalog writer rooted at dir.
func NewWriter(dir string, maxBytes int64) (*Writer, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max part bytes must be > 0, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog dir %s: %w", dir, err)
	}
	return &Writer{
		dir:      dir,
		maxBytes: maxBytes,
		parts:    make(map[int]*part),
	}, nil
}

// Append serializes rec as one JSON line and appends it to the current part
// for rec.Year, rotating first if the line would exceed the ceiling. A
// single record larger than the ceiling gets a fresh part of its own;
// records are never split.
func (w *Writer) Append(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing record %s: %w", rec.CompositeKey(), err)
	}
	line = append(line, '\n')

	p, err := w.partFor(rec.Year)
	if err != nil {
		return err
	}

	if p.size > 0 && p.size+int64(len(line)) > w.maxBytes {
		if p, err = w.rotate(rec.Year, p); err != nil {
			return err
		}
	}

	n, err := p.f.Write(line)
	if err != nil {
		return fmt.Errorf("appending to %s: %w", p.f.Name(), err)
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", p.f.Name(), err)
	}
	p.size += int64(n)
	return nil
}

// partFor returns the open part for a year, resuming the highest existing
// sequence on first touch.
func (w *Writer) partFor(year int) (*part, error) {
	if p, ok := w.parts[year]; ok {
		return p, nil
	}

	seq := 0
	pattern := filepath.Join(w.dir, fmt.Sprintf("catalog_%04d_part*.jsonl", year))
	existing, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("listing parts for %d: %w", year, err)
	}
	if len(existing) > 0 {
		sort.Strings(existing)
		var y int
		last := filepath.Base(existing[len(existing)-1])
		if _, err := fmt.Sscanf(last, "catalog_%04d_part%03d.jsonl", &y, &seq); err != nil {
			return nil, fmt.Errorf("unrecognized part filename %s: %w", last, err)
		}
	}

	p, err := w.open(year, seq)
	if err != nil {
		return nil, err
	}
	w.parts[year] = p
	return p, nil
}

// rotate closes the current part and opens the next sequence.
func (w *Writer) rotate(year int, cur *part) (*part, error) {
	if err := cur.f.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", cur.f.Name(), err)
	}
	p, err := w.open(year, cur.seq+1)
	if err != nil {
		return nil, err
	}
	w.parts[year] = p
	return p, nil
}

func (w *Writer) open(year, seq int) (*part, error) {
	path := filepath.Join(w.dir, partName(year, seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening part %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat part %s: %w", path, err)
	}
	return &part{seq: seq, f: f, size: info.Size()}, nil
}

// Close closes all open parts.
func (w *Writer) Close() error {
	var firstErr error
	for year, p := range w.parts {
		if err := p.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing part for %d: %w", year, err)
		}
		delete(w.parts, year)
	}
	return firstErr
}
