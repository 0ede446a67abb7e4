// internal/catalog/reader.go
package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var partRe = regexp.MustCompile(`^catalog_(\d{4})_part(\d{3})\.jsonl$`)

// PartFile identifies one catalog part on disk.
type PartFile struct {
	Year int
	Seq  int
	Path string
}

// Reader walks catalog part files in (year, sequence) order.
type Reader struct {
	dir string
}

// NewReader creates a reader over the catalog at dir.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Parts lists the part files, optionally restricted to the given years
// (nil = all), sorted by year then sequence. Filename order is the catalog
// order, which makes every walk deterministic for a given catalog state.
func (r *Reader) Parts(years []int) ([]PartFile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing catalog dir %s: %w", r.dir, err)
	}

	want := map[int]bool{}
	for _, y := range years {
		want[y] = true
	}

	var parts []PartFile
	for _, e := range entries {
		m := partRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		year, _ := strconv.Atoi(m[1])
		seq, _ := strconv.Atoi(m[2])
		if len(want) > 0 && !want[year] {
			continue
		}
		parts = append(parts, PartFile{Year: year, Seq: seq, Path: filepath.Join(r.dir, e.Name())})
	}

	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Year != parts[j].Year {
			return parts[i].Year < parts[j].Year
		}
		return parts[i].Seq < parts[j].Seq
	})
	return parts, nil
}

// Years lists the distinct years present in the catalog, ascending.
func (r *Reader) Years() ([]int, error) {
	parts, err := r.Parts(nil)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var years []int
	for _, p := range parts {
		if !seen[p.Year] {
			seen[p.Year] = true
			years = append(years, p.Year)
		}
	}
	return years, nil
}

// Walk streams every record of the selected years (nil = all) in catalog
// order. A truncated or unparsable final line in a part is discarded — the
// expected residue of a crash mid-append — while a malformed line with valid
// lines after it is a real corruption and fails the walk.
func (r *Reader) Walk(years []int, fn func(*Record) error) error {
	parts, err := r.Parts(years)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := walkPart(p.Path, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkPart(path string, fn func(*Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening part %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	// Hold one line back so a decode failure on the final line can be
	// discarded instead of failing the walk.
	var pending []byte
	var pendingSet bool
	lineNo := 0

	flush := func(last bool) error {
		if !pendingSet {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(pending, &rec); err != nil {
			if last {
				return nil // truncated trailing line
			}
			return fmt.Errorf("corrupt record in %s line %d: %w", path, lineNo-1, err)
		}
		return fn(&rec)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineNo++
		if err := flush(false); err != nil {
			return err
		}
		pending = append(pending[:0], line...)
		pendingSet = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading part %s: %w", path, err)
	}
	return flush(true)
}

// LatestRevisions walks the selected years once and returns the highest
// revision seen per composite key. Combined with a second walk this yields
// the latest-revision-wins view without holding records in memory.
func (r *Reader) LatestRevisions(years []int) (map[string]int64, error) {
	revs := make(map[string]int64)
	err := r.Walk(years, func(rec *Record) error {
		if rec.Revision > revs[rec.CompositeKey()] {
			revs[rec.CompositeKey()] = rec.Revision
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revs, nil
}
