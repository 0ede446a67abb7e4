// internal/export/latest.go
//
// The latest.json feed: the newest records first, trimmed by binary search
// to the largest item count whose serialized payload fits the byte ceiling.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fyrsmithlabs/urbanscope/internal/catalog"
)

// LatestPayload is the shape of docs/latest.json.
type LatestPayload struct {
	Generated string            `json:"generated_utc"`
	Count     int               `json:"count"`
	Items     []*catalog.Record `json:"items"`
}

// WriteLatest writes the newest-first feed to docsDir/latest.json, trimmed
// from the tail so the file never exceeds the builder's byte ceiling. Count
// reflects the item-capped set, so when byte trimming drops further entries
// clients can tell the feed is partial.
func (b *Builder) WriteLatest(items []*catalog.Record, maxItems int) error {
	sorted := make([]*catalog.Record, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Revision > sorted[j].Revision
	})
	if maxItems > 0 && len(sorted) > maxItems {
		sorted = sorted[:maxItems]
	}

	path := filepath.Join(b.docsDir, "latest.json")
	if err := os.MkdirAll(b.docsDir, 0o755); err != nil {
		return fmt.Errorf("creating docs dir %s: %w", b.docsDir, err)
	}

	generated := b.Now().UTC().Format(time.RFC3339)
	total := len(sorted)

	fits := func(n int) (bool, error) {
		payload := &LatestPayload{Generated: generated, Count: total, Items: sorted[:n]}
		size, err := jsonSize(payload)
		if err != nil {
			return false, err
		}
		return size <= b.maxBytes, nil
	}

	ok, err := fits(len(sorted))
	if err != nil {
		return err
	}
	keep := len(sorted)
	if !ok {
		// Binary search for the largest prefix that fits.
		lo, hi, best := 0, len(sorted), 0
		for lo <= hi {
			mid := (lo + hi) / 2
			ok, err := fits(mid)
			if err != nil {
				return err
			}
			if ok {
				best = mid
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}
		keep = best
	}

	payload := &LatestPayload{Generated: generated, Count: total, Items: sorted[:keep]}
	return writeJSONAtomic(path, payload)
}

func jsonSize(obj any) (int64, error) {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return 0, err
	}
	return int64(len(data)) + 1, nil // trailing newline added on write
}
