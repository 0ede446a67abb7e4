// internal/harvest/report.go
package harvest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report aggregates the counters of one run. It is written to
// docs/debug/latest_report.json at run end, success or failure, so the
// scheduling layer always sees the most recent run's shape.
type Report struct {
	RunID     string         `json:"run_id"`
	Mode      string         `json:"mode"`
	Generated string         `json:"generated_utc,omitempty"`
	Counters  map[string]int `json:"counters"`
}

func newReport(runID, mode string) *Report {
	return &Report{
		RunID:    runID,
		Mode:     mode,
		Counters: make(map[string]int),
	}
}

func (r *Report) inc(key string, n int) {
	r.Counters[key] += n
}

func (r *Report) finish(now time.Time) {
	r.Generated = now.UTC().Format(time.RFC3339)
}

func (r *Report) write(docsDir string) error {
	dir := filepath.Join(docsDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating debug dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	path := filepath.Join(dir, "latest_report.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing run report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing run report: %w", err)
	}
	return nil
}
