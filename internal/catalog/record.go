// Package catalog implements the durable record store: a Record model
// serialized as JSON lines into size-bounded, append-only part files
// partitioned by year.
package catalog

import (
	"fmt"
	"time"
)

// Record sources.
const (
	// SourceSRASearch marks records discovered by direct dataset search.
	SourceSRASearch = "sra_search"
	// SourcePubMedLink marks (publication, dataset) pair records resolved
	// via elink.
	SourcePubMedLink = "pubmed_elink_sra"
	// SourcePubMedUnlinked marks publications with no linked dataset,
	// retained so literature discovery is never silently dropped.
	SourcePubMedUnlinked = "pubmed_unlinked"
)

// Study is the heuristic classification attached to a record. Best-effort;
// never treated as authoritative.
type Study struct {
	StudyType  string `json:"study_type,omitempty"`
	AssayClass string `json:"assay_class,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	City       string `json:"city,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Record is the unit of catalog storage: one flat row per (publication,
// dataset) pair, or a standalone row for an unlinked member of either space.
//
// The composite key (Space, UID) is unique across the catalog's lifetime.
// Updates happen only by appending a superseding record with the same key
// and a higher Revision; readers take the latest revision per key.
type Record struct {
	// Space and UID form the composite key.
	Space string `json:"space"`
	UID   string `json:"uid"`

	// Revision is the Unix-nanosecond collection timestamp. Monotonically
	// increasing per key across runs.
	Revision int64 `json:"revision"`

	// Year is the catalog partition, derived from the publication or
	// submission date, falling back to the collection date.
	Year int `json:"year"`

	Source string `json:"source"`
	Title  string `json:"title,omitempty"`

	// Publication reference (optional).
	PMID string `json:"pmid,omitempty"`

	// Dataset references (optional).
	SRAUID     string `json:"sra_uid,omitempty"`
	Run        string `json:"run,omitempty"`
	BioProject string `json:"bioproject,omitempty"`

	Study *Study            `json:"study,omitempty"`
	Links map[string]string `json:"links,omitempty"`

	// Meta carries free-form upstream payload (runinfo row, biosample
	// attributes, bioproject details).
	Meta map[string]any `json:"meta,omitempty"`

	CollectedAt time.Time `json:"collected_utc"`
}

// CompositeKey returns the stable identity of the record.
func (r *Record) CompositeKey() string {
	return r.Space + ":" + r.UID
}

// Validate checks the invariant fields before an append.
func (r *Record) Validate() error {
	if r.Space == "" || r.UID == "" {
		return fmt.Errorf("record missing composite key (space=%q uid=%q)", r.Space, r.UID)
	}
	if r.Revision <= 0 {
		return fmt.Errorf("record %s has no revision", r.CompositeKey())
	}
	if r.Year <= 0 {
		return fmt.Errorf("record %s has no year partition", r.CompositeKey())
	}
	if r.Source == "" {
		return fmt.Errorf("record %s has no source", r.CompositeKey())
	}
	return nil
}
