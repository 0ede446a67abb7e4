// internal/eutils/types.go
package eutils

// Space is one of the two upstream identifier domains.
type Space string

const (
	// SpacePubMed is the publication identifier space (PMIDs).
	SpacePubMed Space = "pubmed"
	// SpaceSRA is the dataset identifier space (SRA UIDs).
	SpaceSRA Space = "sra"
)

// SearchRequest parameterizes one esearch call. Exactly one window style is
// used per call: RelDateDays for rolling windows, MinDate/MaxDate for
// explicit ranges, or neither for a full listing crawl.
type SearchRequest struct {
	DB    Space
	Query string

	// RetStart/RetMax form the pagination cursor.
	RetStart int
	RetMax   int

	// Sort orders results ("date", "pub+date", ...). Empty = relevance.
	Sort string

	// RelDateDays restricts to the last N days when > 0.
	RelDateDays int

	// MinDate/MaxDate restrict to an explicit range (YYYY/MM/DD or YYYY).
	MinDate string
	MaxDate string

	// DateType selects the date field ("edat", "pdat").
	DateType string
}

// SearchResult is one esearch page plus the listing total, which drives the
// crawl cursor.
type SearchResult struct {
	UIDs  []string
	Count int
}

// Summary is a lightweight esummary DocSum projection.
type Summary struct {
	UID   string
	Title string
	// BioProjectGuess is a PRJ(NA|EB|DB) accession scraped from any summary
	// field, used when the runinfo row lacks an explicit BioProject.
	BioProjectGuess string
	// Items holds the raw DocSum fields; nested item lists are flattened
	// with a space separator.
	Items map[string]string
}
