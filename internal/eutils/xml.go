// internal/eutils/xml.go
//
// Wire shapes for the E-utilities XML responses. Only the fields the
// harvester reads are declared; unknown elements are skipped by the decoder.
package eutils

import "strings"

type eSearchResult struct {
	Count int      `xml:"Count"`
	IDs   []string `xml:"IdList>Id"`
	Error string   `xml:"ERROR"`
}

type eSummaryResult struct {
	DocSums []docSum `xml:"DocSum"`
}

type docSum struct {
	ID    string       `xml:"Id"`
	Items []docSumItem `xml:"Item"`
}

// docSumItem nests: list-typed items carry child Items instead of chardata.
type docSumItem struct {
	Name  string       `xml:"Name,attr"`
	Value string       `xml:",chardata"`
	Items []docSumItem `xml:"Item"`
}

// flatten joins nested item values with a space, mirroring how the summary
// fields are scanned for accessions.
func (d docSumItem) flatten() string {
	if len(d.Items) == 0 {
		return strings.TrimSpace(d.Value)
	}
	parts := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		if v := it.flatten(); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

type eLinkResult struct {
	LinkSets []linkSet `xml:"LinkSet"`
}

type linkSet struct {
	IDList     []string    `xml:"IdList>Id"`
	LinkSetDBs []linkSetDB `xml:"LinkSetDb"`
}

type linkSetDB struct {
	DBTo  string   `xml:"DbTo"`
	Links []string `xml:"Link>Id"`
}
