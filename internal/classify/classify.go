// Package classify derives best-effort study labels (assay class, study
// type, city/country) from the free-text metadata attached to a dataset:
// its title, runinfo row, and BioSample attributes. The output is heuristic
// and advisory; it never gates whether a record is kept.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// Confidence levels attached to a classification.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Input bundles the metadata a classification draws from. All fields are
// optional.
type Input struct {
	// Title is the dataset or publication title.
	Title string
	// RunInfo is one runinfo row (LibraryStrategy, LibrarySource, ...).
	RunInfo map[string]string
	// Attributes are BioSample attribute key/value pairs.
	Attributes map[string]string
}

// Result is one classification.
type Result struct {
	StudyType  string
	AssayClass string
	AssayTags  []string
	Confidence string
	Rationale  []string
	City       string
	Country    string
}

// Classifier turns dataset metadata into study labels.
type Classifier interface {
	Classify(in Input) Result
}

// Heuristic is the rule-based classifier shipped with the harvester.
type Heuristic struct{}

var _ Classifier = (*Heuristic)(nil)

// NewHeuristic returns the default rule-based classifier.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Classify applies the assay, study-type and location rules to in.
func (h *Heuristic) Classify(in Input) Result {
	res := h.classifyAssay(in)
	res.StudyType = classifyStudyType(in.Title)
	res.City, res.Country = extractCityCountry(in.Title)
	return res
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// classifyAssay buckets the library into WGS / RNA-seq / 16S / ITS /
// Amplicon / Unknown. Library strategy fields are the strongest signal;
// the text blob catches datasets whose runinfo is sparse.
func (h *Heuristic) classifyAssay(in Input) Result {
	title := norm(in.Title)

	attrParts := make([]string, 0, len(in.Attributes))
	for k, v := range in.Attributes {
		attrParts = append(attrParts, k+":"+v)
	}
	sort.Strings(attrParts)
	attrBlob := norm(strings.Join(attrParts, " "))

	strat := norm(in.RunInfo["LibraryStrategy"])
	src := norm(in.RunInfo["LibrarySource"])
	sel := norm(in.RunInfo["LibrarySelection"])

	blob := strings.Join([]string{title, attrBlob, strat, src, sel}, " | ")

	var hits, tags []string

	if strings.Contains(strat, "amplicon") || strings.Contains(blob, "amplicon") {
		hits = append(hits, "amplicon")
		tags = append(tags, "amplicon")
		if strings.Contains(blob, "16s") {
			return Result{AssayClass: "16S", AssayTags: append(tags, "16S"), Confidence: ConfidenceHigh, Rationale: append(hits, "16s")}
		}
		if strings.Contains(blob, "its") {
			return Result{AssayClass: "ITS", AssayTags: append(tags, "ITS"), Confidence: ConfidenceHigh, Rationale: append(hits, "its")}
		}
		return Result{AssayClass: "Amplicon", AssayTags: tags, Confidence: ConfidenceHigh, Rationale: hits}
	}

	if strat == "rna-seq" || strat == "transcriptome" ||
		strings.Contains(blob, "rna-seq") || strings.Contains(blob, "metatranscriptom") {
		return Result{
			AssayClass: "RNA-seq",
			AssayTags:  []string{"RNA"},
			Confidence: ConfidenceHigh,
			Rationale:  []string{"rna-seq/metatranscriptome"},
		}
	}

	if strat == "wgs" || strat == "metagenomic" ||
		strings.Contains(blob, "shotgun") || strings.Contains(blob, "wgs") || strings.Contains(blob, "metagenom") {
		return Result{
			AssayClass: "WGS",
			AssayTags:  []string{"shotgun"},
			Confidence: ConfidenceHigh,
			Rationale:  []string{"wgs/shotgun/metagenomic"},
		}
	}

	if strings.Contains(sel, "pcr") || strings.Contains(sel, "rrna") {
		hits = append(hits, "PCR/rRNA selection")
		tags = append(tags, "targeted")
		if strings.Contains(blob, "16s") {
			return Result{AssayClass: "16S", AssayTags: append(tags, "16S"), Confidence: ConfidenceMedium, Rationale: append(hits, "16s")}
		}
		if strings.Contains(blob, "its") {
			return Result{AssayClass: "ITS", AssayTags: append(tags, "ITS"), Confidence: ConfidenceMedium, Rationale: append(hits, "its")}
		}
		return Result{AssayClass: "Amplicon", AssayTags: tags, Confidence: ConfidenceMedium, Rationale: hits}
	}

	return Result{AssayClass: "Unknown", Confidence: ConfidenceLow}
}

// studyTypeRule pairs a label with the patterns that select it. First match
// wins, in declaration order.
type studyTypeRule struct {
	label    string
	patterns []*regexp.Regexp
}

var studyTypeRules = []studyTypeRule{
	{"wastewater", compileAll(`\bwastewater\b`, `\bsewage\b`, `\bstormwater\b`, `\binfluent\b`, `\beffluent\b`, `\bwwtp\b`)},
	{"air", compileAll(`\bair\b`, `\bairborne\b`, `\baerosol\b`, `\baerosols\b`, `\bhvac\b`, `\bventilation\b`, `\bdust\b`)},
	{"surface", compileAll(`\bsurface\b`, `\bfomite\b`, `\btouch\b`, `\bhandrail\b`, `\bswab\b`, `\bdoorknob\b`, `\bbench\b`)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

func classifyStudyType(text string) string {
	t := strings.ToLower(text)
	for _, rule := range studyTypeRules {
		for _, pat := range rule.patterns {
			if pat.MatchString(t) {
				return rule.label
			}
		}
	}
	return "other"
}
