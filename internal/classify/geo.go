// internal/classify/geo.go
//
// City/country extraction from title-like text. Known-name matching first,
// then a "City, Country" pattern fallback. Best-effort only.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

var countryNames = []string{
	"United States", "USA", "United Kingdom", "UK", "England", "Scotland", "Wales", "Ireland",
	"Canada", "Mexico", "Brazil", "Argentina", "Chile", "Colombia", "Peru",
	"France", "Germany", "Italy", "Spain", "Portugal", "Netherlands", "Belgium", "Switzerland",
	"Austria", "Sweden", "Norway", "Denmark", "Finland", "Poland", "Czech Republic",
	"Greece", "Turkey", "Russia", "Ukraine",
	"China", "Hong Kong", "Taiwan", "Japan", "South Korea", "Korea", "Singapore",
	"India", "Pakistan", "Bangladesh", "Sri Lanka", "Nepal",
	"Thailand", "Vietnam", "Malaysia", "Indonesia", "Philippines",
	"Australia", "New Zealand",
	"South Africa", "Nigeria", "Kenya", "Ethiopia", "Egypt", "Morocco", "Ghana",
	"Israel", "Saudi Arabia", "United Arab Emirates", "UAE", "Qatar", "Iran", "Iraq",
}

// countryAliases folds variant names to a canonical country.
var countryAliases = map[string]string{
	"USA":      "United States",
	"UK":       "United Kingdom",
	"England":  "United Kingdom",
	"Scotland": "United Kingdom",
	"Wales":    "United Kingdom",
	"UAE":      "United Arab Emirates",
	"Korea":    "South Korea",
}

type cityRule struct {
	canonical string
	patterns  []*regexp.Regexp
}

// cityRules is ordered: more specific aliases come before substrings that
// could shadow them.
var cityRules = []cityRule{
	{"New York City", compileAll(`\bNYC\b`, `\bNew York City\b`, `\bNew York\b`)},
	{"London", compileAll(`\bLondon\b`)},
	{"Paris", compileAll(`\bParis\b`)},
	{"Tokyo", compileAll(`\bTokyo\b`)},
	{"Beijing", compileAll(`\bBeijing\b`)},
	{"Shanghai", compileAll(`\bShanghai\b`)},
	{"Hong Kong", compileAll(`\bHong Kong\b`)},
	{"Singapore", compileAll(`\bSingapore\b`)},
	{"San Francisco", compileAll(`\bSan Francisco\b`, `\bSF\b`)},
	{"Los Angeles", compileAll(`\bLos Angeles\b`, `\bLA\b`)},
	{"Chicago", compileAll(`\bChicago\b`)},
	{"Boston", compileAll(`\bBoston\b`)},
	{"Seattle", compileAll(`\bSeattle\b`)},
	{"Miami", compileAll(`\bMiami\b`)},
	{"Toronto", compileAll(`\bToronto\b`)},
	{"Vancouver", compileAll(`\bVancouver\b`)},
	{"Montreal", compileAll(`\bMontreal\b`)},
	{"Mexico City", compileAll(`\bMexico City\b`)},
	{"São Paulo", compileAll(`\bSao Paulo\b`, `\bSão Paulo\b`)},
	{"Rio de Janeiro", compileAll(`\bRio de Janeiro\b`)},
	{"Buenos Aires", compileAll(`\bBuenos Aires\b`)},
	{"Sydney", compileAll(`\bSydney\b`)},
	{"Melbourne", compileAll(`\bMelbourne\b`)},
	{"Auckland", compileAll(`\bAuckland\b`)},
	{"Cape Town", compileAll(`\bCape Town\b`)},
	{"Johannesburg", compileAll(`\bJohannesburg\b`)},
	{"Nairobi", compileAll(`\bNairobi\b`)},
}

var (
	sortedCountries  []string
	countryPatterns  map[string]*regexp.Regexp
	cityCountryPairs = regexp.MustCompile(`\b([A-Z][A-Za-z.\- ]{2,40}),\s*([A-Z][A-Za-z.\- ]{2,40})\b`)
)

func init() {
	// Longest names first so "United Arab Emirates" wins over "Iran"-style
	// shorter substrings at equal positions.
	sortedCountries = append(sortedCountries, countryNames...)
	sort.Slice(sortedCountries, func(i, j int) bool {
		a, b := sortedCountries[i], sortedCountries[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return strings.ToLower(a) < strings.ToLower(b)
	})
	countryPatterns = make(map[string]*regexp.Regexp, len(sortedCountries))
	for _, c := range sortedCountries {
		countryPatterns[c] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(c) + `\b`)
	}
}

func canonicalCountry(name string) string {
	if canon, ok := countryAliases[name]; ok {
		return canon
	}
	return name
}

func extractCityCountry(text string) (city, country string) {
	if text == "" {
		return "", ""
	}

	for _, c := range sortedCountries {
		if countryPatterns[c].MatchString(text) {
			country = canonicalCountry(c)
			break
		}
	}

	for _, rule := range cityRules {
		for _, pat := range rule.patterns {
			if pat.MatchString(text) {
				city = rule.canonical
				break
			}
		}
		if city != "" {
			break
		}
	}

	if city == "" {
		if m := cityCountryPairs.FindStringSubmatch(text); m != nil {
			candCity := strings.TrimSpace(m[1])
			candCountry := strings.TrimSpace(m[2])
			for _, c := range sortedCountries {
				if strings.EqualFold(candCountry, c) || countryPatterns[c].MatchString(candCountry) {
					if country == "" {
						country = canonicalCountry(c)
					}
					break
				}
			}
			if len(candCity) >= 2 && len(candCity) <= 40 {
				city = candCity
			}
		}
	}

	return city, country
}
