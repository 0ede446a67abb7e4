// internal/linker/biosample.go
//
// BioSample enrichment and geography inference. Attributes are scraped from
// the efetch XML wherever they appear in the tree, since sample submitters
// nest them inconsistently.
package linker

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// BioSampleDetails is the normalized enrichment payload for one sample.
type BioSampleDetails struct {
	Accession  string            `json:"accession"`
	Title      string            `json:"title,omitempty"`
	Organism   string            `json:"organism,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Geo is the best-effort location derived from a sample.
type Geo struct {
	Country            string `json:"country,omitempty"`
	Region             string `json:"region,omitempty"`
	City               string `json:"city,omitempty"`
	Lat                string `json:"lat,omitempty"`
	Lon                string `json:"lon,omitempty"`
	Raw                string `json:"raw,omitempty"`
	BioSampleAccession string `json:"biosample_accession,omitempty"`
}

// countryHints folds common abbreviations found in geo_loc_name values.
var countryHints = map[string]string{
	"usa":           "United States",
	"u.s.a":         "United States",
	"united states": "United States",
	"uk":            "United Kingdom",
	"u.k.":          "United Kingdom",
	"england":       "United Kingdom",
	"scotland":      "United Kingdom",
	"uae":           "United Arab Emirates",
}

var latLonRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*[, ]\s*(-?\d+(?:\.\d+)?)`)

// BioSampleDetails resolves a sample accession to its attribute payload,
// through the persistent cache. A fetch or parse failure is cached as an
// error entry and reported as a nil-error empty result: enrichment is
// best-effort and must never sink a candidate.
func (l *Linker) BioSampleDetails(ctx context.Context, accession string) (*BioSampleDetails, error) {
	accession = strings.TrimSpace(accession)
	if accession == "" {
		return nil, nil
	}
	if d, ok := l.bsCache.Get(accession); ok {
		return &d, nil
	}

	body, err := l.client.FetchXML(ctx, "biosample", accession)
	if err != nil {
		l.logger.Warn(ctx, "biosample fetch failed",
			zap.String("accession", accession), zap.Error(err))
		d := BioSampleDetails{Accession: accession, Error: err.Error()}
		l.bsCache.Put(accession, d)
		return &d, nil
	}
	d, err := parseBioSampleXML(body)
	if err != nil {
		d = &BioSampleDetails{Accession: accession, Error: err.Error()}
	}
	d.Accession = accession
	l.bsCache.Put(accession, *d)
	return d, nil
}

// parseBioSampleXML walks the document token by token, collecting every
// Attribute element plus the first Title and OrganismName regardless of
// nesting depth.
func parseBioSampleXML(body []byte) (*BioSampleDetails, error) {
	d := &BioSampleDetails{Attributes: make(map[string]string)}
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding biosample xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Attribute":
			var key string
			for _, a := range start.Attr {
				if a.Name.Local == "attribute_name" && key == "" {
					key = strings.TrimSpace(a.Value)
				}
				if a.Name.Local == "harmonized_name" && key == "" {
					key = strings.TrimSpace(a.Value)
				}
			}
			var val string
			if err := dec.DecodeElement(&val, &start); err != nil {
				return nil, fmt.Errorf("decoding biosample attribute: %w", err)
			}
			val = strings.TrimSpace(val)
			if key != "" && val != "" {
				d.Attributes[key] = val
			}
		case "Title":
			if d.Title == "" {
				var val string
				if err := dec.DecodeElement(&val, &start); err != nil {
					return nil, fmt.Errorf("decoding biosample title: %w", err)
				}
				d.Title = strings.TrimSpace(val)
			}
		case "OrganismName":
			if d.Organism == "" {
				var val string
				if err := dec.DecodeElement(&val, &start); err != nil {
					return nil, fmt.Errorf("decoding biosample organism: %w", err)
				}
				d.Organism = strings.TrimSpace(val)
			}
		}
	}
	return d, nil
}

// InferGeo derives a location from BioSample attributes, falling back to
// country hints found in the given free-text fields. The geo_loc_name
// convention is "Country: region, city".
func InferGeo(details *BioSampleDetails, fallbacks []string) Geo {
	var attrs map[string]string
	var accession string
	if details != nil {
		attrs = details.Attributes
		accession = details.Accession
	}

	var rawGeo string
	for _, k := range []string{"geo_loc_name", "geographic location", "geographic_location", "country", "location"} {
		if v := strings.TrimSpace(attrs[k]); v != "" {
			rawGeo = v
			break
		}
	}

	var lat, lon string
	for _, k := range []string{"lat_lon", "latitude and longitude", "latitude_longitude"} {
		if v := strings.TrimSpace(attrs[k]); v != "" {
			if m := latLonRe.FindStringSubmatch(v); m != nil {
				lat, lon = m[1], m[2]
			}
			break
		}
	}

	var country, region, city string
	if rawGeo != "" {
		if idx := strings.Index(rawGeo, ":"); idx >= 0 {
			country = strings.TrimSpace(rawGeo[:idx])
			rest := rawGeo[idx+1:]
			bits := splitTrim(rest, ",")
			if len(bits) > 0 {
				city = bits[len(bits)-1]
				if len(bits) >= 2 {
					region = bits[len(bits)-2]
				}
			}
		} else {
			bits := splitTrim(rawGeo, ",")
			if len(bits) > 0 {
				country = bits[0]
			}
			if len(bits) >= 2 {
				city = bits[len(bits)-1]
			}
			if len(bits) >= 3 {
				region = bits[len(bits)-2]
			}
		}
	}

	if canon, ok := countryHints[strings.ToLower(strings.TrimSpace(country))]; ok {
		country = canon
	} else if country != "" {
		country = titleCase(country)
	}

	if country == "" && len(fallbacks) > 0 {
		blob := strings.ToLower(strings.Join(fallbacks, " | "))
		for hint, canon := range countryHints {
			if strings.Contains(blob, hint) {
				country = canon
				break
			}
		}
	}

	return Geo{
		Country:            country,
		Region:             region,
		City:               city,
		Lat:                lat,
		Lon:                lon,
		Raw:                rawGeo,
		BioSampleAccession: accession,
	}
}

func splitTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
