// Package eutils implements a rate-limited client for the NCBI E-utilities
// API, covering the esearch/esummary/elink/efetch operations the harvester
// needs across the PubMed and SRA identifier spaces.
package eutils

import (
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/urbanscope/internal/config"
)

const defaultBaseBackoff = 600 * time.Millisecond

// bioProjectRe matches BioProject accessions (PRJNA..., PRJEB..., PRJDB...).
var bioProjectRe = regexp.MustCompile(`(?i)\bPRJ(?:NA|EB|DB)\d+\b`)

// Client issues E-utilities requests under a shared requests-per-second
// budget. It is stateless across calls except for the rate-limit clock.
type Client struct {
	baseURL    string
	tool       string
	email      string
	apiKey     config.Secret
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient creates a fetch client from config. An unset API key is not an
// error; it only lowers the default rate budget.
func NewClient(cfg config.ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL required")
	}
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("rate must be > 0, got %v", cfg.Rate)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + "/",
		tool:    cfg.Tool,
		email:   cfg.Email,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:    rate.NewLimiter(rate.Limit(cfg.Rate), burst),
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Search runs one esearch page and returns the UIDs plus the listing total.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	params := url.Values{}
	params.Set("db", string(req.DB))
	params.Set("term", req.Query)
	params.Set("retmode", "xml")
	params.Set("retmax", fmt.Sprintf("%d", req.RetMax))
	params.Set("usehistory", "n")
	if req.RetStart > 0 {
		params.Set("retstart", fmt.Sprintf("%d", req.RetStart))
	}
	if req.Sort != "" {
		params.Set("sort", req.Sort)
	}
	if req.RelDateDays > 0 {
		params.Set("reldate", fmt.Sprintf("%d", req.RelDateDays))
	}
	if req.MinDate != "" {
		params.Set("mindate", req.MinDate)
		params.Set("maxdate", req.MaxDate)
	}
	if req.DateType != "" {
		params.Set("datetype", req.DateType)
	}

	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}

	var parsed eSearchResult
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding esearch response: %v", ErrUnavailable, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%w: esearch: %s", ErrInvalidRequest, parsed.Error)
	}

	return &SearchResult{UIDs: parsed.IDs, Count: parsed.Count}, nil
}

// Summary fetches esummary DocSums for the given UIDs. UIDs missing from the
// response are absent from the returned map, not an error.
func (c *Client) Summary(ctx context.Context, db Space, uids []string) (map[string]Summary, error) {
	if len(uids) == 0 {
		return map[string]Summary{}, nil
	}

	params := url.Values{}
	params.Set("db", string(db))
	params.Set("id", strings.Join(uids, ","))
	params.Set("retmode", "xml")

	body, err := c.get(ctx, "esummary.fcgi", params)
	if err != nil {
		return nil, err
	}

	var parsed eSummaryResult
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding esummary response: %v", ErrUnavailable, err)
	}

	out := make(map[string]Summary, len(parsed.DocSums))
	for _, d := range parsed.DocSums {
		uid := strings.TrimSpace(d.ID)
		if uid == "" {
			continue
		}
		s := Summary{UID: uid, Items: make(map[string]string, len(d.Items))}
		for _, it := range d.Items {
			if it.Name == "" {
				continue
			}
			s.Items[it.Name] = it.flatten()
		}
		s.Title = strings.TrimSpace(s.Items["Title"])
		for _, v := range s.Items {
			if m := bioProjectRe.FindString(v); m != "" {
				s.BioProjectGuess = strings.ToUpper(m)
				break
			}
		}
		out[uid] = s
	}
	return out, nil
}

// Link resolves elink cross-references from UIDs in one space to UIDs in the
// other, keyed by source UID. Sources with no links are absent from the map.
func (c *Client) Link(ctx context.Context, from, to Space, uids []string) (map[string][]string, error) {
	if len(uids) == 0 {
		return map[string][]string{}, nil
	}

	params := url.Values{}
	params.Set("dbfrom", string(from))
	params.Set("db", string(to))
	params.Set("retmode", "xml")
	// One id parameter per UID keeps LinkSets separated per source.
	for _, uid := range uids {
		params.Add("id", uid)
	}

	body, err := c.get(ctx, "elink.fcgi", params)
	if err != nil {
		return nil, err
	}

	var parsed eLinkResult
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding elink response: %v", ErrUnavailable, err)
	}

	out := make(map[string][]string)
	for _, ls := range parsed.LinkSets {
		if len(ls.IDList) == 0 {
			continue
		}
		src := strings.TrimSpace(ls.IDList[0])
		var targets []string
		for _, db := range ls.LinkSetDBs {
			for _, id := range db.Links {
				if id = strings.TrimSpace(id); id != "" {
					targets = append(targets, id)
				}
			}
		}
		if src != "" && len(targets) > 0 {
			out[src] = targets
		}
	}
	return out, nil
}

// RunInfo fetches the runinfo CSV for one SRA UID and returns it as one map
// per run row, capped at maxRows when maxRows > 0.
func (c *Client) RunInfo(ctx context.Context, uid string, maxRows int) ([]map[string]string, error) {
	params := url.Values{}
	params.Set("db", string(SpaceSRA))
	params.Set("id", uid)
	params.Set("rettype", "runinfo")
	params.Set("retmode", "text")

	body, err := c.get(ctx, "efetch.fcgi", params)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(string(body)))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decoding runinfo csv: %v", ErrUnavailable, err)
	}

	var rows []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Trailing garbage after valid rows is tolerated.
			break
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
		if maxRows > 0 && len(rows) >= maxRows {
			break
		}
	}
	return rows, nil
}

// ResolveAccession resolves an accession (e.g. a BioProject PRJNA...) to its
// numeric UID in the given db. Returns ErrNotFound when nothing matches.
func (c *Client) ResolveAccession(ctx context.Context, db, accession string) (string, error) {
	params := url.Values{}
	params.Set("db", db)
	params.Set("term", fmt.Sprintf("%s[Accession]", accession))
	params.Set("retmode", "xml")
	params.Set("retmax", "5")

	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return "", err
	}

	var parsed eSearchResult
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding esearch response: %v", ErrUnavailable, err)
	}
	if len(parsed.IDs) == 0 {
		return "", fmt.Errorf("%w: accession %s in %s", ErrNotFound, accession, db)
	}
	return parsed.IDs[0], nil
}

// FetchXML fetches the raw efetch XML for one record, used for BioSample
// attribute parsing and BioProject summaries.
func (c *Client) FetchXML(ctx context.Context, db, id string) ([]byte, error) {
	params := url.Values{}
	params.Set("db", db)
	params.Set("id", id)
	params.Set("retmode", "xml")
	return c.get(ctx, "efetch.fcgi", params)
}

// SummaryXML fetches the raw esummary XML for one record. BioProject
// summaries come in three historical formats; the linker parses them.
func (c *Client) SummaryXML(ctx context.Context, db, id string) ([]byte, error) {
	params := url.Values{}
	params.Set("db", db)
	params.Set("id", id)
	params.Set("retmode", "xml")
	return c.get(ctx, "esummary.fcgi", params)
}

// get performs one rate-limited GET with retries and error classification.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	// Credentials ride on every request; their presence raises the budget
	// ceiling upstream.
	if c.apiKey.IsSet() {
		params.Set("api_key", c.apiKey.Value())
	}
	if c.tool != "" {
		params.Set("tool", c.tool)
	}
	if c.email != "" {
		params.Set("email", c.email)
	}

	reqURL := c.baseURL + endpoint + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter
			backoff := defaultBaseBackoff*time.Duration(1<<(attempt-1)) +
				time.Duration(rand.Int63n(int64(250*time.Millisecond)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Wait for rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		body, err := c.doRequest(ctx, reqURL)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return nil, err
		}
	}

	if isThrottledError(lastErr) {
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrThrottled, endpoint, c.maxRetries+1, lastErr)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, endpoint, c.maxRetries+1, lastErr)
}

// doRequest performs the actual HTTP request and classifies the response.
func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrInvalidRequest, err)
	}

	contact := c.email
	if contact == "" {
		contact = "no-email"
	}
	httpReq.Header.Set("User-Agent", fmt.Sprintf("%s/1.0 (%s)", c.tool, contact))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: fmt.Errorf("rate limited (429)"), throttled: true}
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("server error (%d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reqURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidRequest, resp.StatusCode, truncate(string(body), 200))
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
