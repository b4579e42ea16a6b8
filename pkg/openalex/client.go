// Package openalex is a client for the OpenAlex scholarly metadata API.
// OpenAlex is free and key-less; a mailto puts the client in the "polite
// pool" for faster responses.
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/litscout/backend/internal/domain"
)

const (
	defaultBaseURL = "https://api.openalex.org"

	// Works pages are fetched at the provider maximum.
	perPage = 200

	// Retry policy for 429/5xx/transport errors.
	maxRetries        = 5
	initialDelay      = 1 * time.Second
	backoffMultiplier = 1.5

	// Works-by-id batch lookups accept at most 50 ids per request.
	MaxIDsPerBatch = 50
)

type Config struct {
	BaseURL string // defaults to the public API
	Mailto  string // optional, recommended
	Logger  *zap.SugaredLogger
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	mailto     string
	log        *zap.SugaredLogger
}

func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    base,
		mailto:     cfg.Mailto,
		log:        logger,
	}
}

// ─── HTTP layer ─────────────────────────────────────────────────────────────

// get fetches a URL with the OpenAlex retry policy:
//   - 429: honor Retry-After when present, else exponential backoff
//     (base 1.0s, ×1.5), up to maxRetries attempts
//   - 5xx and transport errors: same backoff without Retry-After
//   - other 4xx: no retry, surface immediately
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	delay := initialDelay
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.log.Warnf("openalex: %v (attempt %d/%d); retrying in %s", err, attempt, maxRetries, delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * backoffMultiplier)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := delay
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.ParseFloat(ra, 64); err == nil {
					wait = time.Duration(secs * float64(time.Second))
				}
			}
			lastErr = fmt.Errorf("429 rate limited")
			c.log.Warnf("openalex: 429 (attempt %d/%d); sleeping %s", attempt, maxRetries, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * backoffMultiplier)
			continue

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
			c.log.Warnf("openalex: %d (attempt %d/%d); sleeping %s", resp.StatusCode, attempt, maxRetries, delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * backoffMultiplier)
			continue

		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
		}

		if readErr != nil {
			return nil, fmt.Errorf("read body: %w", readErr)
		}
		return body, nil
	}

	return nil, fmt.Errorf("exhausted %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	body, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *Client) userAgent() string {
	if c.mailto != "" {
		return fmt.Sprintf("LitScout/1.0 (mailto:%s)", c.mailto)
	}
	return "LitScout/1.0 (academic-discovery)"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ─── Concepts ───────────────────────────────────────────────────────────────

// SearchConcepts searches the concept index by display name, sorted by
// works_count descending.
func (c *Client) SearchConcepts(ctx context.Context, query string, limit int) ([]domain.Concept, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > perPage {
		limit = perPage
	}

	params := url.Values{}
	params.Set("search", query)
	params.Set("per-page", strconv.Itoa(limit))
	params.Set("sort", "works_count:desc")
	params.Set("select", "id,display_name,description,level,works_count,cited_by_count")
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	var resp conceptsResponse
	if err := c.getJSON(ctx, c.baseURL+"/concepts?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("search concepts %q: %w", query, err)
	}

	concepts := make([]domain.Concept, 0, len(resp.Results))
	for i := range resp.Results {
		concepts = append(concepts, normalizeConcept(&resp.Results[i]))
	}
	return concepts, nil
}

// ResolveField resolves a human field label (e.g. "computer science") to the
// best-matching concept, picking the top result by works_count.
func (c *Client) ResolveField(ctx context.Context, field string) (*domain.Concept, error) {
	concepts, err := c.SearchConcepts(ctx, field, 1)
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return nil, nil
	}
	return &concepts[0], nil
}

// Concept fetches one concept by its short id.
func (c *Client) Concept(ctx context.Context, conceptID string) (*domain.Concept, error) {
	var raw conceptJSON
	if err := c.getJSON(ctx, c.baseURL+"/concepts/"+conceptID+c.mailtoSuffix(), &raw); err != nil {
		return nil, fmt.Errorf("fetch concept %s: %w", conceptID, err)
	}
	concept := normalizeConcept(&raw)
	return &concept, nil
}

// ─── Works ──────────────────────────────────────────────────────────────────

// WorksPager walks the works of a concept with cursor pagination. Next
// returns one normalized page at a time and a nil slice once the cursor is
// exhausted or maxPages have been fetched.
type WorksPager struct {
	c         *Client
	conceptID string
	maxPages  int
	cursor    string
	page      int
	done      bool
}

// WorksByConcept starts a pager over works tagged with the given concept.
func (c *Client) WorksByConcept(conceptID string, maxPages int) *WorksPager {
	return &WorksPager{c: c, conceptID: conceptID, maxPages: maxPages, cursor: "*"}
}

// Next fetches the next page. A nil slice with nil error means the sequence
// is finished.
func (p *WorksPager) Next(ctx context.Context) ([]domain.Work, error) {
	if p.done || p.page >= p.maxPages {
		return nil, nil
	}

	params := url.Values{}
	params.Set("filter", "concepts.id:"+p.conceptID)
	params.Set("per-page", strconv.Itoa(perPage))
	params.Set("cursor", p.cursor)
	if p.c.mailto != "" {
		params.Set("mailto", p.c.mailto)
	}

	var resp worksResponse
	if err := p.c.getJSON(ctx, p.c.baseURL+"/works?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("works page %d for concept %s: %w", p.page+1, p.conceptID, err)
	}
	p.page++

	if len(resp.Results) == 0 {
		p.done = true
		return nil, nil
	}

	works := make([]domain.Work, 0, len(resp.Results))
	for i := range resp.Results {
		works = append(works, NormalizeWork(&resp.Results[i]))
	}

	if resp.Meta.NextCursor == nil || *resp.Meta.NextCursor == "" {
		p.done = true
	} else {
		p.cursor = *resp.Meta.NextCursor
	}
	return works, nil
}

// Exhausted reports whether the pager has reached the end of the sequence.
func (p *WorksPager) Exhausted() bool { return p.done || p.page >= p.maxPages }

// WorksByIDs fetches up to MaxIDsPerBatch works by short id in one request.
// The result is keyed by short id; absent keys were not found.
func (c *Client) WorksByIDs(ctx context.Context, ids []string) (map[string]domain.Work, error) {
	if len(ids) == 0 {
		return map[string]domain.Work{}, nil
	}
	if len(ids) > MaxIDsPerBatch {
		ids = ids[:MaxIDsPerBatch]
	}

	params := url.Values{}
	params.Set("filter", "openalex:"+joinPipe(ids))
	params.Set("per-page", strconv.Itoa(len(ids)))
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	var resp worksResponse
	if err := c.getJSON(ctx, c.baseURL+"/works?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("works by ids: %w", err)
	}

	out := make(map[string]domain.Work, len(resp.Results))
	for i := range resp.Results {
		w := NormalizeWork(&resp.Results[i])
		if id := w.OpenAlexID(); id != "" {
			out[id] = w
		}
	}
	return out, nil
}

// WorkByID fetches a single work by short id.
func (c *Client) WorkByID(ctx context.Context, workID string) (*domain.Work, error) {
	var raw workJSON
	if err := c.getJSON(ctx, c.baseURL+"/works/"+workID+c.mailtoSuffix(), &raw); err != nil {
		return nil, fmt.Errorf("fetch work %s: %w", workID, err)
	}
	w := NormalizeWork(&raw)
	return &w, nil
}

// ─── Sources and authors ────────────────────────────────────────────────────

// Source fetches one venue/source by short id.
func (c *Client) Source(ctx context.Context, sourceID string) (*domain.Source, error) {
	var raw sourceJSON
	if err := c.getJSON(ctx, c.baseURL+"/sources/"+sourceID+c.mailtoSuffix(), &raw); err != nil {
		return nil, fmt.Errorf("fetch source %s: %w", sourceID, err)
	}
	src := normalizeSource(&raw)
	return &src, nil
}

// Author fetches one author by short id.
func (c *Client) Author(ctx context.Context, authorID string) (*domain.AuthorDetails, error) {
	var raw authorJSON
	if err := c.getJSON(ctx, c.baseURL+"/authors/"+authorID+c.mailtoSuffix(), &raw); err != nil {
		return nil, fmt.Errorf("fetch author %s: %w", authorID, err)
	}
	author := normalizeAuthor(&raw)
	return &author, nil
}

func (c *Client) mailtoSuffix() string {
	if c.mailto == "" {
		return ""
	}
	return "?mailto=" + url.QueryEscape(c.mailto)
}

func joinPipe(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += "|"
		}
		out += id
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
