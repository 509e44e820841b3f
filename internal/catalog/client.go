package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/stepflow/internal/config"
	"golang.org/x/time/rate"
)

const (
	headerHits        = "CMR-Hits"
	headerSearchAfter = "CMR-Search-After"
	granulesPath      = "/search/granules.json"
	dataLinkRel       = "http://esipfed.org/ns/fedsearch/1.1/data#"
)

// Item is one catalog search hit.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// SearchResult is one page of a catalog search.
// NextToken is opaque and must be sent back unchanged to get the following page.
type SearchResult struct {
	Items     []Item
	TotalHits int
	NextToken []byte
}

type feedResponse struct {
	Feed struct {
		Entry []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			Links []struct {
				Href string `json:"href"`
				Rel  string `json:"rel"`
			} `json:"links"`
		} `json:"entry"`
	} `json:"feed"`
	Errors []string `json:"errors,omitempty"`
}

// Client searches the upstream catalog for granules.
type Client struct {
	client   *resty.Client
	limiter  *rate.Limiter
	pageSize int
}

// NewClient creates a catalog search client.
// Parameters:
//   - cfg: catalog configuration with base URL, page size, timeout and rate limit.
//
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *config.CatalogConfig) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	client.SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.Token)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		pageSize: cfg.PageSize,
	}
}

// Search fetches one page of results for query, resuming after token when set.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - query: URL-encoded catalog query, for example "collection_concept_id=C1-PROV".
//   - token: continuation token from the previous page, nil for the first page.
//   - pageSize: page size; 0 uses the client default.
//
// Returns:
//   - *SearchResult: items, total hits and the next page token.
//   - error: non-nil on transport or catalog errors.
func (c *Client) Search(ctx context.Context, query string, token []byte, pageSize int) (*SearchResult, error) {
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog query: %w", err)
	}
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	params.Set("page_size", strconv.Itoa(pageSize))

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params)
	if len(token) > 0 {
		req.SetHeader(headerSearchAfter, string(token))
	}

	var resp feedResponse
	httpResp, err := req.SetResult(&resp).SetError(&resp).Get(granulesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to call catalog: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("catalog error: %s", strings.Join(resp.Errors, "; "))
		}
		return nil, fmt.Errorf("catalog error: status %d", httpResp.StatusCode())
	}

	hits, err := strconv.Atoi(httpResp.Header().Get(headerHits))
	if err != nil {
		return nil, fmt.Errorf("catalog response has no valid %s header", headerHits)
	}

	result := &SearchResult{TotalHits: hits}
	if next := httpResp.Header().Get(headerSearchAfter); next != "" {
		result.NextToken = []byte(next)
	}
	for _, e := range resp.Feed.Entry {
		item := Item{ID: e.ID, Title: e.Title}
		for _, l := range e.Links {
			if l.Rel == dataLinkRel {
				item.URL = l.Href
				break
			}
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}
