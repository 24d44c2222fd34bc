package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/repflow/orchestrator/internal/models"
)

const webUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// WebProvider is the broad public-documentation source. It runs two
// sub-strategies in parallel and deduplicates internally before returning:
//
//  1. a site-restricted lookup through a general search index, scored
//     0.90 - 0.05*rank
//  2. the documentation site's native search endpoint, scored
//     0.80 - 0.05*rank
//
// On a URL collision the index entry wins, matching the strategy order.
type WebProvider struct {
	baseURL    string // documentation site root, e.g. https://www.helpcenter.example.com
	siteDomain string // domain for the site-restricted index query
	indexURL   string // search index endpoint; defaults to Google
	client     *http.Client
	logger     *zap.Logger
}

// NewWebProvider builds the broad web provider. The http.Client's timeout
// bounds each sub-strategy call; the aggregator additionally bounds the
// whole provider.
func NewWebProvider(baseURL, siteDomain string, client *http.Client, logger *zap.Logger) *WebProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &WebProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		siteDomain: siteDomain,
		indexURL:   "https://www.google.com/search",
		client:     client,
		logger:     logger,
	}
}

func (p *WebProvider) Name() string { return "web" }

// Search runs both sub-strategies concurrently, merges unique results, and
// returns the top k by score. A single failing sub-strategy is absorbed;
// the provider only errors when both fail.
func (p *WebProvider) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	type subOutcome struct {
		results []models.SearchResult
		err     error
	}
	outcomes := make([]subOutcome, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rs, err := p.siteIndexSearch(ctx, query, k)
		outcomes[0] = subOutcome{results: rs, err: err}
	}()
	go func() {
		defer wg.Done()
		rs, err := p.nativeSearch(ctx, query, k)
		outcomes[1] = subOutcome{results: rs, err: err}
	}()
	wg.Wait()

	var merged []models.SearchResult
	seen := make(map[string]struct{})
	failures := 0
	for _, o := range outcomes {
		if o.err != nil {
			failures++
			p.logger.Debug("Web sub-strategy failed", zap.Error(o.err))
			continue
		}
		for _, r := range o.results {
			if _, dup := seen[r.URL]; dup {
				continue
			}
			seen[r.URL] = struct{}{}
			merged = append(merged, r)
		}
	}
	if failures == 2 {
		return nil, fmt.Errorf("all web search strategies failed")
	}

	// Rank across both sub-strategies before truncating so a high-scored
	// native hit is never dropped for a lower-scored index hit.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RelevanceScore > merged[j].RelevanceScore
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// siteIndexSearch queries the general index restricted to the site domain
// and scrapes the result list.
func (p *WebProvider) siteIndexSearch(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	siteQuery := fmt.Sprintf("site:%s %s", p.siteDomain, query)
	reqURL := fmt.Sprintf("%s?q=%s&num=%d", p.indexURL, url.QueryEscape(siteQuery), k)

	body, err := p.get(ctx, reqURL, "text/html,application/xhtml+xml")
	if err != nil {
		return nil, fmt.Errorf("site index search: %w", err)
	}

	entries := parseIndexResults(body, k)
	results := make([]models.SearchResult, 0, len(entries))
	for i, e := range entries {
		results = append(results, models.SearchResult{
			Source:         "web",
			Title:          e.title,
			URL:            e.url,
			Content:        e.snippet,
			RelevanceScore: 0.90 - float64(i)*0.05,
		})
	}
	return results, nil
}

// nativeSearch queries the documentation site's own search endpoint, which
// returns JSON.
func (p *WebProvider) nativeSearch(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	reqURL := fmt.Sprintf("%s/search?query=%s&limit=%d", p.baseURL, url.QueryEscape(query), k)

	body, err := p.get(ctx, reqURL, "application/json,text/html")
	if err != nil {
		return nil, fmt.Errorf("native search: %w", err)
	}

	var payload struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Link    string  `json:"link"`
			Content string  `json:"content"`
			Snippet string  `json:"snippet"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("native search: parse response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(payload.Results))
	for i, item := range payload.Results {
		if i >= k {
			break
		}
		u := item.URL
		if u == "" {
			u = item.Link
		}
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http") {
			u = p.baseURL + "/" + strings.TrimLeft(u, "/")
		}
		content := item.Content
		if content == "" {
			content = item.Snippet
		}
		score := item.Score
		if score == 0 {
			score = 0.80 - float64(i)*0.05
		}
		results = append(results, models.SearchResult{
			Source:         "web",
			Title:          item.Title,
			URL:            u,
			Content:        content,
			RelevanceScore: score,
		})
	}
	return results, nil
}

func (p *WebProvider) get(ctx context.Context, reqURL, accept string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type indexEntry struct {
	title   string
	url     string
	snippet string
}

// parseIndexResults scrapes result blocks (div class "g") out of an index
// results page: first anchor href, heading text, and any trailing snippet.
func parseIndexResults(page string, limit int) []indexEntry {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}

	var entries []indexEntry
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(entries) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "g") {
			if e, ok := parseResultBlock(n); ok {
				entries = append(entries, e)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return entries
}

func parseResultBlock(block *html.Node) (indexEntry, bool) {
	var e indexEntry
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if e.url == "" {
					if href := attr(n, "href"); strings.HasPrefix(href, "http") {
						e.url = href
					}
				}
			case "h3":
				if e.title == "" {
					e.title = nodeText(n)
				}
			case "span", "div":
				if e.snippet == "" && e.title != "" {
					if t := nodeText(n); len(t) > 40 && t != e.title {
						e.snippet = t
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(block)
	return e, e.url != "" && e.title != ""
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(m *html.Node) {
		if m.Type == html.TextNode {
			sb.WriteString(m.Data)
		}
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
