// Package extract fetches a candidate URL and reduces it to clean text for
// generation context. Extraction is strictly best-effort: any failure
// returns empty and the caller keeps the provider snippet.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Extractor fetches pages and extracts readable text, bounded in both
// fetch time and output length.
type Extractor struct {
	client    *http.Client
	maxLength int
	logger    *zap.Logger
}

// NewExtractor builds an extractor with the given per-fetch timeout and
// output cap.
func NewExtractor(timeout time.Duration, maxLength int, logger *zap.Logger) *Extractor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxLength <= 0 {
		maxLength = 2000
	}
	return &Extractor{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		maxLength: maxLength,
		logger:    logger,
	}
}

// Fetch downloads url and returns its visible text, truncated to the
// configured cap. Returns "" on any failure.
func (e *Extractor) Fetch(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Debug("Content fetch failed", zap.String("url", url), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}

	// Bound the body read; pages past ~1MB add nothing after truncation.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}

	text := ExtractText(string(body))
	return Truncate(text, e.maxLength)
}

// ExtractText strips markup and returns whitespace-normalized visible text.
// Script, style and head content is discarded.
func ExtractText(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Truncate caps s at max characters, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
