// Package web finds news articles and official notices about a destination
// through SerpAPI and fills thin snippets by scraping the linked page.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
	"github.com/tribe-relocation/backend/pkg/retry"
	"github.com/tribe-relocation/backend/pkg/utils"
)

const (
	connectorName     = "web"
	defaultBaseURL    = "https://serpapi.com/search"
	minSnippetLength  = 80
	maxScrapedSnippet = 400
)

type query struct {
	template string
	source   models.Source
	news     bool
}

var queries = []query{
	{template: "%s immigration news", source: models.SourceNewsArticle, news: true},
	{template: "%s visa policy site:gov OR site:europa.eu OR site:gc.ca OR site:gov.uk", source: models.SourceOfficialNotice},
}

type Config struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	Scrape     bool
	Timeout    time.Duration
}

type Client struct {
	serpAPIKey  string
	baseURL     string
	maxResults  int
	scrape      bool
	httpClient  *http.Client
	retryConfig retry.Config
}

type SearchResult struct {
	Title     string
	URL       string
	Snippet   string
	Source    string
	Thumbnail string
	Date      string
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = 2
	retryConfig.Logger = logger.GetLogger()

	return &Client{
		serpAPIKey: cfg.APIKey,
		baseURL:    cfg.BaseURL,
		maxResults: cfg.MaxResults,
		scrape:     cfg.Scrape,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryConfig: retryConfig,
	}
}

func (c *Client) Name() string {
	return connectorName
}

// Search runs the news and official-notice queries for destination. One
// failed query is skipped; the call fails only when every query failed.
func (c *Client) Search(ctx context.Context, destination string) ([]models.CandidateItem, error) {
	if c.serpAPIKey == "" {
		return nil, fmt.Errorf("web search is not configured")
	}

	seen := make(map[string]struct{})
	var items []models.CandidateItem
	failures := 0

	for _, q := range queries {
		text := fmt.Sprintf(q.template, destination)
		results, err := c.searchWithSerpAPI(ctx, text, q.news)
		if err != nil {
			failures++
			metrics.ConnectorErrors.WithLabelValues(connectorName).Inc()
			logger.Warn("Web search query failed", zap.String("query", text), zap.Error(err))
			continue
		}

		for _, r := range results {
			if _, dup := seen[r.URL]; dup || r.URL == "" {
				continue
			}
			seen[r.URL] = struct{}{}

			snippet := r.Snippet
			if c.scrape && len(snippet) < minSnippetLength {
				if scraped, err := c.scrapeContent(ctx, r.URL); err != nil {
					logger.Debug("Failed to scrape content", zap.String("url", r.URL), zap.Error(err))
				} else if scraped != "" {
					snippet = scraped
				}
			}

			items = append(items, models.CandidateItem{
				Source:      q.source,
				Title:       r.Title,
				Snippet:     snippet,
				URL:         r.URL,
				Thumbnail:   r.Thumbnail,
				Author:      r.Source,
				PublishedAt: parseDate(r.Date),
			})
		}
	}

	if failures == len(queries) {
		return nil, fmt.Errorf("all %d web queries failed", failures)
	}

	metrics.CandidatesFetched.WithLabelValues(connectorName).Add(float64(len(items)))
	logger.Info("Web search completed", zap.String("destination", destination), zap.Int("results", len(items)))
	return items, nil
}

func (c *Client) searchWithSerpAPI(ctx context.Context, query string, news bool) ([]SearchResult, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("api_key", c.serpAPIKey)
	params.Add("num", fmt.Sprintf("%d", c.maxResults))
	if news {
		params.Add("tbm", "nws")
	}
	reqURL := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

	body, err := retry.DoWithResult(ctx, c.retryConfig, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to search: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(fmt.Errorf("search returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}

	var searchResp struct {
		OrganicResults []struct {
			Title     string `json:"title"`
			Link      string `json:"link"`
			Snippet   string `json:"snippet"`
			Source    string `json:"source"`
			Date      string `json:"date"`
			Thumbnail string `json:"thumbnail"`
		} `json:"organic_results"`
		NewsResults []struct {
			Title     string `json:"title"`
			Link      string `json:"link"`
			Snippet   string `json:"snippet"`
			Source    string `json:"source"`
			Date      string `json:"date"`
			Thumbnail string `json:"thumbnail"`
		} `json:"news_results"`
	}

	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, len(searchResp.OrganicResults)+len(searchResp.NewsResults))
	for _, r := range searchResp.NewsResults {
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Source: r.Source, Date: r.Date, Thumbnail: r.Thumbnail})
	}
	for _, r := range searchResp.OrganicResults {
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Source: r.Source, Date: r.Date, Thumbnail: r.Thumbnail})
	}

	if len(results) > c.maxResults {
		results = results[:c.maxResults]
	}
	return results, nil
}

// scrapeContent prefers the page's meta description and falls back to the
// first paragraphs of body text.
func (c *Client) scrapeContent(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; corridor-feed/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}

	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if desc, ok := doc.Find(sel).Attr("content"); ok && strings.TrimSpace(desc) != "" {
			return utils.Truncate(strings.TrimSpace(desc), maxScrapedSnippet), nil
		}
	}

	doc.Find("script, style, nav, footer, header").Remove()

	var parts []string
	doc.Find("article p, main p, body p").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			parts = append(parts, text)
		}
		return len(strings.Join(parts, " ")) < maxScrapedSnippet
	})

	return utils.Truncate(strings.Join(parts, " "), maxScrapedSnippet), nil
}

// parseDate understands the absolute formats SerpAPI returns. Relative dates
// ("3 days ago") are left zero.
func parseDate(s string) time.Time {
	for _, layout := range []string{"01/02/2006, 03:04 PM, -0700 MST", "Jan 2, 2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
