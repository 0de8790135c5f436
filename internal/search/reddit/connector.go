// Package reddit reads recent posts from migration and destination
// subreddits and keeps the ones that look relevant to a move.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
	"github.com/tribe-relocation/backend/pkg/utils"
)

const (
	connectorName    = "reddit"
	defaultBaseURL   = "https://www.reddit.com"
	defaultUserAgent = "corridor-feed/1.0"
	snippetLength    = 200
)

var migrationSubreddits = []string{
	"IWantOut",
	"expats",
	"immigration",
	"digitalnomad",
	"AmerExit",
	"movingtojapan",
	"germany",
	"AskUK",
	"canada",
	"iwanttobeabroad",
}

var countrySubreddits = map[string][]string{
	"Germany":        {"germany", "Berlin", "Munich", "de"},
	"United Kingdom": {"AskUK", "ukvisa", "London"},
	"Canada":         {"canada", "ImmigrationCanada", "PersonalFinanceCanada"},
	"Australia":      {"australia", "AusVisa", "sydney", "melbourne"},
	"Japan":          {"movingtojapan", "japanlife", "teachinginjapan"},
	"United States":  {"USCIS", "immigration", "h1b"},
	"Netherlands":    {"Netherlands", "Amsterdam"},
	"France":         {"france", "paris", "French"},
	"Spain":          {"spain", "Madrid", "Barcelona"},
	"Portugal":       {"portugal", "Lisbon"},
	"Singapore":      {"singapore", "askSingapore"},
	"UAE":            {"dubai", "UAE"},
	"South Korea":    {"korea", "Living_in_Korea"},
	"Ireland":        {"ireland", "Dublin"},
	"New Zealand":    {"newzealand"},
}

var relevanceKeywords = []string{
	"visa", "move", "moving", "relocate", "relocating", "immigration",
	"expat", "working", "job", "apartment", "housing", "cost of living",
	"experience", "advice", "help", "question", "tips",
}

type Config struct {
	BaseURL           string
	UserAgent         string
	MaxSubreddits     int
	PostsPerSubreddit int
	MaxItems          int
	RequestInterval   time.Duration
	Timeout           time.Duration
}

type Connector struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        Config
}

type post struct {
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Permalink   string  `json:"permalink"`
	Score       int64   `json:"score"`
	NumComments int64   `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Subreddit   string  `json:"subreddit"`
}

func NewConnector(cfg Config) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxSubreddits <= 0 {
		cfg.MaxSubreddits = 5
	}
	if cfg.PostsPerSubreddit <= 0 {
		cfg.PostsPerSubreddit = 15
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 15
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}

	return &Connector{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		cfg:        cfg,
	}
}

func (c *Connector) Name() string {
	return connectorName
}

// Subreddits lists destination-specific communities first, then the general
// migration ones, without duplicates.
func Subreddits(destination string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sub := range append(append([]string{}, countrySubreddits[destination]...), migrationSubreddits...) {
		key := strings.ToLower(sub)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sub)
	}
	return out
}

func (c *Connector) Search(ctx context.Context, destination string) ([]models.CandidateItem, error) {
	subs := Subreddits(destination)
	if len(subs) > c.cfg.MaxSubreddits {
		subs = subs[:c.cfg.MaxSubreddits]
	}

	// Each fetch writes its own slot so the merged order follows subs.
	pages := make([][]post, len(subs))
	var failures atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			posts, err := c.fetchNew(gctx, sub)
			if err != nil {
				failures.Add(1)
				metrics.ConnectorErrors.WithLabelValues(connectorName).Inc()
				logger.Warn("Subreddit fetch failed", zap.String("subreddit", sub), zap.Error(err))
				return nil
			}
			pages[i] = posts
			return nil
		})
	}
	_ = g.Wait()

	if int(failures.Load()) == len(subs) {
		return nil, fmt.Errorf("all %d subreddit fetches failed", len(subs))
	}

	var all []post
	for _, page := range pages {
		all = append(all, page...)
	}

	relevant := filterRelevant(all, destination)
	if len(relevant) == 0 && len(all) > 0 {
		relevant = all
		if len(relevant) > 10 {
			relevant = relevant[:10]
		}
	}

	posts := dedupByPermalink(relevant)
	sort.SliceStable(posts, func(i, j int) bool {
		return engagement(posts[i]) > engagement(posts[j])
	})
	if len(posts) > c.cfg.MaxItems {
		posts = posts[:c.cfg.MaxItems]
	}

	items := make([]models.CandidateItem, 0, len(posts))
	for _, p := range posts {
		items = append(items, toCandidate(p))
	}

	metrics.CandidatesFetched.WithLabelValues(connectorName).Add(float64(len(items)))
	logger.Info("Reddit search completed",
		zap.String("destination", destination),
		zap.Int("fetched", len(all)),
		zap.Int("kept", len(items)),
	)
	return items, nil
}

func (c *Connector) fetchNew(ctx context.Context, subreddit string) ([]post, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/r/%s/new.json?limit=%d", strings.TrimRight(c.cfg.BaseURL, "/"), subreddit, c.cfg.PostsPerSubreddit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch r/%s: %w", subreddit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("r/%s returned status %d", subreddit, resp.StatusCode)
	}

	var listing struct {
		Data struct {
			Children []struct {
				Data post `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to parse r/%s listing: %w", subreddit, err)
	}

	posts := make([]post, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		if child.Data.Title == "" {
			continue
		}
		posts = append(posts, child.Data)
	}
	return posts, nil
}

func filterRelevant(posts []post, destination string) []post {
	dest := strings.ToLower(destination)
	firstWord := dest
	if fields := strings.Fields(dest); len(fields) > 0 {
		firstWord = fields[0]
	}

	var out []post
	for _, p := range posts {
		text := strings.ToLower(p.Title + " " + p.Selftext)
		mentions := dest != "" && (strings.Contains(text, dest) || strings.Contains(text, firstWord))
		if mentions || hasKeyword(text) {
			out = append(out, p)
		}
	}
	return out
}

func hasKeyword(text string) bool {
	for _, kw := range relevanceKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func dedupByPermalink(posts []post) []post {
	seen := make(map[string]struct{}, len(posts))
	out := make([]post, 0, len(posts))
	for _, p := range posts {
		if _, dup := seen[p.Permalink]; dup {
			continue
		}
		seen[p.Permalink] = struct{}{}
		out = append(out, p)
	}
	return out
}

func engagement(p post) int64 {
	return p.Score + p.NumComments*2
}

func toCandidate(p post) models.CandidateItem {
	snippet := utils.Truncate(p.Selftext, snippetLength)
	if len([]rune(p.Selftext)) > snippetLength {
		snippet += "..."
	}

	return models.CandidateItem{
		Source:      models.SourceSocialPost,
		Title:       p.Title,
		Snippet:     snippet,
		URL:         "https://reddit.com" + p.Permalink,
		Author:      p.Author,
		Community:   p.Subreddit,
		Upvotes:     p.Score,
		Comments:    p.NumComments,
		PublishedAt: time.Unix(int64(p.CreatedUTC), 0).UTC(),
	}
}
