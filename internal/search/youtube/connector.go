// Package youtube runs quota-budgeted video searches for a destination and
// falls back to previously cached results when the budget or the API is gone.
package youtube

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tribe-relocation/backend/internal/cache"
	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/quota"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
	"github.com/tribe-relocation/backend/pkg/utils"
)

const connectorName = "youtube"

var DefaultQueryTemplates = []string{
	"%s immigration",
	"%s moving vlog",
	"%s visa guide",
}

// QuotaGate reserves quota before each call. A reservation is the charge;
// it is refunded when the call fails.
type QuotaGate interface {
	Reserve(ctx context.Context, resource string, cost int64, metadata map[string]string) (quota.Status, bool, error)
	Refund(ctx context.Context, resource string, cost int64, windowStart time.Time) error
}

// FeedLookup reads previously published video items for a destination. It is
// the second fallback when the video cache is empty.
type FeedLookup func(ctx context.Context, destination string, limit int) ([]models.CandidateItem, error)

type Config struct {
	Resource        string
	SearchCost      int64
	MaxResults      int
	QueryInterval   time.Duration
	CacheTTL        time.Duration
	QueryTemplates  []string
	FetchStatistics bool
}

func (c *Config) applyDefaults() {
	if c.Resource == "" {
		c.Resource = "youtube"
	}
	if c.SearchCost <= 0 {
		c.SearchCost = 100
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 5
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if len(c.QueryTemplates) == 0 {
		c.QueryTemplates = DefaultQueryTemplates
	}
}

type Result struct {
	Videos    []Video
	FromCache bool
}

func (r Result) Candidates() []models.CandidateItem {
	items := make([]models.CandidateItem, 0, len(r.Videos))
	for _, v := range r.Videos {
		items = append(items, v.Candidate())
	}
	return items
}

type Connector struct {
	platform Platform
	quota    QuotaGate
	cache    cache.Store
	feed     FeedLookup
	limiter  *rate.Limiter
	cfg      Config
}

func NewConnector(platform Platform, gate QuotaGate, store cache.Store, cfg Config) *Connector {
	cfg.applyDefaults()

	limit := rate.Inf
	if cfg.QueryInterval > 0 {
		limit = rate.Every(cfg.QueryInterval)
	}

	return &Connector{
		platform: platform,
		quota:    gate,
		cache:    store,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
	}
}

func (c *Connector) WithFeedFallback(lookup FeedLookup) *Connector {
	c.feed = lookup
	return c
}

func (c *Connector) Name() string {
	return connectorName
}

func CacheKey(destination string) string {
	return utils.CacheKey("youtube", "videos", destination)
}

// Search returns up to MaxResults deduplicated videos for destination. It
// never fails: quota exhaustion and API outages degrade to cached results.
func (c *Connector) Search(ctx context.Context, destination string) (Result, error) {
	perQuery := (c.cfg.MaxResults + len(c.cfg.QueryTemplates) - 1) / len(c.cfg.QueryTemplates)
	seen := make(map[string]struct{})
	var videos []Video
	attempted, succeeded := 0, 0

	for _, tmpl := range c.cfg.QueryTemplates {
		query := fmt.Sprintf(tmpl, destination)

		if err := c.limiter.Wait(ctx); err != nil {
			logger.Warn("Video search interrupted", zap.String("query", query), zap.Error(err))
			break
		}

		// Other corridors reserve concurrently, so every variant takes its own reservation.
		reserved, ok := c.reserve(ctx, c.cfg.SearchCost, map[string]string{
			"operation": "search",
			"corridor":  destination,
			"query":     query,
		})
		if !ok {
			logger.Info("YouTube quota exhausted, stopping video search",
				zap.String("destination", destination),
				zap.String("query", query),
				zap.Int64("used", reserved.Used),
				zap.Int64("limit", reserved.Limit),
			)
			break
		}
		attempted++

		found, err := c.platform.Search(ctx, query, perQuery)
		if err != nil {
			metrics.ConnectorErrors.WithLabelValues(connectorName).Inc()
			logger.Warn("Video search query failed", zap.String("query", query), zap.Error(err))
			c.refund(ctx, c.cfg.SearchCost, reserved.WindowStart)
			continue
		}
		succeeded++

		for _, v := range found {
			if _, dup := seen[v.VideoID]; dup {
				continue
			}
			seen[v.VideoID] = struct{}{}
			videos = append(videos, v)
		}

		logger.Debug("Video query completed", zap.String("query", query), zap.Int("results", len(found)))
	}

	if succeeded == 0 {
		if attempted > 0 {
			logger.Warn("All video queries failed, using cached videos", zap.String("destination", destination))
		}
		return c.cached(ctx, destination), nil
	}

	if c.cfg.FetchStatistics && len(videos) > 0 {
		c.attachStatistics(ctx, videos)
	}

	// An empty run must not replace a good cached set.
	if len(videos) > 0 {
		if err := cache.SetJSON(ctx, c.cache, CacheKey(destination), videos, c.cfg.CacheTTL); err != nil {
			logger.Warn("Failed to cache videos", zap.String("destination", destination), zap.Error(err))
		}
	}

	metrics.CandidatesFetched.WithLabelValues(connectorName).Add(float64(len(videos)))
	logger.Info("Video search completed",
		zap.String("destination", destination),
		zap.Int("unique_videos", len(videos)),
		zap.Int("queries_succeeded", succeeded),
	)

	if len(videos) > c.cfg.MaxResults {
		videos = videos[:c.cfg.MaxResults]
	}
	return Result{Videos: videos}, nil
}

// Statistics fetches engagement counters at one quota unit per id. Any
// failure, including missing headroom, yields an empty map.
func (c *Connector) Statistics(ctx context.Context, ids []string) map[string]Statistics {
	if len(ids) == 0 {
		return map[string]Statistics{}
	}

	cost := int64(len(ids))
	reserved, ok := c.reserve(ctx, cost, map[string]string{"operation": "video_details"})
	if !ok {
		logger.Info("Not enough quota for video statistics", zap.Int("videos", len(ids)))
		return map[string]Statistics{}
	}

	stats, err := c.platform.Statistics(ctx, ids)
	if err != nil {
		metrics.ConnectorErrors.WithLabelValues(connectorName).Inc()
		logger.Warn("Failed to fetch video statistics", zap.Error(err))
		c.refund(ctx, cost, reserved.WindowStart)
		return map[string]Statistics{}
	}

	logger.Debug("Fetched video statistics", zap.Int("videos", len(stats)))
	return stats
}

// reserve treats a ledger error like missing headroom.
func (c *Connector) reserve(ctx context.Context, cost int64, metadata map[string]string) (quota.Status, bool) {
	status, ok, err := c.quota.Reserve(ctx, c.cfg.Resource, cost, metadata)
	if err != nil {
		logger.Warn("Quota reservation failed", zap.String("resource", c.cfg.Resource), zap.Error(err))
		return status, false
	}
	return status, ok
}

func (c *Connector) refund(ctx context.Context, cost int64, windowStart time.Time) {
	if err := c.quota.Refund(ctx, c.cfg.Resource, cost, windowStart); err != nil {
		logger.Error("Failed to refund quota", zap.String("resource", c.cfg.Resource), zap.Error(err))
	}
}

func (c *Connector) attachStatistics(ctx context.Context, videos []Video) {
	ids := make([]string, 0, len(videos))
	for _, v := range videos {
		ids = append(ids, v.VideoID)
	}

	stats := c.Statistics(ctx, ids)
	for i := range videos {
		if s, ok := stats[videos[i].VideoID]; ok {
			st := s
			videos[i].Stats = &st
		}
	}
}

func (c *Connector) cached(ctx context.Context, destination string) Result {
	var videos []Video
	if cache.GetJSON(ctx, c.cache, CacheKey(destination), &videos) && len(videos) > 0 {
		if len(videos) > c.cfg.MaxResults {
			videos = videos[:c.cfg.MaxResults]
		}
		return Result{Videos: videos, FromCache: true}
	}

	if c.feed != nil {
		items, err := c.feed(ctx, destination, 10)
		if err != nil {
			logger.Warn("Failed to read cached feed videos", zap.String("destination", destination), zap.Error(err))
			return Result{FromCache: true}
		}

		for _, item := range items {
			if item.Source != models.SourceVideo {
				continue
			}
			id := item.VideoID
			if id == "" {
				id = VideoIDFromURL(item.URL)
			}
			if id == "" {
				continue
			}
			videos = append(videos, Video{
				VideoID:      id,
				Title:        item.Title,
				Description:  item.Snippet,
				Thumbnail:    item.Thumbnail,
				ChannelTitle: item.Author,
				PublishedAt:  item.PublishedAt,
				URL:          item.URL,
			})
			if len(videos) == c.cfg.MaxResults {
				break
			}
		}
	}

	return Result{Videos: videos, FromCache: true}
}
