package research

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tribe-relocation/backend/internal/analysis"
	"github.com/tribe-relocation/backend/internal/cache"
	"github.com/tribe-relocation/backend/internal/search"
	"github.com/tribe-relocation/backend/internal/search/youtube"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
	"github.com/tribe-relocation/backend/pkg/logger"
	"github.com/tribe-relocation/backend/pkg/utils"
)

// Collected is the output of the collect stage.
type Collected struct {
	Candidates      []models.CandidateItem
	SourcesFailed   []string
	VideosFromCache bool
}

// Pipeline runs one corridor refresh as four stages: collect, score, enrich
// and publish. Each stage takes the previous stage's output.
type Pipeline struct {
	connectors []search.Connector
	videos     VideoSearcher
	scorer     Scorer
	analyzer   VideoAnalyzer
	feed       FeedStore
	cache      cache.Store
	cfg        Config
	now        func() time.Time
}

func NewPipeline(connectors []search.Connector, videos VideoSearcher, scorer Scorer, analyzer VideoAnalyzer, feed FeedStore, store cache.Store, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		connectors: connectors,
		videos:     videos,
		scorer:     scorer,
		analyzer:   analyzer,
		feed:       feed,
		cache:      store,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

func FeedCacheKey(origin, destination string) string {
	return utils.CacheKey("feed", search.CountryName(origin), search.CountryName(destination))
}

// Run executes every stage for corridor and returns the number of published
// items.
func (p *Pipeline) Run(ctx context.Context, corridor models.Corridor) (int, error) {
	uc := corridor.UserContext()

	collected, err := p.Collect(ctx, uc.Destination)
	if err != nil {
		return 0, err
	}

	scored, err := p.Score(ctx, collected, uc)
	if err != nil {
		return 0, err
	}

	enriched := p.Enrich(ctx, scored, uc.Destination)

	if err := p.Publish(ctx, corridor, enriched); err != nil {
		return 0, err
	}
	return len(enriched), nil
}

// Collect queries every connector and the video search in parallel. Results
// are merged in registration order with videos last, so output order does
// not depend on which source answered first. It fails only when no source
// produced anything.
func (p *Pipeline) Collect(ctx context.Context, destination string) (Collected, error) {
	query := search.CountryName(destination)

	results := make([][]models.CandidateItem, len(p.connectors))
	errs := make([]error, len(p.connectors))
	var videos youtube.Result

	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range p.connectors {
		i, conn := i, conn
		g.Go(func() error {
			items, err := conn.Search(gctx, query)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = items
			return nil
		})
	}
	if p.videos != nil {
		g.Go(func() error {
			res, err := p.videos.Search(gctx, query)
			if err != nil {
				logger.Warn("Video search failed", zap.String("destination", query), zap.Error(err))
				return nil
			}
			videos = res
			return nil
		})
	}
	_ = g.Wait()

	var out Collected
	for i, conn := range p.connectors {
		if errs[i] != nil {
			out.SourcesFailed = append(out.SourcesFailed, conn.Name())
			logger.Warn("Connector failed", zap.String("connector", conn.Name()), zap.Error(errs[i]))
			continue
		}
		out.Candidates = append(out.Candidates, results[i]...)
	}
	out.Candidates = append(out.Candidates, videos.Candidates()...)
	out.VideosFromCache = videos.FromCache

	if len(p.connectors) > 0 && len(out.SourcesFailed) == len(p.connectors) && len(videos.Videos) == 0 {
		return out, fmt.Errorf("%w: %v", ErrAllSourcesFailed, out.SourcesFailed)
	}

	logger.Info("Collected candidates",
		zap.String("destination", query),
		zap.Int("candidates", len(out.Candidates)),
		zap.Int("videos", len(videos.Videos)),
		zap.Bool("videos_from_cache", videos.FromCache),
		zap.Strings("failed_sources", out.SourcesFailed),
	)
	return out, nil
}

func (p *Pipeline) Score(ctx context.Context, collected Collected, uc models.UserContext) ([]models.ScoredItem, error) {
	uc.Destination = search.CountryName(uc.Destination)
	res, err := p.scorer.Score(ctx, collected.Candidates, uc)
	if err != nil {
		return nil, fmt.Errorf("failed to score candidates: %w", err)
	}
	return res.Items, nil
}

// Enrich attaches deep analyses to scored video items. Items without an
// analysis are published as they are.
func (p *Pipeline) Enrich(ctx context.Context, items []models.ScoredItem, destination string) []models.ScoredItem {
	if p.analyzer == nil {
		return items
	}

	var refs []analysis.VideoRef
	for _, item := range items {
		if id := videoID(item.CandidateItem); id != "" {
			refs = append(refs, analysis.VideoRef{VideoID: id, Title: item.Title})
		}
	}
	if len(refs) == 0 {
		return items
	}

	analyses := p.analyzer.AnalyzeVideos(ctx, refs, search.CountryName(destination))

	out := make([]models.ScoredItem, len(items))
	copy(out, items)
	for i := range out {
		va, ok := analyses[videoID(out[i].CandidateItem)]
		if !ok || va == nil {
			continue
		}
		// The feed carries the analysis only; transcripts stay in the cache.
		attached := *va
		attached.Transcript = ""
		out[i].Analysis = &attached
	}
	return out
}

// Publish replaces the corridor's feed and refreshes the feed cache. A cache
// write failure is logged; the stored feed stays authoritative.
func (p *Pipeline) Publish(ctx context.Context, corridor models.Corridor, items []models.ScoredItem) error {
	if err := p.feed.ReplaceFeed(ctx, corridor.Origin, corridor.Destination, items, p.now()); err != nil {
		return fmt.Errorf("failed to publish feed: %w", err)
	}

	if p.cache != nil {
		key := FeedCacheKey(corridor.Origin, corridor.Destination)
		if err := cache.SetJSON(ctx, p.cache, key, items, p.cfg.FeedCacheTTL); err != nil {
			logger.Warn("Failed to cache feed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func videoID(item models.CandidateItem) string {
	if item.Source != models.SourceVideo {
		return ""
	}
	if item.VideoID != "" {
		return item.VideoID
	}
	return youtube.VideoIDFromURL(item.URL)
}

// VideoFeedLookup serves previously published video items for a destination,
// across all origins and however the destination was spelled at
// registration. It backs the video connector's last fallback.
func VideoFeedLookup(feed FeedStore) youtube.FeedLookup {
	return func(ctx context.Context, destination string, limit int) ([]models.CandidateItem, error) {
		var out []models.CandidateItem
		for _, alias := range search.Aliases(destination) {
			items, err := feed.GetFeed(ctx, sqlite.FeedQuery{
				Destination: alias,
				Source:      models.SourceVideo,
				Limit:       limit,
			})
			if err != nil {
				return nil, err
			}
			for _, item := range items {
				out = append(out, item.CandidateItem)
			}
			if limit > 0 && len(out) >= limit {
				return out[:limit], nil
			}
		}
		return out, nil
	}
}
