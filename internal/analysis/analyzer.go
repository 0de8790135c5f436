// Package analysis turns video transcripts into cached, migration-specific
// summaries with key moments.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tribe-relocation/backend/internal/cache"
	"github.com/tribe-relocation/backend/internal/llm"
	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/transcript"
	"github.com/tribe-relocation/backend/pkg/logger"
	"github.com/tribe-relocation/backend/pkg/utils"
)

const keyMomentCount = 3

var timestampPattern = regexp.MustCompile(`^\d{1,2}(:\d{2}){1,2}$`)

type Config struct {
	CacheTTL        time.Duration
	TranscriptLimit int
	MaxFresh        int
	Interval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:        7 * 24 * time.Hour,
		TranscriptLimit: 10000,
		MaxFresh:        5,
		Interval:        time.Second,
	}
}

type VideoRef struct {
	VideoID string
	Title   string
}

type Analyzer struct {
	transcripts transcript.Source
	classifier  llm.Classifier
	store       cache.Store
	cfg         Config
	limiter     *rate.Limiter
	now         func() time.Time
}

type response struct {
	Summary       string `json:"summary"`
	KeyTimestamps []struct {
		Time  string `json:"time"`
		Topic string `json:"topic"`
	} `json:"keyTimestamps"`
	YoullLearn string `json:"youllLearn"`
}

func NewAnalyzer(transcripts transcript.Source, classifier llm.Classifier, store cache.Store, cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.TranscriptLimit <= 0 {
		cfg.TranscriptLimit = def.TranscriptLimit
	}
	if cfg.MaxFresh <= 0 {
		cfg.MaxFresh = def.MaxFresh
	}

	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}

	return &Analyzer{
		transcripts: transcripts,
		classifier:  classifier,
		store:       store,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, 1),
		now:         time.Now,
	}
}

func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

func CacheKey(videoID string) string {
	return "video:analysis:" + videoID
}

// Cached returns a stored analysis without doing any work.
func (a *Analyzer) Cached(ctx context.Context, videoID string) (*models.VideoAnalysis, bool) {
	var va models.VideoAnalysis
	if !cache.GetJSON(ctx, a.store, CacheKey(videoID), &va) {
		return nil, false
	}
	return &va, true
}

// AnalyzeVideo returns nil with a nil error when no analysis can be produced:
// the video has no transcript or the model answer did not validate. Only
// transport failures are returned as errors. Nothing is cached unless a full
// analysis was produced.
func (a *Analyzer) AnalyzeVideo(ctx context.Context, ref VideoRef, destination string) (*models.VideoAnalysis, error) {
	if va, ok := a.Cached(ctx, ref.VideoID); ok {
		metrics.VideoAnalyses.WithLabelValues("cached").Inc()
		return va, nil
	}
	return a.analyzeFresh(ctx, ref, destination)
}

// AnalyzeVideos analyzes refs in order. Cache hits are free; at most MaxFresh
// videos are analyzed from scratch, paced by Interval. Failures are skipped.
func (a *Analyzer) AnalyzeVideos(ctx context.Context, refs []VideoRef, destination string) map[string]*models.VideoAnalysis {
	out := make(map[string]*models.VideoAnalysis)
	fresh := 0

	for _, ref := range refs {
		if _, done := out[ref.VideoID]; done || ref.VideoID == "" {
			continue
		}

		if va, ok := a.Cached(ctx, ref.VideoID); ok {
			metrics.VideoAnalyses.WithLabelValues("cached").Inc()
			out[ref.VideoID] = va
			continue
		}

		if fresh >= a.cfg.MaxFresh {
			metrics.VideoAnalyses.WithLabelValues("skipped").Inc()
			continue
		}

		if err := a.limiter.Wait(ctx); err != nil {
			logger.Warn("Video analysis interrupted", zap.Error(err))
			break
		}
		fresh++

		va, err := a.analyzeFresh(ctx, ref, destination)
		if err != nil {
			logger.Warn("Video analysis failed", zap.String("video_id", ref.VideoID), zap.Error(err))
			continue
		}
		if va != nil {
			out[ref.VideoID] = va
		}
	}

	logger.Info("Video analyses complete",
		zap.String("destination", destination),
		zap.Int("requested", len(refs)),
		zap.Int("analyzed", len(out)),
		zap.Int("fresh", fresh),
	)
	return out
}

func (a *Analyzer) analyzeFresh(ctx context.Context, ref VideoRef, destination string) (*models.VideoAnalysis, error) {
	if a.classifier == nil {
		return nil, nil
	}

	text, ok, err := a.transcripts.Fetch(ctx, ref.VideoID)
	if err != nil {
		metrics.VideoAnalyses.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to fetch transcript for %s: %w", ref.VideoID, err)
	}
	if !ok || strings.TrimSpace(text) == "" {
		metrics.VideoAnalyses.WithLabelValues("no_transcript").Inc()
		logger.Debug("No transcript available", zap.String("video_id", ref.VideoID))
		return nil, nil
	}

	answer, err := a.classifier.Classify(ctx, buildPrompt(utils.Truncate(text, a.cfg.TranscriptLimit), ref.Title, destination))
	if err != nil {
		metrics.VideoAnalyses.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to analyze %s: %w", ref.VideoID, err)
	}

	va, err := parseAnalysis(answer)
	if err != nil {
		metrics.VideoAnalyses.WithLabelValues("parse_failed").Inc()
		logger.Warn("Discarding unusable video analysis", zap.String("video_id", ref.VideoID), zap.Error(err))
		return nil, nil
	}

	va.VideoID = ref.VideoID
	va.Transcript = text
	va.AnalyzedAt = a.now().UTC()

	if err := cache.SetJSON(ctx, a.store, CacheKey(ref.VideoID), va, a.cfg.CacheTTL); err != nil {
		logger.Warn("Failed to cache video analysis", zap.String("video_id", ref.VideoID), zap.Error(err))
	}

	metrics.VideoAnalyses.WithLabelValues("analyzed").Inc()
	return va, nil
}

func parseAnalysis(text string) (*models.VideoAnalysis, error) {
	raw, err := llm.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}

	if strings.TrimSpace(r.Summary) == "" {
		return nil, fmt.Errorf("analysis has no summary")
	}
	if strings.TrimSpace(r.YoullLearn) == "" {
		return nil, fmt.Errorf("analysis has no takeaway")
	}
	if len(r.KeyTimestamps) != keyMomentCount {
		return nil, fmt.Errorf("analysis has %d key moments, want %d", len(r.KeyTimestamps), keyMomentCount)
	}

	moments := make([]models.KeyMoment, 0, keyMomentCount)
	for _, ts := range r.KeyTimestamps {
		if !timestampPattern.MatchString(strings.TrimSpace(ts.Time)) || strings.TrimSpace(ts.Topic) == "" {
			return nil, fmt.Errorf("invalid key moment %q", ts.Time)
		}
		moments = append(moments, models.KeyMoment{
			Timestamp: strings.TrimSpace(ts.Time),
			Topic:     strings.TrimSpace(ts.Topic),
		})
	}

	return &models.VideoAnalysis{
		Summary:     strings.TrimSpace(r.Summary),
		KeyMoments:  moments,
		KeyTakeaway: strings.TrimSpace(r.YoullLearn),
	}, nil
}
