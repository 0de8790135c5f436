// Package research runs the corridor research pipeline and owns the
// per-corridor state machine consumers poll.
//
// A corridor moves idle → refreshing → complete or error. Entering refreshing
// is a single conditional write on the StateStore, so concurrent triggers for
// one corridor produce at most one pipeline run.
package research

import (
	"context"
	"errors"
	"time"

	"github.com/tribe-relocation/backend/internal/analysis"
	"github.com/tribe-relocation/backend/internal/scoring"
	"github.com/tribe-relocation/backend/internal/search/youtube"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
)

var (
	ErrCorridorNotFound = errors.New("corridor not found")
	ErrAllSourcesFailed = errors.New("all content sources failed")
)

type StateStore interface {
	GetResearchState(ctx context.Context, corridorID string) (models.CorridorResearchState, error)
	// TryBeginRefresh reports whether this caller moved the corridor into
	// refreshing. False means another run holds it or the feed is fresh.
	TryBeginRefresh(ctx context.Context, corridorID string, force bool, staleBefore, now time.Time) (bool, error)
	CompleteRefresh(ctx context.Context, corridorID string, itemCount int, at time.Time) error
	FailRefresh(ctx context.Context, corridorID, message string, at time.Time) error
}

type CorridorRepository interface {
	InsertCorridor(ctx context.Context, corridor *models.Corridor) error
	GetCorridor(ctx context.Context, id string) (models.Corridor, bool, error)
	ListStaleCorridors(ctx context.Context, staleBefore time.Time, limit int) ([]models.Corridor, error)
}

type FeedStore interface {
	ReplaceFeed(ctx context.Context, origin, destination string, items []models.ScoredItem, refreshedAt time.Time) error
	GetFeed(ctx context.Context, q sqlite.FeedQuery) ([]models.ScoredItem, error)
}

type VideoSearcher interface {
	Search(ctx context.Context, destination string) (youtube.Result, error)
}

type Scorer interface {
	Score(ctx context.Context, items []models.CandidateItem, uc models.UserContext) (scoring.Result, error)
}

type VideoAnalyzer interface {
	AnalyzeVideos(ctx context.Context, refs []analysis.VideoRef, destination string) map[string]*models.VideoAnalysis
	Cached(ctx context.Context, videoID string) (*models.VideoAnalysis, bool)
}

type Config struct {
	// StaleAfter lets an unforced trigger refresh a complete corridor once
	// its last refresh is older than this.
	StaleAfter   time.Duration
	RunTimeout   time.Duration
	FeedCacheTTL time.Duration
	FeedLimit    int
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:   time.Hour,
		RunTimeout:   10 * time.Minute,
		FeedCacheTTL: time.Hour,
		FeedLimit:    50,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.FeedCacheTTL <= 0 {
		c.FeedCacheTTL = def.FeedCacheTTL
	}
	if c.FeedLimit <= 0 {
		c.FeedLimit = def.FeedLimit
	}
}
