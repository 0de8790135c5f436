package research

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/cache"
	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/search"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
	"github.com/tribe-relocation/backend/pkg/logger"
)

type FeedResult struct {
	Items  []models.ScoredItem `json:"items"`
	Cached bool                `json:"cached"`
}

type Service struct {
	corridors CorridorRepository
	states    StateStore
	feed      FeedStore
	cache     cache.Store
	analyzer  VideoAnalyzer
	runner    Runner
	cfg       Config
	now       func() time.Time

	wg sync.WaitGroup

	watchMu  sync.Mutex
	watchers map[string]map[chan models.CorridorResearchState]struct{}
}

// Runner executes one refresh of a corridor; *Pipeline is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, corridor models.Corridor) (int, error)
}

type Dependencies struct {
	Corridors CorridorRepository
	States    StateStore
	Feed      FeedStore
	Cache     cache.Store
	Analyzer  VideoAnalyzer
	Runner    Runner
}

func NewService(deps Dependencies, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		corridors: deps.Corridors,
		states:    deps.States,
		feed:      deps.Feed,
		cache:     deps.Cache,
		analyzer:  deps.Analyzer,
		runner:    deps.Runner,
		cfg:       cfg,
		now:       time.Now,
		watchers:  make(map[string]map[chan models.CorridorResearchState]struct{}),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterCorridor stores a new corridor for a user. Country codes are
// expanded to names so feed lookups match either spelling. Its research state
// starts idle.
func (s *Service) RegisterCorridor(ctx context.Context, userID string, uc models.UserContext) (models.Corridor, error) {
	if err := uc.Validate(); err != nil {
		return models.Corridor{}, err
	}

	corridor := models.Corridor{
		ID:          uuid.NewString(),
		UserID:      userID,
		Origin:      search.CountryName(uc.Origin),
		Destination: search.CountryName(uc.Destination),
		Stage:       uc.Stage,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.corridors.InsertCorridor(ctx, &corridor); err != nil {
		return models.Corridor{}, fmt.Errorf("failed to register corridor: %w", err)
	}

	logger.Info("Corridor registered",
		zap.String("corridor_id", corridor.ID),
		zap.String("origin", corridor.Origin),
		zap.String("destination", corridor.Destination),
	)
	return corridor, nil
}

func (s *Service) GetCorridor(ctx context.Context, corridorID string) (models.Corridor, error) {
	corridor, ok, err := s.corridors.GetCorridor(ctx, corridorID)
	if err != nil {
		return models.Corridor{}, fmt.Errorf("failed to load corridor: %w", err)
	}
	if !ok {
		return models.Corridor{}, fmt.Errorf("%w: %s", ErrCorridorNotFound, corridorID)
	}
	return corridor, nil
}

// GetCorridorFeed serves the published feed, from the feed cache when
// possible. Cached responses are marked as such.
func (s *Service) GetCorridorFeed(ctx context.Context, origin, destination string, limit int) (FeedResult, error) {
	return s.QueryFeed(ctx, sqlite.FeedQuery{Origin: origin, Destination: destination, Limit: limit})
}

// QueryFeed is GetCorridorFeed with an optional source filter.
func (s *Service) QueryFeed(ctx context.Context, q sqlite.FeedQuery) (FeedResult, error) {
	if q.Limit <= 0 {
		q.Limit = s.cfg.FeedLimit
	}
	q.Origin = search.CountryName(q.Origin)
	q.Destination = search.CountryName(q.Destination)

	if s.cache != nil {
		var items []models.ScoredItem
		if cache.GetJSON(ctx, s.cache, FeedCacheKey(q.Origin, q.Destination), &items) {
			if q.Source != "" {
				filtered := items[:0]
				for _, item := range items {
					if item.Source == q.Source {
						filtered = append(filtered, item)
					}
				}
				items = filtered
			}
			if len(items) > q.Limit {
				items = items[:q.Limit]
			}
			return FeedResult{Items: items, Cached: true}, nil
		}
	}

	items, err := s.feed.GetFeed(ctx, q)
	if err != nil {
		return FeedResult{}, fmt.Errorf("failed to read feed: %w", err)
	}
	return FeedResult{Items: items}, nil
}

func (s *Service) GetCorridorResearchStatus(ctx context.Context, corridorID string) (models.CorridorResearchState, error) {
	if _, err := s.GetCorridor(ctx, corridorID); err != nil {
		return models.CorridorResearchState{}, err
	}

	state, err := s.states.GetResearchState(ctx, corridorID)
	if err != nil {
		return models.CorridorResearchState{}, fmt.Errorf("failed to read research state: %w", err)
	}
	return state, nil
}

// TriggerResearch starts a pipeline run for the corridor unless one is
// already running, or the corridor is complete, fresh and force is false.
// It returns once the run is started; the run itself is detached from ctx.
func (s *Service) TriggerResearch(ctx context.Context, corridorID string, force bool) (bool, error) {
	corridor, err := s.GetCorridor(ctx, corridorID)
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	began, err := s.states.TryBeginRefresh(ctx, corridorID, force, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return false, fmt.Errorf("failed to begin research: %w", err)
	}
	if !began {
		metrics.TriggersIgnored.Inc()
		logger.Debug("Research trigger ignored", zap.String("corridor_id", corridorID), zap.Bool("force", force))
		return false, nil
	}

	s.notify(corridorID, models.CorridorResearchState{
		CorridorID: corridorID,
		Status:     models.StatusRefreshing,
		UpdatedAt:  now,
	})

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, corridor)
	}()

	logger.Info("Research started", zap.String("corridor_id", corridorID), zap.Bool("force", force))
	return true, nil
}

func (s *Service) run(ctx context.Context, corridor models.Corridor) {
	start := s.now()
	logger.Info("Research pipeline running",
		zap.String("corridor_id", corridor.ID),
		zap.String("origin", corridor.Origin),
		zap.String("destination", corridor.Destination),
	)

	count, runErr := s.runner.Run(ctx, corridor)
	finishedAt := s.now().UTC()

	// The run context may have timed out; the final transition must still land.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	status := models.StatusComplete
	var err error
	if runErr != nil {
		status = models.StatusError
		err = s.states.FailRefresh(finishCtx, corridor.ID, runErr.Error(), finishedAt)
		logger.Error("Research pipeline failed", zap.String("corridor_id", corridor.ID), zap.Error(runErr))
	} else {
		err = s.states.CompleteRefresh(finishCtx, corridor.ID, count, finishedAt)
		logger.Info("Research pipeline complete",
			zap.String("corridor_id", corridor.ID),
			zap.Int("items", count),
			zap.Duration("duration", finishedAt.Sub(start)),
		)
	}
	if err != nil {
		logger.Error("Failed to record research outcome", zap.String("corridor_id", corridor.ID), zap.Error(err))
	}

	metrics.PipelineRuns.WithLabelValues(string(status)).Inc()
	metrics.PipelineDuration.WithLabelValues(string(status)).Observe(finishedAt.Sub(start).Seconds())

	if state, err := s.states.GetResearchState(finishCtx, corridor.ID); err == nil {
		s.notify(corridor.ID, state)
	}
}

// GetVideoAnalysis returns a stored analysis; it never starts one.
func (s *Service) GetVideoAnalysis(ctx context.Context, videoID string) (*models.VideoAnalysis, bool) {
	if s.analyzer == nil {
		return nil, false
	}
	return s.analyzer.Cached(ctx, videoID)
}

// Watch streams state changes of one corridor made by this process. The
// returned stop func must be called to release the subscription. Slow
// readers miss intermediate states, never the channel itself.
func (s *Service) Watch(corridorID string) (<-chan models.CorridorResearchState, func()) {
	ch := make(chan models.CorridorResearchState, 4)

	s.watchMu.Lock()
	if s.watchers[corridorID] == nil {
		s.watchers[corridorID] = make(map[chan models.CorridorResearchState]struct{})
	}
	s.watchers[corridorID][ch] = struct{}{}
	s.watchMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers[corridorID], ch)
			if len(s.watchers[corridorID]) == 0 {
				delete(s.watchers, corridorID)
			}
			s.watchMu.Unlock()
			close(ch)
		})
	}
	return ch, stop
}

func (s *Service) notify(corridorID string, state models.CorridorResearchState) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for ch := range s.watchers[corridorID] {
		select {
		case ch <- state:
		default:
		}
	}
}

// Wait blocks until every started run has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
