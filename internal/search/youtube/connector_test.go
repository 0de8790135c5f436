package youtube

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribe-relocation/backend/internal/cache"
	"github.com/tribe-relocation/backend/internal/cache/memory"
	"github.com/tribe-relocation/backend/internal/quota"
	"github.com/tribe-relocation/backend/internal/storage/models"
)

type fakePlatform struct {
	mu       sync.Mutex
	results  map[string][]Video
	failures map[string]error
	stats    map[string]Statistics
	statsErr error
	queries  []string
	maxSeen  []int
}

func (f *fakePlatform) Search(ctx context.Context, query string, maxResults int) ([]Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)
	f.maxSeen = append(f.maxSeen, maxResults)
	if err := f.failures[query]; err != nil {
		return nil, err
	}
	return f.results[query], nil
}

func (f *fakePlatform) Statistics(ctx context.Context, ids []string) (map[string]Statistics, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	out := make(map[string]Statistics)
	for _, id := range ids {
		if s, ok := f.stats[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakePlatform) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func video(id string) Video {
	return Video{VideoID: id, Title: "Video " + id, URL: WatchURL(id)}
}

type fixture struct {
	platform  *fakePlatform
	repo      *quota.MemoryRepository
	ledger    *quota.Ledger
	store     *memory.Store
	connector *Connector
}

func newFixture(cfg Config) *fixture {
	platform := &fakePlatform{
		results:  map[string][]Video{},
		failures: map[string]error{},
		stats:    map[string]Statistics{},
	}
	repo := quota.NewMemoryRepository()
	ledger := quota.NewLedger(repo, quota.Resource{Name: "youtube", Limit: 10000, Window: quota.WindowDaily})
	store := memory.NewStore()

	return &fixture{
		platform:  platform,
		repo:      repo,
		ledger:    ledger,
		store:     store,
		connector: NewConnector(platform, ledger, store, cfg),
	}
}

func TestSearch_RunsVariantsInOrderAndDedups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{MaxResults: 5})
	f.platform.results["Germany immigration"] = []Video{video("a"), video("b")}
	f.platform.results["Germany moving vlog"] = []Video{video("b"), video("c")}
	f.platform.results["Germany visa guide"] = []Video{video("d"), video("a")}

	result, err := f.connector.Search(ctx, "Germany")
	require.NoError(t, err)
	assert.False(t, result.FromCache)

	assert.Equal(t, []string{"Germany immigration", "Germany moving vlog", "Germany visa guide"}, f.platform.Queries())
	assert.Equal(t, []int{2, 2, 2}, f.platform.maxSeen)

	var ids []string
	for _, v := range result.Videos {
		ids = append(ids, v.VideoID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)

	status, err := f.ledger.CheckAvailable(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, int64(300), status.Used)

	var cached []Video
	require.True(t, cache.GetJSON(ctx, f.store, CacheKey("Germany"), &cached))
	assert.Len(t, cached, 4)
}

func TestSearch_CapsAtMaxResults(t *testing.T) {
	f := newFixture(Config{MaxResults: 2})
	f.platform.results["Canada immigration"] = []Video{video("a")}
	f.platform.results["Canada moving vlog"] = []Video{video("b")}
	f.platform.results["Canada visa guide"] = []Video{video("c")}

	result, err := f.connector.Search(context.Background(), "Canada")
	require.NoError(t, err)
	assert.Len(t, result.Videos, 2)
	assert.Equal(t, []int{1, 1, 1}, f.platform.maxSeen)
}

func TestSearch_QuotaExhaustedServesCacheWithoutCharging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	require.NoError(t, f.ledger.Charge(ctx, "youtube", 9950, nil))
	require.NoError(t, cache.SetJSON(ctx, f.store, CacheKey("Germany"), []Video{video("cached")}, time.Hour))
	events := f.repo.Events()

	result, err := f.connector.Search(ctx, "Germany")
	require.NoError(t, err)

	assert.True(t, result.FromCache)
	require.Len(t, result.Videos, 1)
	assert.Equal(t, "cached", result.Videos[0].VideoID)
	assert.Empty(t, f.platform.Queries(), "no search may be issued without headroom")
	assert.Equal(t, events, f.repo.Events(), "charge must not be called")
}

func TestSearch_StopsWhenHeadroomRunsOutMidRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	require.NoError(t, f.ledger.Charge(ctx, "youtube", 9850, nil))
	f.platform.results["Spain immigration"] = []Video{video("a")}

	result, err := f.connector.Search(ctx, "Spain")
	require.NoError(t, err)

	assert.Equal(t, []string{"Spain immigration"}, f.platform.Queries())
	assert.Len(t, result.Videos, 1)

	status, err := f.ledger.CheckAvailable(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, int64(9950), status.Used)
}

func TestSearch_SkipsFailedVariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.platform.results["Germany immigration"] = []Video{video("a")}
	f.platform.failures["Germany moving vlog"] = errors.New("timeout")
	f.platform.results["Germany visa guide"] = []Video{video("b")}

	result, err := f.connector.Search(ctx, "Germany")
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Len(t, result.Videos, 2)
	assert.Len(t, f.platform.Queries(), 3)

	status, err := f.ledger.CheckAvailable(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, int64(200), status.Used, "failed variants are refunded")
	assert.Equal(t, 3, f.repo.Events())
}

func TestSearch_ConcurrentRunsNeverOverrunQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	require.NoError(t, f.ledger.Charge(ctx, "youtube", 9900, nil))
	for _, d := range []string{"Germany", "Canada"} {
		for _, tmpl := range DefaultQueryTemplates {
			f.platform.results[fmt.Sprintf(tmpl, d)] = []Video{video(d)}
		}
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, d := range []string{"Germany", "Canada"} {
		wg.Add(1)
		go func(destination string) {
			defer wg.Done()
			<-start
			_, err := f.connector.Search(ctx, destination)
			assert.NoError(t, err)
		}(d)
	}
	close(start)
	wg.Wait()

	assert.Len(t, f.platform.Queries(), 1, "only one search fits in the remaining headroom")
	status, err := f.ledger.CheckAvailable(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), status.Used)
}

func TestSearch_EmptyRunKeepsCachedVideos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	require.NoError(t, cache.SetJSON(ctx, f.store, CacheKey("Germany"), []Video{video("good")}, time.Hour))

	result, err := f.connector.Search(ctx, "Germany")
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Empty(t, result.Videos)

	var cached []Video
	require.True(t, cache.GetJSON(ctx, f.store, CacheKey("Germany"), &cached))
	require.Len(t, cached, 1)
	assert.Equal(t, "good", cached[0].VideoID)
}

func TestSearch_TotalFailureFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	for _, tmpl := range DefaultQueryTemplates {
		f.platform.failures[fmt.Sprintf(tmpl, "Germany")] = errors.New("503")
	}
	require.NoError(t, cache.SetJSON(ctx, f.store, CacheKey("germany"), []Video{video("old")}, time.Hour))

	result, err := f.connector.Search(ctx, "Germany")
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	require.Len(t, result.Videos, 1)
	assert.Equal(t, "old", result.Videos[0].VideoID)
}

func TestSearch_FallsBackToPublishedFeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	require.NoError(t, f.ledger.Charge(ctx, "youtube", 10000, nil))

	f.connector.WithFeedFallback(func(ctx context.Context, destination string, limit int) ([]models.CandidateItem, error) {
		assert.Equal(t, "Germany", destination)
		return []models.CandidateItem{
			{Source: models.SourceForumPost, Title: "post", URL: "https://reddit.com/r/germany/1"},
			{Source: models.SourceVideo, Title: "vid", URL: "https://www.youtube.com/watch?v=xyz&t=10"},
		}, nil
	})

	result, err := f.connector.Search(ctx, "Germany")
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	require.Len(t, result.Videos, 1)
	assert.Equal(t, "xyz", result.Videos[0].VideoID)
}

func TestSearch_NoCacheIsEmptyNotError(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.ledger.Charge(context.Background(), "youtube", 10000, nil))

	result, err := f.connector.Search(context.Background(), "Portugal")
	require.NoError(t, err)
	assert.True(t, result.FromCache)
	assert.Empty(t, result.Videos)
}

func TestSearch_AttachesStatistics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{FetchStatistics: true})
	f.platform.results["Japan immigration"] = []Video{video("a"), video("b")}
	f.platform.stats["a"] = Statistics{ViewCount: 1500, LikeCount: 40, CommentCount: 7}

	result, err := f.connector.Search(ctx, "Japan")
	require.NoError(t, err)

	items := result.Candidates()
	require.Len(t, items, 2)
	assert.Equal(t, int64(1500), items[0].Views)
	assert.Equal(t, int64(40), items[0].Upvotes)
	assert.Equal(t, models.SourceVideo, items[0].Source)
	assert.Zero(t, items[1].Views)

	status, err := f.ledger.CheckAvailable(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, int64(3*100+2), status.Used, "empty result pages are still charged")
}

func TestStatistics_RequiresHeadroom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	require.NoError(t, f.ledger.Charge(ctx, "youtube", 9999, nil))
	f.platform.stats["a"] = Statistics{ViewCount: 1}

	assert.Empty(t, f.connector.Statistics(ctx, []string{"a", "b"}))
	assert.Len(t, f.connector.Statistics(ctx, []string{"a"}), 1)
}

func TestStatistics_RefundsOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	f.platform.statsErr = errors.New("403")

	assert.Empty(t, f.connector.Statistics(ctx, []string{"a", "b", "c"}))

	status, err := f.ledger.CheckAvailable(ctx, "youtube")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Used)
}
