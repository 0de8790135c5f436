package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribe-relocation/backend/internal/cache/memory"
	"github.com/tribe-relocation/backend/internal/scoring"
	"github.com/tribe-relocation/backend/internal/search"
	"github.com/tribe-relocation/backend/internal/search/youtube"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
)

func classifierAnswer(values ...int) string {
	entries := make([]string, len(values))
	for i, v := range values {
		entries[i] = fmt.Sprintf(`{"postIndex": %d, "relevanceScore": %d, "stageScore": 50, "isAlert": false, "alertType": "none", "reason": "r"}`, i, v)
	}
	return "[" + strings.Join(entries, ", ") + "]"
}

func posts(prefix string, n int, source models.Source) []models.CandidateItem {
	items := make([]models.CandidateItem, n)
	for i := range items {
		items[i] = models.CandidateItem{
			Source: source,
			Title:  fmt.Sprintf("%s %d", prefix, i),
			URL:    fmt.Sprintf("https://example.com/%s/%d", prefix, i),
		}
	}
	return items
}

func newSQLite(t *testing.T) *sqlite.Client {
	t.Helper()
	client, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	db := newSQLite(t)
	clk := newClock()
	store := memory.NewStoreWithClock(clk.Now)

	reddit := &fakeConnector{name: "reddit", items: posts("reddit", 8, models.SourceSocialPost)}
	web := &fakeConnector{name: "web", items: posts("web", 2, models.SourceNewsArticle)}
	videos := &fakeVideos{result: youtube.Result{Videos: []youtube.Video{
		{VideoID: "v1", Title: "Blue card walkthrough", URL: youtube.WatchURL("v1")},
		{VideoID: "v2", Title: "Berlin food tour", URL: youtube.WatchURL("v2")},
	}}}
	analyzer := &fakeAnalyzer{analyses: map[string]*models.VideoAnalysis{
		"v1": {VideoID: "v1", Summary: "Blue card steps", Transcript: "full transcript"},
	}}
	classifier := &scriptedClassifier{answers: []string{
		classifierAnswer(55, 20, 91, 73, 49, 60, 88, 10, 30, 67),
		classifierAnswer(82, 5),
	}}
	engine := scoring.NewEngine(classifier, scoring.Config{BatchInterval: time.Millisecond})

	pipeline := NewPipeline([]search.Connector{reddit, web}, videos, engine, analyzer, db, store, Config{}).WithClock(clk.Now)
	service := NewService(Dependencies{
		Corridors: db,
		States:    db,
		Feed:      db,
		Cache:     store,
		Analyzer:  analyzer,
		Runner:    pipeline,
	}, Config{}).WithClock(clk.Now)

	corridor, err := service.RegisterCorridor(ctx, "user-1", models.UserContext{Origin: "Nigeria", Destination: "DE", Stage: models.StagePreparing})
	require.NoError(t, err)
	assert.Equal(t, "Germany", corridor.Destination)

	ok, err := service.TriggerResearch(ctx, corridor.ID, false)
	require.NoError(t, err)
	require.True(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, service.Wait(waitCtx))

	assert.Equal(t, []string{"Germany"}, reddit.queries, "country codes are expanded before searching")
	assert.Equal(t, 2, classifier.calls)

	state, err := service.GetCorridorResearchStatus(ctx, corridor.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusComplete, state.Status, state.ErrorMessage)
	assert.Equal(t, 7, state.ItemCount)

	feed, err := service.GetCorridorFeed(ctx, "Nigeria", "DE", 50)
	require.NoError(t, err)
	assert.True(t, feed.Cached)
	require.Len(t, feed.Items, 7)

	var got []int
	for _, item := range feed.Items {
		got = append(got, item.RelevanceScore)
	}
	assert.Equal(t, []int{91, 88, 82, 73, 67, 60, 55}, got)

	video := feed.Items[2]
	assert.Equal(t, "v1", video.VideoID)
	require.NotNil(t, video.Analysis)
	assert.Equal(t, "Blue card steps", video.Analysis.Summary)
	assert.Empty(t, video.Analysis.Transcript, "transcripts stay out of the feed")
	require.Len(t, analyzer.refs, 1, "only kept videos are analyzed")

	require.NoError(t, store.Delete(ctx, FeedCacheKey("Nigeria", "DE")))
	stored, err := service.GetCorridorFeed(ctx, "nigeria", "de", 50)
	require.NoError(t, err)
	assert.False(t, stored.Cached)
	require.Len(t, stored.Items, 7)
	assert.Equal(t, feed.Items[0].Title, stored.Items[0].Title)
	require.NotNil(t, stored.Items[2].Analysis)

	limited, err := service.GetCorridorFeed(ctx, "Nigeria", "DE", 3)
	require.NoError(t, err)
	assert.Len(t, limited.Items, 3)

	byName, err := service.GetCorridorFeed(ctx, "Nigeria", "Germany", 50)
	require.NoError(t, err)
	assert.Len(t, byName.Items, 7, "a corridor registered by code is readable by country name")

	require.NoError(t, store.Delete(ctx, FeedCacheKey("NG", "Germany")))
	byCode, err := service.GetCorridorFeed(ctx, "NG", "DE", 50)
	require.NoError(t, err)
	assert.False(t, byCode.Cached)
	assert.Len(t, byCode.Items, 7)
}

func TestPipeline_CollectSkipsFailedConnector(t *testing.T) {
	ok := &fakeConnector{name: "reddit", items: posts("reddit", 2, models.SourceSocialPost)}
	broken := &fakeConnector{name: "web", err: errors.New("503")}

	p := NewPipeline([]search.Connector{broken, ok}, &fakeVideos{}, nil, nil, NewMemoryStore(), nil, Config{})
	collected, err := p.Collect(context.Background(), "Canada")
	require.NoError(t, err)
	assert.Len(t, collected.Candidates, 2)
	assert.Equal(t, []string{"web"}, collected.SourcesFailed)
}

func TestPipeline_CollectFailsWhenEverySourceFails(t *testing.T) {
	p := NewPipeline([]search.Connector{
		&fakeConnector{name: "reddit", err: errors.New("429")},
		&fakeConnector{name: "web", err: errors.New("timeout")},
	}, &fakeVideos{}, nil, nil, NewMemoryStore(), nil, Config{})

	_, err := p.Collect(context.Background(), "Canada")
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
}

func TestPipeline_CachedVideosKeepRunAlive(t *testing.T) {
	videos := &fakeVideos{result: youtube.Result{
		Videos:    []youtube.Video{{VideoID: "v9", Title: "Canada PR explained"}},
		FromCache: true,
	}}
	p := NewPipeline([]search.Connector{
		&fakeConnector{name: "reddit", err: errors.New("429")},
	}, videos, nil, nil, NewMemoryStore(), nil, Config{})

	collected, err := p.Collect(context.Background(), "Canada")
	require.NoError(t, err)
	assert.True(t, collected.VideosFromCache)
	require.Len(t, collected.Candidates, 1)
	assert.Equal(t, models.SourceVideo, collected.Candidates[0].Source)
}

func TestService_FailedRunRecordsError(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	pipeline := NewPipeline([]search.Connector{
		&fakeConnector{name: "reddit", err: errors.New("429")},
	}, &fakeVideos{}, scoring.NewEngine(nil, scoring.Config{}), nil, mem, nil, Config{})
	service := NewService(Dependencies{Corridors: mem, States: mem, Feed: mem, Runner: pipeline}, Config{})

	corridor, err := service.RegisterCorridor(ctx, "u", models.UserContext{Origin: "India", Destination: "Canada", Stage: models.StageDreaming})
	require.NoError(t, err)

	_, err = service.TriggerResearch(ctx, corridor.ID, false)
	require.NoError(t, err)
	require.NoError(t, service.Wait(ctx))

	state, err := service.GetCorridorResearchStatus(ctx, corridor.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, state.Status)
	assert.Contains(t, state.ErrorMessage, "reddit")

	feed, err := service.GetCorridorFeed(ctx, "India", "Canada", 10)
	require.NoError(t, err)
	assert.Empty(t, feed.Items)
	assert.False(t, feed.Cached)
}

func TestVideoFeedLookup(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.ReplaceFeed(ctx, "Nigeria", "Germany", []models.ScoredItem{
		{CandidateItem: models.CandidateItem{Source: models.SourceVideo, Title: "Blue card", VideoID: "v1"}, RelevanceScore: 80},
		{CandidateItem: models.CandidateItem{Source: models.SourceSocialPost, Title: "Anmeldung"}, RelevanceScore: 95},
	}, testNow))
	require.NoError(t, mem.ReplaceFeed(ctx, "India", "DE", []models.ScoredItem{
		{CandidateItem: models.CandidateItem{Source: models.SourceVideo, Title: "Berlin rent", VideoID: "v2"}, RelevanceScore: 70},
	}, testNow))

	items, err := VideoFeedLookup(mem)(ctx, "Germany", 10)
	require.NoError(t, err)
	require.Len(t, items, 2, "every origin and spelling, videos only")
	assert.Equal(t, "v1", items[0].VideoID)
	assert.Equal(t, "v2", items[1].VideoID)

	items, err = VideoFeedLookup(mem)(ctx, "Germany", 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
