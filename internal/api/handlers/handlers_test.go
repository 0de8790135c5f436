package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribe-relocation/backend/internal/analysis"
	"github.com/tribe-relocation/backend/internal/quota"
	"github.com/tribe-relocation/backend/internal/research"
	"github.com/tribe-relocation/backend/internal/storage/models"
)

type stubRunner struct {
	count int
}

func (r stubRunner) Run(ctx context.Context, corridor models.Corridor) (int, error) {
	return r.count, nil
}

type stubAnalyzer struct {
	analyses map[string]*models.VideoAnalysis
}

func (a stubAnalyzer) AnalyzeVideos(ctx context.Context, refs []analysis.VideoRef, destination string) map[string]*models.VideoAnalysis {
	return nil
}

func (a stubAnalyzer) Cached(ctx context.Context, videoID string) (*models.VideoAnalysis, bool) {
	va, ok := a.analyses[videoID]
	return va, ok
}

type stubPinger struct{ err error }

func (p stubPinger) Ping() error { return p.err }

type fixture struct {
	app     *fiber.App
	store   *research.MemoryStore
	service *research.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := research.NewMemoryStore()
	service := research.NewService(research.Dependencies{
		Corridors: store,
		States:    store,
		Feed:      store,
		Analyzer: stubAnalyzer{analyses: map[string]*models.VideoAnalysis{
			"dQw4w9WgXcQ": {VideoID: "dQw4w9WgXcQ", Summary: "Blue card steps"},
		}},
		Runner: stubRunner{count: 4},
	}, research.Config{})

	ledger := quota.NewLedger(quota.NewMemoryRepository(), quota.Resource{
		Name:   "youtube",
		Limit:  10000,
		Window: quota.WindowDaily,
	})

	researchHandler := NewResearchHandler(service)
	quotaHandler := NewQuotaHandler(ledger)

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Get("/feed", researchHandler.GetFeed)
	api.Post("/corridors", researchHandler.RegisterCorridor)
	api.Get("/corridors/:id/research", researchHandler.GetResearchStatus)
	api.Post("/corridors/:id/research", researchHandler.TriggerResearch)
	api.Get("/videos/:id/analysis", researchHandler.GetVideoAnalysis)
	api.Get("/quota/:resource", quotaHandler.GetQuota)

	return &fixture{app: app, store: store, service: service}
}

func (f *fixture) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", "user-1")

	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRegisterAndTrigger(t *testing.T) {
	f := newFixture(t)

	code, corridor := f.do(t, "POST", "/api/v1/corridors", `{"origin": "Nigeria", "destination": "Germany", "stage": "preparing"}`)
	require.Equal(t, http.StatusCreated, code)
	id, _ := corridor["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "user-1", corridor["user_id"])

	code, state := f.do(t, "GET", "/api/v1/corridors/"+id+"/research", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", state["status"])

	code, triggered := f.do(t, "POST", "/api/v1/corridors/"+id+"/research", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, triggered["started"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.service.Wait(ctx))

	code, state = f.do(t, "GET", "/api/v1/corridors/"+id+"/research", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "complete", state["status"])
	assert.EqualValues(t, 4, state["item_count"])

	code, triggered = f.do(t, "POST", "/api/v1/corridors/"+id+"/research", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, false, triggered["started"], "fresh feed needs force")
	assert.Equal(t, "complete", triggered["status"])

	code, triggered = f.do(t, "POST", "/api/v1/corridors/"+id+"/research?force=true", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, triggered["started"])
	require.NoError(t, f.service.Wait(ctx))
}

func TestRegisterCorridor_InvalidContext(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/api/v1/corridors", `{"origin": "Nigeria", "stage": "preparing"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid user context")
}

func TestUnknownCorridor(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "GET", "/api/v1/corridors/missing/research", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, "POST", "/api/v1/corridors/missing/research", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetFeed(t *testing.T) {
	f := newFixture(t)
	items := []models.ScoredItem{
		{CandidateItem: models.CandidateItem{Source: models.SourceSocialPost, Title: "a"}, RelevanceScore: 90},
		{CandidateItem: models.CandidateItem{Source: models.SourceVideo, Title: "b"}, RelevanceScore: 80},
		{CandidateItem: models.CandidateItem{Source: models.SourceSocialPost, Title: "c"}, RelevanceScore: 70},
	}
	require.NoError(t, f.store.ReplaceFeed(context.Background(), "Nigeria", "Germany", items, time.Now()))

	code, body := f.do(t, "GET", "/api/v1/feed?origin=Nigeria&destination=Germany&limit=2", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, false, body["cached"])

	code, body = f.do(t, "GET", "/api/v1/feed?origin=Nigeria&destination=Germany&source=video", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])
	first := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "b", first["title"])

	code, _ = f.do(t, "GET", "/api/v1/feed?origin=Nigeria", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetVideoAnalysis(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/api/v1/videos/dQw4w9WgXcQ/analysis", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Blue card steps", body["summary"])

	code, _ = f.do(t, "GET", "/api/v1/videos/unanalyzed1/analysis", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetQuota(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/api/v1/quota/youtube", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 10000, body["limit"])
	assert.EqualValues(t, 10000, body["available"])

	code, _ = f.do(t, "GET", "/api/v1/quota/serpapi", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthHandler_Ready(t *testing.T) {
	app := fiber.New()
	healthy := NewHealthHandler(map[string]Pinger{"sqlite": stubPinger{}})
	broken := NewHealthHandler(map[string]Pinger{"sqlite": stubPinger{err: errors.New("database is locked")}})
	app.Get("/health", healthy.Health)
	app.Get("/ready", healthy.Ready)
	app.Get("/ready-broken", broken.Ready)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ready-broken", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
