package research

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tribe-relocation/backend/internal/analysis"
	"github.com/tribe-relocation/backend/internal/search"
	"github.com/tribe-relocation/backend/internal/search/youtube"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
)

var (
	_ StateStore         = (*sqlite.Client)(nil)
	_ CorridorRepository = (*sqlite.Client)(nil)
	_ FeedStore          = (*sqlite.Client)(nil)
	_ StateStore         = (*MemoryStore)(nil)
	_ CorridorRepository = (*MemoryStore)(nil)
	_ FeedStore          = (*MemoryStore)(nil)
	_ VideoAnalyzer      = (*analysis.Analyzer)(nil)
	_ VideoSearcher      = (*youtube.Connector)(nil)
	_ Runner             = (*Pipeline)(nil)
	_ search.Connector   = (*fakeConnector)(nil)
)

var testNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: testNow} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	release chan struct{}
	runs    atomic.Int32
	count   int
	err     error
	ctxErr  chan error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), ctxErr: make(chan error, 16)}
}

func (r *blockingRunner) Run(ctx context.Context, corridor models.Corridor) (int, error) {
	r.runs.Add(1)
	<-r.release
	r.ctxErr <- ctx.Err()
	return r.count, r.err
}

type fakeConnector struct {
	name  string
	items []models.CandidateItem
	err   error

	mu      sync.Mutex
	queries []string
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Search(ctx context.Context, destination string) ([]models.CandidateItem, error) {
	f.mu.Lock()
	f.queries = append(f.queries, destination)
	f.mu.Unlock()
	return f.items, f.err
}

type fakeVideos struct {
	result youtube.Result
}

func (f *fakeVideos) Search(ctx context.Context, destination string) (youtube.Result, error) {
	return f.result, nil
}

type fakeAnalyzer struct {
	analyses map[string]*models.VideoAnalysis

	mu   sync.Mutex
	refs []analysis.VideoRef
}

func (f *fakeAnalyzer) AnalyzeVideos(ctx context.Context, refs []analysis.VideoRef, destination string) map[string]*models.VideoAnalysis {
	f.mu.Lock()
	f.refs = append(f.refs, refs...)
	f.mu.Unlock()

	out := make(map[string]*models.VideoAnalysis)
	for _, ref := range refs {
		if va, ok := f.analyses[ref.VideoID]; ok {
			out[ref.VideoID] = va
		}
	}
	return out
}

func (f *fakeAnalyzer) Cached(ctx context.Context, videoID string) (*models.VideoAnalysis, bool) {
	va, ok := f.analyses[videoID]
	return va, ok
}

type scriptedClassifier struct {
	mu      sync.Mutex
	calls   int
	answers []string
}

func (c *scriptedClassifier) Classify(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	answer := c.answers[c.calls%len(c.answers)]
	c.calls++
	return answer, nil
}
