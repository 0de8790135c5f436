package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribe-relocation/backend/internal/search"
	"github.com/tribe-relocation/backend/internal/storage/models"
)

var _ search.Connector = (*Connector)(nil)

func listing(posts ...string) string {
	return fmt.Sprintf(`{"data":{"children":[%s]}}`, strings.Join(posts, ","))
}

func postJSON(title, body, permalink string, score, comments int) string {
	return fmt.Sprintf(`{"data":{"title":%q,"selftext":%q,"author":"u1","permalink":%q,"score":%d,"num_comments":%d,"created_utc":1767225600,"subreddit":"germany"}}`,
		title, body, permalink, score, comments)
}

func TestSubreddits_DestinationFirstWithoutDuplicates(t *testing.T) {
	subs := Subreddits("Germany")
	assert.Equal(t, []string{"germany", "Berlin", "Munich", "de", "IWantOut"}, subs[:5])

	count := 0
	for _, s := range subs {
		if strings.EqualFold(s, "germany") {
			count++
		}
	}
	assert.Equal(t, 1, count)

	assert.Equal(t, migrationSubreddits, Subreddits("Atlantis"))
}

func TestSearch_FiltersDedupsAndRanks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/r/germany/new.json":
			_, _ = w.Write([]byte(listing(
				postJSON("Blue card visa timeline", "Took 6 weeks", "/r/germany/1", 10, 2),
				postJSON("Best bakery in town", "croissants", "/r/germany/2", 500, 100),
			)))
		case "/r/Berlin/new.json":
			_, _ = w.Write([]byte(listing(
				postJSON("Blue card visa timeline", "Took 6 weeks", "/r/germany/1", 10, 2),
				postJSON("Anmeldung appointment tips", strings.Repeat("x", 250), "/r/Berlin/9", 40, 10),
			)))
		case "/r/Munich/new.json":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(listing()))
		}
	}))
	defer srv.Close()

	c := NewConnector(Config{BaseURL: srv.URL})
	items, err := c.Search(context.Background(), "Germany")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Anmeldung appointment tips", items[0].Title, "ranked by score plus twice the comments")
	assert.Equal(t, "https://reddit.com/r/Berlin/9", items[0].URL)
	assert.Equal(t, models.SourceSocialPost, items[0].Source)
	assert.Equal(t, strings.Repeat("x", 200)+"...", items[0].Snippet)
	assert.Equal(t, int64(40), items[0].Upvotes)
	assert.Equal(t, int64(10), items[0].Comments)
	assert.Equal(t, 2026, items[0].PublishedAt.Year())

	assert.Equal(t, "Blue card visa timeline", items[1].Title)
}

func TestSearch_FallsBackToRecentPostsWhenNothingMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/germany/new.json" {
			_, _ = w.Write([]byte(listing(postJSON("Best bakery", "croissants", "/r/germany/2", 5, 0))))
			return
		}
		_, _ = w.Write([]byte(listing()))
	}))
	defer srv.Close()

	items, err := NewConnector(Config{BaseURL: srv.URL}).Search(context.Background(), "Germany")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Best bakery", items[0].Title)
}

func TestSearch_AllSubredditsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewConnector(Config{BaseURL: srv.URL}).Search(context.Background(), "Germany")
	assert.Error(t, err)
}
