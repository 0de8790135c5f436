package youtube

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "Germany immigration", q.Get("q"))
		assert.Equal(t, "video", q.Get("type"))
		assert.Equal(t, "2", q.Get("maxResults"))
		assert.Equal(t, "k", q.Get("key"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"items": [
				{"id": {"videoId": "abc"}, "snippet": {
					"title": "Moving to Germany",
					"description": "Blocked account explained",
					"channelTitle": "Expat Life",
					"publishedAt": "2026-01-15T10:00:00Z",
					"thumbnails": {"medium": {"url": "https://i.ytimg.com/abc.jpg"}}
				}},
				{"id": {"channelId": "UC1"}, "snippet": {"title": "a channel"}},
				{"id": {"videoId": "def"}, "snippet": {"title": ""}}
			]
		}`))
	}))
	defer srv.Close()

	client := NewAPIClient("k", srv.URL, time.Second)
	videos, err := client.Search(context.Background(), "Germany immigration", 2)
	require.NoError(t, err)
	require.Len(t, videos, 2)

	assert.Equal(t, "abc", videos[0].VideoID)
	assert.Equal(t, "Expat Life", videos[0].ChannelTitle)
	assert.Equal(t, "https://i.ytimg.com/abc.jpg", videos[0].Thumbnail)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", videos[0].URL)
	assert.Equal(t, 2026, videos[0].PublishedAt.Year())
	assert.Equal(t, "Untitled", videos[1].Title)
}

func TestAPIClient_SearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quotaExceeded"}}`))
	}))
	defer srv.Close()

	_, err := NewAPIClient("k", srv.URL, time.Second).Search(context.Background(), "q", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestAPIClient_Statistics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos", r.URL.Path)
		assert.Equal(t, "a,b", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"items": [
			{"id": "a", "statistics": {"viewCount": "1200", "likeCount": "33", "commentCount": "4"}, "contentDetails": {"duration": "PT15M33S"}},
			{"id": "b", "statistics": {"viewCount": "oops"}}
		]}`))
	}))
	defer srv.Close()

	stats, err := NewAPIClient("k", srv.URL, time.Second).Statistics(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, Statistics{ViewCount: 1200, LikeCount: 33, CommentCount: 4, Duration: "PT15M33S"}, stats["a"])
	assert.Zero(t, stats["b"].ViewCount)
}

func TestFormatDuration(t *testing.T) {
	tests := map[string]string{
		"PT15M33S": "15:33",
		"PT1H2M3S": "1:02:03",
		"PT45S":    "0:45",
		"PT2H":     "2:00:00",
		"P1D":      "",
		"PT1X":     "",
		"":         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatDuration(in), in)
	}
}

func TestVideoIDFromURL(t *testing.T) {
	assert.Equal(t, "abc", VideoIDFromURL("https://www.youtube.com/watch?v=abc&t=30"))
	assert.Equal(t, "", VideoIDFromURL("https://example.com/post"))
}
