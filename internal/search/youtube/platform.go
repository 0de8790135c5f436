package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/circuitbreaker"
	"github.com/tribe-relocation/backend/pkg/logger"
)

const DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

type Video struct {
	VideoID      string      `json:"video_id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Thumbnail    string      `json:"thumbnail"`
	ChannelTitle string      `json:"channel_title"`
	PublishedAt  time.Time   `json:"published_at"`
	URL          string      `json:"url"`
	Stats        *Statistics `json:"stats,omitempty"`
}

func (v Video) Candidate() models.CandidateItem {
	item := models.CandidateItem{
		Source:      models.SourceVideo,
		Title:       v.Title,
		Snippet:     v.Description,
		URL:         v.URL,
		Thumbnail:   v.Thumbnail,
		Author:      v.ChannelTitle,
		VideoID:     v.VideoID,
		PublishedAt: v.PublishedAt,
	}
	if v.Stats != nil {
		item.Views = v.Stats.ViewCount
		item.Upvotes = v.Stats.LikeCount
		item.Comments = v.Stats.CommentCount
	}
	return item
}

type Statistics struct {
	ViewCount    int64  `json:"view_count"`
	LikeCount    int64  `json:"like_count"`
	CommentCount int64  `json:"comment_count"`
	Duration     string `json:"duration"`
}

// Platform is the video platform's search surface. Each Search call costs a
// fixed number of quota units; Statistics costs one unit per id.
type Platform interface {
	Search(ctx context.Context, query string, maxResults int) ([]Video, error)
	Statistics(ctx context.Context, ids []string) (map[string]Statistics, error)
}

// APIClient talks to the YouTube Data API v3.
type APIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewAPIClient(apiKey, baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &APIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: circuitbreaker.NewCircuitBreaker("youtube", circuitbreaker.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          time.Minute,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Logger:           logger.GetLogger(),
			OnStateChange:    recordBreakerState,
		}),
	}
}

func (c *APIClient) Search(ctx context.Context, query string, maxResults int) ([]Video, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("q", query)
	params.Set("type", "video")
	params.Set("maxResults", strconv.Itoa(maxResults))
	params.Set("relevanceLanguage", "en")
	params.Set("videoCaption", "any")
	params.Set("videoDuration", "medium")
	params.Set("order", "relevance")

	var searchResp struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet *struct {
				Title        string    `json:"title"`
				Description  string    `json:"description"`
				ChannelTitle string    `json:"channelTitle"`
				PublishedAt  time.Time `json:"publishedAt"`
				Thumbnails   map[string]struct {
					URL string `json:"url"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}

	if err := c.get(ctx, "/search", params, &searchResp); err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(searchResp.Items))
	for _, item := range searchResp.Items {
		if item.ID.VideoID == "" || item.Snippet == nil {
			continue
		}

		title := item.Snippet.Title
		if title == "" {
			title = "Untitled"
		}

		videos = append(videos, Video{
			VideoID:      item.ID.VideoID,
			Title:        title,
			Description:  item.Snippet.Description,
			Thumbnail:    item.Snippet.Thumbnails["medium"].URL,
			ChannelTitle: item.Snippet.ChannelTitle,
			PublishedAt:  item.Snippet.PublishedAt,
			URL:          WatchURL(item.ID.VideoID),
		})
	}

	logger.Debug("YouTube search completed", zap.String("query", query), zap.Int("results", len(videos)))
	return videos, nil
}

func (c *APIClient) Statistics(ctx context.Context, ids []string) (map[string]Statistics, error) {
	params := url.Values{}
	params.Set("part", "statistics,contentDetails")
	params.Set("id", strings.Join(ids, ","))

	// The API reports counters as decimal strings.
	var videosResp struct {
		Items []struct {
			ID         string `json:"id"`
			Statistics struct {
				ViewCount    string `json:"viewCount"`
				LikeCount    string `json:"likeCount"`
				CommentCount string `json:"commentCount"`
			} `json:"statistics"`
			ContentDetails struct {
				Duration string `json:"duration"`
			} `json:"contentDetails"`
		} `json:"items"`
	}

	if err := c.get(ctx, "/videos", params, &videosResp); err != nil {
		return nil, err
	}

	stats := make(map[string]Statistics, len(videosResp.Items))
	for _, item := range videosResp.Items {
		if item.ID == "" {
			continue
		}
		stats[item.ID] = Statistics{
			ViewCount:    parseCount(item.Statistics.ViewCount),
			LikeCount:    parseCount(item.Statistics.LikeCount),
			CommentCount: parseCount(item.Statistics.CommentCount),
			Duration:     item.ContentDetails.Duration,
		}
	}
	return stats, nil
}

func (c *APIClient) get(ctx context.Context, path string, params url.Values, dst any) error {
	params.Set("key", c.apiKey)
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call youtube %s: %w", path, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("youtube %s returned status %d: %s", path, resp.StatusCode, truncateBody(body))
		}

		if err := json.Unmarshal(body, dst); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	})
}

func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// VideoIDFromURL extracts the v= parameter of a watch URL.
func VideoIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("v")
}

// FormatDuration renders an ISO 8601 duration such as PT15M33S as 15:33.
func FormatDuration(iso string) string {
	if !strings.HasPrefix(iso, "PT") {
		return ""
	}

	var hours, minutes, seconds int
	num := 0
	for _, r := range iso[2:] {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
		case r == 'H':
			hours, num = num, 0
		case r == 'M':
			minutes, num = num, 0
		case r == 'S':
			seconds, num = num, 0
		default:
			return ""
		}
	}

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func truncateBody(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}

func recordBreakerState(name string, _, to circuitbreaker.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
}
