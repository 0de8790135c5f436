// Package transcript fetches the spoken text of a video.
package transcript

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/pkg/logger"
)

const DefaultBaseURL = "https://www.youtube.com/api/timedtext"

// Source returns ok=false when the video has no transcript. That is an
// ordinary outcome; err is reserved for transport failures.
type Source interface {
	Fetch(ctx context.Context, videoID string) (text string, ok bool, err error)
}

type TimedTextSource struct {
	baseURL    string
	languages  []string
	httpClient *http.Client
}

func NewTimedTextSource(baseURL string, languages []string, timeout time.Duration) *TimedTextSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TimedTextSource{
		baseURL:    baseURL,
		languages:  languages,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch tries each configured language in order and returns the first
// non-empty track.
func (s *TimedTextSource) Fetch(ctx context.Context, videoID string) (string, bool, error) {
	if videoID == "" {
		return "", false, nil
	}

	var lastErr error
	for _, lang := range s.languages {
		text, err := s.fetchTrack(ctx, videoID, lang)
		if err != nil {
			lastErr = err
			logger.Debug("Transcript track fetch failed",
				zap.String("video_id", videoID),
				zap.String("lang", lang),
				zap.Error(err),
			)
			continue
		}
		if text != "" {
			return text, true, nil
		}
	}

	if lastErr != nil {
		return "", false, lastErr
	}
	return "", false, nil
}

func (s *TimedTextSource) fetchTrack(ctx context.Context, videoID, lang string) (string, error) {
	params := url.Values{}
	params.Set("v", videoID)
	params.Set("lang", lang)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcript endpoint returned status %d", resp.StatusCode)
	}

	return Parse(resp.Body)
}

// Parse joins the cue texts of a timed-text XML document. Cue bodies are
// entity-escaped twice by the endpoint, so each is unescaped once more after
// goquery decodes the markup.
func Parse(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse transcript: %w", err)
	}

	var parts []string
	doc.Find("text").Each(func(i int, cue *goquery.Selection) {
		text := strings.Join(strings.Fields(html.UnescapeString(cue.Text())), " ")
		if text != "" {
			parts = append(parts, text)
		}
	})

	return strings.Join(parts, " "), nil
}
