package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidContext = errors.New("invalid user context")

type Source string

const (
	SourceSocialPost     Source = "social-post"
	SourceForumPost      Source = "forum-post"
	SourceNewsArticle    Source = "news-article"
	SourceOfficialNotice Source = "official-notice"
	SourceVideo          Source = "video"
)

func (s Source) Valid() bool {
	switch s {
	case SourceSocialPost, SourceForumPost, SourceNewsArticle, SourceOfficialNotice, SourceVideo:
		return true
	}
	return false
}

type Stage string

const (
	StageDreaming   Stage = "dreaming"
	StagePlanning   Stage = "planning"
	StagePreparing  Stage = "preparing"
	StageRelocating Stage = "relocating"
	StageSettling   Stage = "settling"
)

var Stages = []Stage{StageDreaming, StagePlanning, StagePreparing, StageRelocating, StageSettling}

func (s Stage) Valid() bool {
	for _, stage := range Stages {
		if s == stage {
			return true
		}
	}
	return false
}

type AlertKind string

const (
	AlertNone        AlertKind = "none"
	AlertOpportunity AlertKind = "opportunity"
	AlertWarning     AlertKind = "warning"
	AlertUpdate      AlertKind = "update"
)

func (k AlertKind) Valid() bool {
	switch k {
	case AlertNone, AlertOpportunity, AlertWarning, AlertUpdate:
		return true
	}
	return false
}

type ResearchStatus string

const (
	StatusIdle       ResearchStatus = "idle"
	StatusRefreshing ResearchStatus = "refreshing"
	StatusComplete   ResearchStatus = "complete"
	StatusError      ResearchStatus = "error"
)

// CandidateItem is raw content from a connector, before scoring.
type CandidateItem struct {
	Source      Source    `json:"source"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	URL         string    `json:"url"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	Author      string    `json:"author,omitempty"`
	Community   string    `json:"community,omitempty"`
	VideoID     string    `json:"video_id,omitempty"`
	Upvotes     int64     `json:"upvotes,omitempty"`
	Comments    int64     `json:"comments,omitempty"`
	Views       int64     `json:"views,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Text is the title and snippet the classifier and keyword fallback look at.
func (c CandidateItem) Text() string {
	return c.Title + " " + c.Snippet
}

type ScoredItem struct {
	CandidateItem
	RelevanceScore int            `json:"relevance_score"`
	StageScore     int            `json:"stage_score"`
	IsAlert        bool           `json:"is_alert"`
	AlertKind      AlertKind      `json:"alert_kind"`
	Reasoning      string         `json:"reasoning"`
	Analysis       *VideoAnalysis `json:"analysis,omitempty"`
}

type KeyMoment struct {
	Timestamp string `json:"timestamp"`
	Topic     string `json:"topic"`
}

type VideoAnalysis struct {
	VideoID     string      `json:"video_id"`
	Summary     string      `json:"summary"`
	KeyMoments  []KeyMoment `json:"key_moments"`
	KeyTakeaway string      `json:"key_takeaway"`
	Transcript  string      `json:"transcript,omitempty"`
	AnalyzedAt  time.Time   `json:"analyzed_at"`
}

type QuotaRecord struct {
	Resource    string    `json:"resource"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	WindowStart time.Time `json:"window_start"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type CacheEntry struct {
	Key      string
	Payload  []byte
	CachedAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is past its TTL at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.CachedAt) > e.TTL
}

type Corridor struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Stage       Stage     `json:"stage"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c Corridor) UserContext() UserContext {
	return UserContext{Origin: c.Origin, Destination: c.Destination, Stage: c.Stage}
}

type CorridorResearchState struct {
	CorridorID      string         `json:"corridor_id"`
	Status          ResearchStatus `json:"status"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	LastRefreshedAt *time.Time     `json:"last_refreshed_at,omitempty"`
	ItemCount       int            `json:"item_count"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type UserContext struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Stage       Stage  `json:"stage"`
}

func (u UserContext) Validate() error {
	if strings.TrimSpace(u.Origin) == "" {
		return fmt.Errorf("%w: origin is required", ErrInvalidContext)
	}
	if strings.TrimSpace(u.Destination) == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidContext)
	}
	if !u.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidContext, u.Stage)
	}
	return nil
}
