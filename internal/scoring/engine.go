// Package scoring rates candidate items for a user's corridor and stage,
// using an AI classifier with a keyword fallback per batch.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tribe-relocation/backend/internal/llm"
	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
)

var errNoValidEntries = errors.New("classifier response had no valid entries")

type Config struct {
	BatchSize         int
	Threshold         int
	BatchInterval     time.Duration
	FallbackRelevance int
	FallbackStage     int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         10,
		Threshold:         50,
		BatchInterval:     500 * time.Millisecond,
		FallbackRelevance: 60,
		FallbackStage:     50,
	}
}

type Result struct {
	Items           []models.ScoredItem
	Batches         int
	FallbackBatches int
}

type Engine struct {
	classifier llm.Classifier
	cfg        Config
	limiter    *rate.Limiter
}

type classification struct {
	PostIndex      *int             `json:"postIndex"`
	RelevanceScore int              `json:"relevanceScore"`
	StageScore     int              `json:"stageScore"`
	IsAlert        bool             `json:"isAlert"`
	AlertType      models.AlertKind `json:"alertType"`
	Reason         string           `json:"reason"`
}

// NewEngine builds a scoring engine. A nil classifier scores every batch with
// the keyword fallback.
func NewEngine(classifier llm.Classifier, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.FallbackRelevance <= 0 {
		cfg.FallbackRelevance = def.FallbackRelevance
	}
	if cfg.FallbackStage <= 0 {
		cfg.FallbackStage = def.FallbackStage
	}

	limit := rate.Inf
	if cfg.BatchInterval > 0 {
		limit = rate.Every(cfg.BatchInterval)
	}

	return &Engine{
		classifier: classifier,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Score classifies items in fixed-size batches, drops everything under the
// threshold and returns the rest ordered by relevance. Batches run in input
// order and a failed batch only affects its own items.
func (e *Engine) Score(ctx context.Context, items []models.CandidateItem, uc models.UserContext) (Result, error) {
	if err := uc.Validate(); err != nil {
		return Result{}, err
	}

	result := Result{Items: []models.ScoredItem{}}

	for start := 0; start < len(items); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		batchNum := result.Batches + 1

		if err := e.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("scoring interrupted: %w", err)
		}

		scored, err := e.classifyBatch(ctx, batch, uc)
		mode := "classifier"
		if err != nil {
			mode = "fallback"
			result.FallbackBatches++
			logger.Warn("Batch falling back to keyword filter",
				zap.Int("batch", batchNum),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
			scored = e.keywordFallback(batch, uc)
		}
		metrics.ClassifierBatches.WithLabelValues(mode).Inc()
		result.Batches++

		kept := 0
		for _, item := range scored {
			if item.RelevanceScore < e.cfg.Threshold {
				continue
			}
			result.Items = append(result.Items, item)
			kept++
		}

		logger.Debug("Batch scored",
			zap.Int("batch", batchNum),
			zap.String("mode", mode),
			zap.Int("kept", kept),
		)
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		return result.Items[i].RelevanceScore > result.Items[j].RelevanceScore
	})

	metrics.ItemsKept.Observe(float64(len(result.Items)))
	logger.Info("Scoring complete",
		zap.String("destination", uc.Destination),
		zap.Int("candidates", len(items)),
		zap.Int("kept", len(result.Items)),
		zap.Int("batches", result.Batches),
		zap.Int("fallback_batches", result.FallbackBatches),
	)
	return result, nil
}

func (e *Engine) classifyBatch(ctx context.Context, batch []models.CandidateItem, uc models.UserContext) ([]models.ScoredItem, error) {
	if e.classifier == nil {
		return nil, errors.New("no classifier configured")
	}

	text, err := e.classifier.Classify(ctx, buildPrompt(batch, uc))
	if err != nil {
		return nil, fmt.Errorf("classifier call failed: %w", err)
	}

	return parseClassifications(text, batch)
}

// parseClassifications validates the untrusted classifier output against the
// batch. Malformed entries are skipped; the first entry wins for an index.
func parseClassifications(text string, batch []models.CandidateItem) ([]models.ScoredItem, error) {
	raw, err := llm.ExtractJSONArray(text)
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode classifier array: %w", err)
	}

	seen := make(map[int]struct{}, len(batch))
	var out []models.ScoredItem
	for _, entry := range entries {
		var c classification
		if err := json.Unmarshal(entry, &c); err != nil {
			continue
		}
		if !c.valid(len(batch)) {
			continue
		}
		idx := *c.PostIndex
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}

		kind := c.AlertType
		if kind == "" {
			kind = models.AlertNone
		}
		out = append(out, models.ScoredItem{
			CandidateItem:  batch[idx],
			RelevanceScore: c.RelevanceScore,
			StageScore:     c.StageScore,
			IsAlert:        c.IsAlert,
			AlertKind:      kind,
			Reasoning:      c.Reason,
		})
	}

	if len(out) == 0 && len(batch) > 0 {
		return nil, errNoValidEntries
	}
	return out, nil
}

func (c classification) valid(batchLen int) bool {
	if c.PostIndex == nil || *c.PostIndex < 0 || *c.PostIndex >= batchLen {
		return false
	}
	if c.RelevanceScore < 0 || c.RelevanceScore > 100 || c.StageScore < 0 || c.StageScore > 100 {
		return false
	}
	return c.AlertType == "" || c.AlertType.Valid()
}
