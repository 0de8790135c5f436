package scoring

import (
	"strings"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

const fallbackReason = "Keyword match on destination (classifier unavailable)"

var alertKeywords = []struct {
	kind     models.AlertKind
	keywords []string
}{
	{models.AlertOpportunity, []string{"slots opened", "appointment available", "new visa", "fast track", "urgent hire", "job opening"}},
	{models.AlertWarning, []string{"scam", "warning", "avoid", "rejected", "denied", "fraud"}},
	{models.AlertUpdate, []string{"new requirement", "policy change", "fee increase", "rule change", "update:"}},
}

// DetectAlert flags time-sensitive content by keyword. The first matching
// kind wins, in the order opportunity, warning, update.
func DetectAlert(text string) models.AlertKind {
	text = strings.ToLower(text)
	for _, group := range alertKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(text, kw) {
				return group.kind
			}
		}
	}
	return models.AlertNone
}

// keywordFallback keeps exactly the items whose title or snippet mention the
// destination, with fixed scores.
func (e *Engine) keywordFallback(batch []models.CandidateItem, uc models.UserContext) []models.ScoredItem {
	dest := strings.ToLower(strings.TrimSpace(uc.Destination))

	var out []models.ScoredItem
	for _, item := range batch {
		if !strings.Contains(strings.ToLower(item.Text()), dest) {
			continue
		}
		kind := DetectAlert(item.Text())
		out = append(out, models.ScoredItem{
			CandidateItem:  item,
			RelevanceScore: e.cfg.FallbackRelevance,
			StageScore:     e.cfg.FallbackStage,
			IsAlert:        kind != models.AlertNone,
			AlertKind:      kind,
			Reasoning:      fallbackReason,
		})
	}
	return out
}
