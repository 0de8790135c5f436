package scoring

import (
	"fmt"
	"strings"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

var stageDescriptions = map[models.Stage]string{
	models.StageDreaming:   "just exploring options, researching countries",
	models.StagePlanning:   "seriously planning to move, researching requirements and timelines",
	models.StagePreparing:  "actively preparing documents, applying for visas, arranging logistics",
	models.StageRelocating: "in the process of moving or just arrived",
	models.StageSettling:   "settling in, finding housing and jobs, integrating into local culture",
}

// SystemPrompt is installed on the classifier client the engine talks to.
const SystemPrompt = `You score content for a migration corridor feed. You answer with a JSON array only.`

func buildPrompt(batch []models.CandidateItem, uc models.UserContext) string {
	var b strings.Builder

	b.WriteString("You are analyzing posts for a migration corridor feed.\n\n")
	b.WriteString("USER CONTEXT:\n")
	fmt.Fprintf(&b, "- Origin: %s\n", uc.Origin)
	fmt.Fprintf(&b, "- Destination: %s\n", uc.Destination)
	fmt.Fprintf(&b, "- Journey stage: %s (%s)\n\n", uc.Stage, stageDescriptions[uc.Stage])

	b.WriteString("POSTS TO ANALYZE:\n")
	for i, item := range batch {
		if i > 0 {
			b.WriteString("---\n")
		}
		fmt.Fprintf(&b, "POST %d:\nTitle: %s\nContent: %s\nSource: %s\nURL: %s\n", i, item.Title, item.Snippet, item.Source, item.URL)
	}

	fmt.Fprintf(&b, `
For EACH post determine:

1. relevanceScore (0-100): how relevant is this for someone moving from %[1]s to %[2]s?
- 90-100: directly about %[2]s immigration, visas or the moving process, highly actionable
- 70-89: relevant to %[2]s migration but more general (housing, jobs, culture tips)
- 50-69: tangentially related (%[2]s travel, expat life, not migration-specific)
- 30-49: mentions %[2]s but not migration-related (news, sports, food)
- 0-29: irrelevant, or about a different country

2. stageScore (0-100): how useful is this for someone in the "%[3]s" stage?
- dreaming: country comparisons, pros and cons, quality of life
- planning: visa requirements, timelines, cost breakdowns, document lists
- preparing: application tips, interview experiences, submission guides
- relocating: arrival tips, first week survival, temporary housing, customs
- settling: long-term housing, job hunting, making friends, local integration

3. isAlert (true/false): is this time-sensitive or does it require immediate action?

4. alertType: opportunity | warning | update | none
- opportunity: job openings, visa slots opened, fast-track programs, urgent hiring
- warning: scams, fraud alerts, policy changes that make things harder
- update: new requirements, fee changes, processing time updates, rule changes

5. reason: one specific sentence explaining the score.

Be strict. City names without the country name still count. "relocating", "moving", "immigrating" and "expat" are all migration terms.

Return ONLY a JSON array, one entry per post:
[{"postIndex": 0, "relevanceScore": 85, "stageScore": 70, "isAlert": false, "alertType": "none", "reason": "..."}]
`, uc.Origin, uc.Destination, uc.Stage)

	return b.String()
}
