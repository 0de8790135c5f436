package analysis

import "fmt"

// SystemPrompt is installed on the classifier client used for analyses.
const SystemPrompt = `You analyze video transcripts for people planning an international move. You answer with a single JSON object only.`

func buildPrompt(transcript, title, destination string) string {
	return fmt.Sprintf(`You are analyzing a YouTube video transcript about immigration to %[1]s.

VIDEO TITLE: %[2]s

TRANSCRIPT:
%[3]s

Extract the most useful information for someone planning to move to %[1]s.

1. summary (2-3 sentences): what is this video about? Focus on actionable migration advice, visa processes, practical tips or real experiences. If the video is not about migration, say so here instead of inventing relevance.

2. keyTimestamps (exactly 3): the three most important moments, spread over the beginning, middle and end. Each has:
   - time: MM:SS, estimated from the transcript flow
   - topic: what is discussed, specific ("Work visa requirements explained", not "visa info")

3. youllLearn (1 sentence): the concrete, practical takeaway for viewers.

Focus on visas, housing, jobs, documents, costs and settling in. Skip tourism content unless it matters for moving.

Return ONLY a JSON object, no markdown:
{"summary": "...", "keyTimestamps": [{"time": "2:15", "topic": "..."}, {"time": "8:30", "topic": "..."}, {"time": "14:45", "topic": "..."}], "youllLearn": "..."}
`, destination, title, transcript)
}
