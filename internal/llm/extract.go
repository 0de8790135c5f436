package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoJSON = errors.New("no well-formed JSON found in response")

// ExtractJSONArray returns the first well-formed JSON array embedded in text.
// Models wrap output in prose or code fences, so every '[' is tried in turn.
func ExtractJSONArray(text string) (json.RawMessage, error) {
	return extractFirst(text, '[')
}

// ExtractJSONObject returns the first well-formed JSON object embedded in text.
func ExtractJSONObject(text string) (json.RawMessage, error) {
	return extractFirst(text, '{')
}

func extractFirst(text string, open byte) (json.RawMessage, error) {
	for i := 0; i < len(text); i++ {
		if text[i] != open {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		if len(raw) > 0 && raw[0] == open {
			return raw, nil
		}
	}
	return nil, ErrNoJSON
}
