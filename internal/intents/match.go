package intents

import (
	"context"
	"strings"
)

const (
	// FallbackIntent is reported when no stored example matches.
	FallbackIntent = "nlu_fallback"

	matchConfidence    = 0.98
	fallbackConfidence = 0.3
)

// Match is the outcome of Classify.
type Match struct {
	Intent     string  `json:"intent"`
	IntentID   string  `json:"intent_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Classify maps text onto a stored intent by its examples. Passes run in
// order of strictness (exact, case-insensitive, then examples containing the
// text) and each pass scans intents oldest first; the first hit wins.
func (m *Manager) Classify(ctx context.Context, text string) (Match, error) {
	text, err := Required("text", text)
	if err != nil {
		return Match{}, err
	}

	list, err := m.store.ListIntents(ctx)
	if err != nil {
		return Match{}, err
	}

	lower := strings.ToLower(text)
	passes := []func(example string) bool{
		func(ex string) bool { return ex == text },
		func(ex string) bool { return strings.EqualFold(ex, text) },
		func(ex string) bool { return strings.Contains(strings.ToLower(ex), lower) },
	}

	for _, matches := range passes {
		for i := len(list) - 1; i >= 0; i-- {
			for _, ex := range list[i].Examples {
				if matches(ex) {
					return Match{Intent: list[i].Name, IntentID: list[i].ID, Confidence: matchConfidence}, nil
				}
			}
		}
	}
	return Match{Intent: FallbackIntent, Confidence: fallbackConfidence}, nil
}
