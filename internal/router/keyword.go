package router

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"jorbline/internal/debounce"
	"jorbline/internal/domain"
)

var (
	spamMarkers = []string{
		"unsubscribe", "you have won", "you've won", "claim your prize", "click here", "free money",
		"gift card", "verify your account", "limited time offer", "act now", "crypto giveaway",
	}
	urgentMarkers = []string{"urgent", "asap", "emergency", "immediately", "right away"}
	stopwords     = map[string]bool{
		"the": true, "and": true, "for": true, "you": true, "are": true, "any": true, "with": true,
		"this": true, "that": true, "have": true, "from": true, "just": true, "about": true, "what": true,
		"when": true, "your": true, "can": true, "will": true, "please": true, "thanks": true, "hi": true,
		"hello": true, "update": true, "checking": true, "there": true, "some": true, "get": true, "not": true,
	}
)

const minNewJorbWords = 3

// KeywordClassifier routes by word overlap between the message and each
// jorb's name, plan and awaiting text.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(_ context.Context, ev debounce.Event, candidates []domain.JorbSummary) (Classification, error) {
	content := strings.ToLower(ev.Content)
	words := tokens(content)

	for _, s := range candidates {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		if len(name) >= 4 && strings.Contains(content, name) {
			return Classification{JorbID: s.ID, Confidence: ConfidenceHigh, Reasoning: fmt.Sprintf("message mentions %q", s.Name)}, nil
		}
	}

	best, bestScore := []domain.JorbSummary(nil), 0
	matched := 0
	for _, s := range candidates {
		score := overlap(words, tokens(strings.ToLower(s.Name+" "+s.PlanSummary+" "+s.Awaiting)))
		if score == 0 {
			continue
		}
		matched++
		switch {
		case score > bestScore:
			best, bestScore = []domain.JorbSummary{s}, score
		case score == bestScore:
			best = append(best, s)
		}
	}
	switch {
	case matched == 1:
		return Classification{JorbID: best[0].ID, Confidence: ConfidenceMedium, Reasoning: "message topic overlaps one open jorb"}, nil
	case matched > 1:
		s := mostRecent(best)
		return Classification{JorbID: s.ID, Confidence: ConfidenceLow,
			Reasoning: fmt.Sprintf("message topic overlaps %d open jorbs", matched)}, nil
	}

	spam := Spam(content)
	return Classification{
		Reasoning: "no open jorb matches",
		Signals: Signals{
			IsSpam:         spam,
			MightBeNewJorb: !spam && len(strings.Fields(content)) >= minNewJorbWords,
		},
	}, nil
}

// Spam reports whether content carries common spam markers.
func Spam(content string) bool {
	return containsAny(strings.ToLower(content), spamMarkers)
}

// Urgent reports whether content asks for immediate attention.
func Urgent(content string) bool {
	return containsAny(strings.ToLower(content), urgentMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
