// Package router decides which open jorb, if any, a combined inbound
// event belongs to. Routing never writes to the task store.
package router

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"jorbline/internal/debounce"
	"jorbline/internal/domain"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

type Signals struct {
	MightBeNewJorb bool `json:"might_be_new_jorb"`
	IsSpam         bool `json:"is_spam"`
	IsUrgent       bool `json:"is_urgent"`
	UnknownSender  bool `json:"unknown_sender"`
}

// Decision is a routing outcome. An empty JorbID is the null route.
type Decision struct {
	JorbID     string  `json:"jorb_id,omitempty"`
	Confidence string  `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Signals    Signals `json:"signals"`
}

func (d Decision) Routed() bool { return d.JorbID != "" }

// Classification is a content-based routing guess.
type Classification struct {
	JorbID     string
	Confidence string
	Reasoning  string
	Signals    Signals
}

// Classifier matches event content against candidate jorbs. It is only
// consulted when no identity rule matched.
type Classifier interface {
	Classify(ctx context.Context, ev debounce.Event, candidates []domain.JorbSummary) (Classification, error)
}

type Router struct {
	classifier Classifier
	fallback   Classifier
	log        *zap.Logger
}

// New returns a Router. A nil classifier uses KeywordClassifier, which
// is also the fallback when the configured classifier errors.
func New(c Classifier, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	kw := KeywordClassifier{}
	if c == nil {
		c = kw
	}
	return &Router{classifier: c, fallback: kw, log: log}
}

func (r *Router) Route(ctx context.Context, ev debounce.Event, open []domain.JorbSummary) Decision {
	d := r.route(ctx, ev, open)
	d.Signals.IsUrgent = d.Signals.IsUrgent || Urgent(ev.Content)
	r.log.Info("router: decision",
		zap.String("channel", ev.Channel),
		zap.String("sender", ev.Sender),
		zap.String("jorb_id", d.JorbID),
		zap.String("confidence", d.Confidence),
		zap.String("reasoning", d.Reasoning),
		zap.Bool("might_be_new_jorb", d.Signals.MightBeNewJorb),
		zap.Bool("is_spam", d.Signals.IsSpam))
	return d
}

func (r *Router) route(ctx context.Context, ev debounce.Event, open []domain.JorbSummary) Decision {
	if exact := filter(open, func(s domain.JorbSummary) bool { return hasExactContact(s, ev.Channel, ev.Sender) }); len(exact) > 0 {
		if len(exact) == 1 {
			return Decision{JorbID: exact[0].ID, Confidence: ConfidenceHigh, Reasoning: "sender is a registered contact"}
		}
		if s, ok := replyTarget(exact, ev.ReplyTo); ok {
			return Decision{JorbID: s.ID, Confidence: ConfidenceHigh, Reasoning: "sender is a registered contact replying to this jorb"}
		}
		s := mostRecent(exact)
		return Decision{JorbID: s.ID, Confidence: ConfidenceLow,
			Reasoning: fmt.Sprintf("sender is a contact on %d jorbs; chose the most recently active", len(exact))}
	}
	if s, ok := replyTarget(open, ev.ReplyTo); ok {
		return Decision{JorbID: s.ID, Confidence: ConfidenceHigh, Reasoning: "direct reply to the jorb's last outbound message"}
	}
	norm := NormalizeIdentifier(ev.Sender)
	if fuzzy := filter(open, func(s domain.JorbSummary) bool { return hasNormalizedContact(s, norm) }); len(fuzzy) > 0 {
		if len(fuzzy) == 1 {
			return Decision{JorbID: fuzzy[0].ID, Confidence: ConfidenceMedium, Reasoning: "sender matches a contact after normalisation"}
		}
		s := mostRecent(fuzzy)
		return Decision{JorbID: s.ID, Confidence: ConfidenceLow,
			Reasoning: fmt.Sprintf("sender loosely matches contacts on %d jorbs; chose the most recently active", len(fuzzy))}
	}

	c, err := r.classifier.Classify(ctx, ev, open)
	if err != nil {
		r.log.Warn("router: classifier failed, using keywords", zap.Error(err))
		c, err = r.fallback.Classify(ctx, ev, open)
		if err != nil {
			return Decision{Confidence: ConfidenceLow, Reasoning: "classification failed", Signals: Signals{UnknownSender: true}}
		}
	}
	c.Signals.UnknownSender = true
	if c.JorbID == "" {
		return Decision{Confidence: ConfidenceLow, Reasoning: c.Reasoning, Signals: c.Signals}
	}
	if _, ok := find(open, c.JorbID); !ok {
		r.log.Warn("router: classifier named an unknown jorb", zap.String("jorb_id", c.JorbID))
		return Decision{Confidence: ConfidenceLow, Reasoning: "classifier named a jorb that is not open", Signals: c.Signals}
	}
	switch c.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		c.Confidence = ConfidenceLow
	}
	c.Signals.MightBeNewJorb = false
	return Decision{JorbID: c.JorbID, Confidence: c.Confidence, Reasoning: c.Reasoning, Signals: c.Signals}
}

func hasExactContact(s domain.JorbSummary, channel, sender string) bool {
	for _, c := range s.Contacts {
		if c.Channel == channel && c.Identifier == sender {
			return true
		}
	}
	return false
}

func hasNormalizedContact(s domain.JorbSummary, norm string) bool {
	if norm == "" {
		return false
	}
	for _, c := range s.Contacts {
		if NormalizeIdentifier(c.Identifier) == norm {
			return true
		}
	}
	return false
}

func replyTarget(open []domain.JorbSummary, replyTo string) (domain.JorbSummary, bool) {
	if replyTo == "" {
		return domain.JorbSummary{}, false
	}
	for _, s := range open {
		if s.LastOutboundID == replyTo {
			return s, true
		}
	}
	return domain.JorbSummary{}, false
}

func filter(in []domain.JorbSummary, keep func(domain.JorbSummary) bool) []domain.JorbSummary {
	var out []domain.JorbSummary
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func find(in []domain.JorbSummary, id string) (domain.JorbSummary, bool) {
	for _, s := range in {
		if s.ID == id {
			return s, true
		}
	}
	return domain.JorbSummary{}, false
}

// mostRecent breaks ties by last activity. Timestamps are fixed width,
// so string order is time order.
func mostRecent(in []domain.JorbSummary) domain.JorbSummary {
	sorted := append([]domain.JorbSummary(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].LastActivityAt != sorted[j].LastActivityAt {
			return sorted[i].LastActivityAt > sorted[j].LastActivityAt
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}
