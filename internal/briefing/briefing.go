// Package briefing builds the human digest of what happened since the
// last time someone looked.
package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"jorbline/internal/domain"
	"jorbline/internal/events"
	"jorbline/internal/repo"
)

type Item struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	Awaiting         string  `json:"awaiting,omitempty"`
	PausedReason     string  `json:"paused_reason,omitempty"`
	NeedsApprovalFor string  `json:"needs_approval_for,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	EstimatedCost    float64 `json:"estimated_cost"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Unrouted struct {
	TS             string `json:"ts" format:"date-time"`
	Channel        string `json:"channel"`
	Sender         string `json:"sender"`
	SenderName     string `json:"sender_name,omitempty"`
	Content        string `json:"content"`
	MessageCount   int    `json:"message_count"`
	MightBeNewJorb bool   `json:"might_be_new_jorb"`
	Urgent         bool   `json:"urgent"`
}

type Totals struct {
	OpenJorbs     int     `json:"open_jorbs"`
	MessagesIn    int64   `json:"messages_in"`
	MessagesOut   int64   `json:"messages_out"`
	OracleCalls   int64   `json:"oracle_calls"`
	TokensUsed    int64   `json:"tokens_used"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Briefing is the digest since Since. An empty Since means everything.
type Briefing struct {
	Since         string         `json:"since,omitempty"`
	GeneratedAt   string         `json:"generated_at" format:"date-time"`
	NeedsApproval []Item         `json:"needs_approval"`
	Running       []Item         `json:"running"`
	Planning      []Item         `json:"planning"`
	Completed     []Item         `json:"completed"`
	Failed        []Item         `json:"failed"`
	Cancelled     []Item         `json:"cancelled"`
	Unrouted      []Unrouted     `json:"unrouted"`
	Activity      map[string]int `json:"activity"`
	Totals        Totals         `json:"totals"`
}

// Empty reports whether nothing needs the reader's attention.
func (b Briefing) Empty() bool {
	return len(b.NeedsApproval) == 0 && len(b.Completed) == 0 && len(b.Failed) == 0 &&
		len(b.Cancelled) == 0 && len(b.Unrouted) == 0
}

type Generator struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Generate builds the digest for activity after since.
func (g Generator) Generate(ctx context.Context, since string) (Briefing, error) {
	b := Briefing{
		Since:         since,
		GeneratedAt:   domain.Timestamp(g.now()),
		NeedsApproval: []Item{},
		Running:       []Item{},
		Planning:      []Item{},
		Completed:     []Item{},
		Failed:        []Item{},
		Cancelled:     []Item{},
		Unrouted:      []Unrouted{},
	}
	jorbs, err := g.Repo.ListJorbs(ctx, repo.FilterAll)
	if err != nil {
		return b, err
	}
	for _, j := range jorbs {
		it := item(j)
		if !domain.IsTerminal(j.Status) {
			b.Totals.OpenJorbs++
			b.Totals.MessagesIn += j.Metrics.MessagesIn
			b.Totals.MessagesOut += j.Metrics.MessagesOut
			b.Totals.OracleCalls += j.Metrics.OracleCalls
			b.Totals.TokensUsed += j.Metrics.TokensUsed
			b.Totals.EstimatedCost += j.Metrics.EstimatedCost
		}
		switch j.Status {
		case domain.StatusPaused:
			b.NeedsApproval = append(b.NeedsApproval, it)
		case domain.StatusRunning:
			b.Running = append(b.Running, it)
		case domain.StatusPlanning:
			b.Planning = append(b.Planning, it)
		}
		if !domain.IsTerminal(j.Status) || j.UpdatedAt <= since {
			continue
		}
		switch j.Status {
		case domain.StatusComplete:
			b.Completed = append(b.Completed, it)
		case domain.StatusFailed:
			b.Failed = append(b.Failed, it)
		case domain.StatusCancelled:
			b.Cancelled = append(b.Cancelled, it)
		}
	}

	evs, err := g.Repo.Events(ctx, repo.EventFilters{Since: since, Type: events.InboundUnrouted})
	if err != nil {
		return b, err
	}
	for _, ev := range evs {
		var u Unrouted
		if err := json.Unmarshal([]byte(ev.Payload), &u); err != nil {
			continue
		}
		u.TS = ev.TS
		b.Unrouted = append(b.Unrouted, u)
	}
	// urgent first, otherwise oldest first
	sort.SliceStable(b.Unrouted, func(i, j int) bool {
		return b.Unrouted[i].Urgent && !b.Unrouted[j].Urgent
	})

	b.Activity, err = g.Repo.CountEventsByType(ctx, since)
	if err != nil {
		return b, err
	}
	return b, nil
}

func item(j domain.Jorb) Item {
	it := Item{
		ID:               j.ID,
		Name:             j.Name,
		Status:           j.Status,
		Awaiting:         j.Awaiting,
		PausedReason:     j.PausedReason,
		NeedsApprovalFor: j.NeedsApprovalFor,
		EstimatedCost:    j.Metrics.EstimatedCost,
		UpdatedAt:        j.UpdatedAt,
	}
	if o := j.Outcome; o != nil {
		switch {
		case o.FailureReason != "":
			it.Reason = o.FailureReason
		case o.CancelReason != "":
			it.Reason = o.CancelReason
		}
	}
	return it
}

// Brief generates the digest since the stored last-briefed time. With
// advance, the stored time moves to the briefing's generation time.
func (g Generator) Brief(ctx context.Context, advance bool) (Briefing, error) {
	since, err := g.Repo.GetSetting(ctx, repo.SettingLastBriefedAt)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Briefing{}, err
	}
	b, err := g.Generate(ctx, since)
	if err != nil {
		return b, err
	}
	if advance {
		if err := g.Repo.SetSetting(ctx, repo.SettingLastBriefedAt, b.GeneratedAt); err != nil {
			return b, err
		}
	}
	return b, nil
}
