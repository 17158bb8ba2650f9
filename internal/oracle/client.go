package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"jorbline/internal/debounce"
	"jorbline/internal/domain"
	"jorbline/internal/router"
)

// ContextMessage is a message as shown to the oracle.
type ContextMessage struct {
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
	Channel   string `json:"channel"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
}

// FromMessages converts stored messages to the shape the oracle sees.
func FromMessages(msgs []domain.Message) []ContextMessage {
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		from := m.Sender
		if m.SenderName != "" {
			from = m.SenderName + " <" + m.Sender + ">"
		}
		out = append(out, ContextMessage{
			Seq:       m.Seq,
			Timestamp: m.Timestamp,
			Direction: m.Direction,
			Channel:   m.Channel,
			From:      from,
			To:        m.Recipient,
			Content:   m.Content,
		})
	}
	return out
}

// TriggerInfo describes what started the cycle.
type TriggerInfo struct {
	Kind         string `json:"kind"`
	Channel      string `json:"channel,omitempty"`
	Sender       string `json:"sender,omitempty"`
	SenderName   string `json:"senderName,omitempty"`
	Content      string `json:"content,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	Decision     string `json:"decision,omitempty"`
}

type PolicyView struct {
	MaxSpendWithoutApproval       float64  `json:"maxSpendWithoutApproval"`
	RequireApprovalFor            []string `json:"requireApprovalFor"`
	RequireApprovalForNewContacts bool     `json:"requireApprovalForNewContacts,omitempty"`
}

// Request is the context bundle for one decision.
type Request struct {
	JorbName        string           `json:"jorbName"`
	Plan            string           `json:"plan"`
	ProgressSummary string           `json:"progressSummary,omitempty"`
	Contacts        []domain.Contact `json:"contacts"`
	Awaiting        string           `json:"awaiting,omitempty"`
	RecentMessages  []ContextMessage `json:"recentMessages"`
	OmittedMessages int              `json:"omittedMessages,omitempty"`
	TriggeringEvent TriggerInfo      `json:"triggeringEvent"`
	Policy          PolicyView       `json:"policy"`
	ErrorNote       string           `json:"errorNote,omitempty"`
}

type SummaryRequest struct {
	JorbName        string
	Plan            string
	PreviousSummary string
	Messages        []ContextMessage
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Prices are per thousand tokens.
type Prices struct {
	InputPer1K  float64
	OutputPer1K float64
}

type Options struct {
	Prices      Prices
	RouterModel string
}

// Client turns engine requests into prompts and decodes the answers.
type Client struct {
	provider Provider
	opts     Options
}

func NewClient(p Provider, opts Options) *Client {
	return &Client{provider: p, opts: opts}
}

// Decide asks for the next step. Usage is returned whenever the provider
// answered, including when the answer fails validation.
func (c *Client) Decide(ctx context.Context, req Request) (Decision, Usage, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Decision{}, Usage{}, err
	}
	prompt := Prompt{System: decisionSystemPrompt, User: string(body), JSON: true}
	out, err := c.provider.Complete(ctx, prompt)
	if err != nil {
		return Decision{}, Usage{}, err
	}
	usage := c.usage(prompt, out)
	d, err := ParseDecision(out.Text)
	return d, usage, err
}

// Summarize produces a handoff summary of a jorb's history.
func (c *Client) Summarize(ctx context.Context, req SummaryRequest) (string, Usage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Jorb: %s\n\nPlan:\n%s\n\n", req.JorbName, req.Plan)
	if req.PreviousSummary != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", req.PreviousSummary)
	}
	b.WriteString("Messages since the previous summary:\n")
	for _, m := range req.Messages {
		who := m.From
		if m.Direction == domain.DirectionOutbound {
			who = "agent -> " + m.To
		}
		fmt.Fprintf(&b, "[%s] %s (%s): %s\n", m.Timestamp, who, m.Channel, m.Content)
	}
	prompt := Prompt{System: summarySystemPrompt, User: b.String()}
	out, err := c.provider.Complete(ctx, prompt)
	if err != nil {
		return "", Usage{}, err
	}
	usage := c.usage(prompt, out)
	summary := strings.TrimSpace(out.Text)
	if summary == "" {
		return "", usage, errors.New("oracle returned an empty summary")
	}
	return summary, usage, nil
}

type classification struct {
	JorbID         string `json:"jorbId"`
	Confidence     string `json:"confidence"`
	Reasoning      string `json:"reasoning"`
	MightBeNewJorb bool   `json:"mightBeNewJorb"`
	IsSpam         bool   `json:"isSpam"`
	IsUrgent       bool   `json:"isUrgent"`
}

type classifyCandidate struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Plan     string `json:"plan"`
	Awaiting string `json:"awaiting,omitempty"`
}

// Classify implements router.Classifier.
func (c *Client) Classify(ctx context.Context, ev debounce.Event, candidates []domain.JorbSummary) (router.Classification, error) {
	cands := make([]classifyCandidate, 0, len(candidates))
	for _, s := range candidates {
		cands = append(cands, classifyCandidate{ID: s.ID, Name: s.Name, Plan: s.PlanSummary, Awaiting: s.Awaiting})
	}
	body, err := json.MarshalIndent(map[string]any{
		"message": map[string]any{
			"channel":      ev.Channel,
			"sender":       ev.Sender,
			"senderName":   ev.SenderName,
			"content":      ev.Content,
			"messageCount": ev.MessageCount,
		},
		"openJorbs": cands,
	}, "", "  ")
	if err != nil {
		return router.Classification{}, err
	}
	out, err := c.provider.Complete(ctx, Prompt{System: classifySystemPrompt, User: string(body), Model: c.opts.RouterModel, JSON: true})
	if err != nil {
		return router.Classification{}, err
	}
	var cl classification
	if err := decodeStrict(stripFences(out.Text), &cl); err != nil {
		return router.Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	return router.Classification{
		JorbID:     cl.JorbID,
		Confidence: cl.Confidence,
		Reasoning:  cl.Reasoning,
		Signals: router.Signals{
			MightBeNewJorb: cl.MightBeNewJorb,
			IsSpam:         cl.IsSpam,
			IsUrgent:       cl.IsUrgent,
		},
	}, nil
}

// charsPerToken is used when a provider does not report usage.
const charsPerToken = 4

func (c *Client) usage(p Prompt, out Completion) Usage {
	u := Usage{InputTokens: out.InputTokens, OutputTokens: out.OutputTokens}
	if u.InputTokens == 0 {
		u.InputTokens = estimateTokens(p.System) + estimateTokens(p.User)
	}
	if u.OutputTokens == 0 {
		u.OutputTokens = estimateTokens(out.Text)
	}
	u.Cost = float64(u.InputTokens)/1000*c.opts.Prices.InputPer1K + float64(u.OutputTokens)/1000*c.opts.Prices.OutputPer1K
	return u
}

func estimateTokens(s string) int64 {
	return int64((len(s) + charsPerToken - 1) / charsPerToken)
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int { return int(estimateTokens(s)) }
